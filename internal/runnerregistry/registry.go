// Package runnerregistry is the manager-side live-runner registry backing
// C3's transport operations: an in-memory map of connected runners plus the
// actor→runner assignment that tells the manager which runner currently
// hosts a given actor. Modeled directly on the teacher's
// server/internal/agentmanager — same in-memory, non-persistent registry
// shape, the same re-registration-on-reconnect assumption.
package runnerregistry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

// RunnerConn is the narrow interface a runner-side connection exposes to the
// registry: one-shot HTTP and WebSocket dialing against an actor hosted on
// that runner. internal/runnerconn supplies the concrete implementation.
type RunnerConn interface {
	SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error)
	OpenWebSocket(ctx context.Context, actorID, path, encoding string, params map[string]string) (driver.Socket, error)
}

type runnerEntry struct {
	conn        RunnerConn
	names       []string
	connectedAt time.Time
}

// Registry is the in-memory registry of connected runners and the actors
// they currently host. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*runnerEntry
	actors  map[string]string // actorID -> runnerID
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		runners: make(map[string]*runnerEntry),
		actors:  make(map[string]string),
		logger:  logger.Named("runnerregistry"),
	}
}

// Register records runnerID as connected via conn, able to host actors of
// the given names. A duplicate registration replaces the previous entry,
// matching the teacher's reconnect-races-disconnect tolerance.
func (r *Registry) Register(runnerID string, names []string, conn RunnerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[runnerID]; exists {
		r.logger.Warn("replacing existing runner connection", zap.String("runner_id", runnerID))
	}
	r.runners[runnerID] = &runnerEntry{conn: conn, names: names, connectedAt: time.Now()}
	r.logger.Info("runner connected", zap.String("runner_id", runnerID), zap.Int("total_connected", len(r.runners)))
}

// PickRunnerForName returns the id of a connected runner that lists name
// among its hosted actor names. Selection is unordered-map iteration order,
// which is good enough as a placeholder scheduling policy — a production
// deployment would plug in load-aware placement here.
func (r *Registry) PickRunnerForName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, entry := range r.runners {
		for _, n := range entry.names {
			if n == name {
				return id, true
			}
		}
	}
	return "", false
}

// Deregister removes runnerID from the registry. Actors previously assigned
// to it remain assigned until reassigned or explicitly unassigned — the
// manager driver decides how to handle a dead assignment on next lookup.
func (r *Registry) Deregister(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return
	}
	delete(r.runners, runnerID)
	r.logger.Info("runner disconnected",
		zap.String("runner_id", runnerID),
		zap.Duration("session_duration", time.Since(entry.connectedAt)),
		zap.Int("total_connected", len(r.runners)),
	)
}

// AssignActor records that actorID is currently hosted on runnerID.
func (r *Registry) AssignActor(actorID, runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[actorID] = runnerID
}

// UnassignActor removes actorID's runner assignment, e.g. once it sleeps or
// is destroyed.
func (r *Registry) UnassignActor(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, actorID)
}

// IsConnected reports whether runnerID currently has an active connection.
func (r *Registry) IsConnected(runnerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[runnerID]
	return ok
}

// WaitForRunner blocks until runnerID connects or ctx is cancelled. Polls
// every 500ms, mirroring the teacher's WaitForAgent.
func (r *Registry) WaitForRunner(ctx context.Context, runnerID string) error {
	for {
		if r.IsConnected(runnerID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("runnerregistry: timed out waiting for runner %s: %w", runnerID, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// connFor resolves actorID to its currently assigned runner's connection.
func (r *Registry) connFor(actorID string) (RunnerConn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runnerID, ok := r.actors[actorID]
	if !ok {
		return nil, fmt.Errorf("runnerregistry: actor %s has no runner assignment", actorID)
	}
	entry, ok := r.runners[runnerID]
	if !ok {
		return nil, fmt.Errorf("runnerregistry: actor %s assigned to disconnected runner %s", actorID, runnerID)
	}
	return entry.conn, nil
}
