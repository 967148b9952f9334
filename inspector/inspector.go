// Package inspector implements the inspector core (C8): a read/mutate/execute
// facade over one live actor instance. Inspector itself holds no actor state;
// it reaches into the actor through the narrow interfaces below, which the
// actor runtime implements and wires in via Actor.
package inspector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rivetkit-go/rivetkit/wire"
)

// StateNotEnabledError is returned from SetState when the actor has not
// opted into external state mutation.
type StateNotEnabledError struct{}

func (e *StateNotEnabledError) Error() string {
	return "inspector: actor state mutation is not enabled"
}

// StateAccessor exposes read/write access to an actor's persisted state.
// GetState always succeeds for a running actor; SetState may be refused by
// StateEnabled returning false, in which case SetState fails with
// StateNotEnabledError.
type StateAccessor interface {
	GetState(ctx context.Context) (wire.Payload, error)
	SetState(ctx context.Context, state wire.Payload) error
	StateEnabled() bool
}

// ConnectionInfo describes one live connection to the actor.
type ConnectionInfo struct {
	ID          string
	Params      map[string]string
	Subscribed  []string
	ConnectedAt time.Time
}

// ConnectionLister enumerates an actor's live connections.
type ConnectionLister interface {
	ListConnections() []ConnectionInfo
}

// ActionInfo describes one callable action in the actor's registered
// action catalog.
type ActionInfo struct {
	Name string
}

// ActionCatalog enumerates the actions an actor exposes.
type ActionCatalog interface {
	ListActions() []ActionInfo
}

// QueuedMessage describes one message sitting in an actor's named queue.
type QueuedMessage struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// QueueInspector exposes a read-only view over an actor's queued messages.
type QueueInspector interface {
	QueueSize(ctx context.Context) (int, error)
	QueueMessages(ctx context.Context) ([]QueuedMessage, error)
}

// Executor runs one action against the live actor, using the connection id
// created by SyntheticConnector.OpenSynthetic (or "" when the actor has no
// synthetic connector wired).
type Executor interface {
	ExecuteAction(ctx context.Context, connID, name string, args wire.Payload) (wire.Payload, error)
}

// SyntheticConnector creates the short-lived, in-process connection that
// Inspector.ExecuteAction drives one action call through, and returns a
// dispose func to tear it down.
type SyntheticConnector interface {
	OpenSynthetic(ctx context.Context) (connID string, dispose func(), err error)
}

// HistoryEntryView is a read-only projection of one workflow history entry,
// for actors backed by the workflow engine.
type HistoryEntryView struct {
	Location string
	Kind     string
	State    string
	Output   wire.Payload
}

// WorkflowHistoryViewer is an optional collaborator exposing a read-only view
// over an actor's workflow history (C9).
type WorkflowHistoryViewer interface {
	ListHistoryEntries(ctx context.Context, workflowID string) ([]HistoryEntryView, error)
}

// DBViewer is an optional collaborator exposing a read-only view over an
// actor's embedded database, for actors that keep one.
type DBViewer interface {
	ListTables(ctx context.Context) ([]string, error)
	TableRows(ctx context.Context, table string, limit int) ([]map[string]any, error)
}

// Actor bundles the narrow interfaces Inspector needs from one live actor
// instance. WorkflowHistory and DB are optional: a nil value makes the
// corresponding Inspector methods fail with the errors declared below rather
// than panicking.
type Actor struct {
	State           StateAccessor
	Connections     ConnectionLister
	Actions         ActionCatalog
	Queue           QueueInspector
	Executor        Executor
	Synthetic       SyntheticConnector
	WorkflowHistory WorkflowHistoryViewer
	DB              DBViewer
}

// ErrWorkflowHistoryNotAvailable is returned by GetWorkflowHistory when the
// actor has no WorkflowHistoryViewer wired.
var ErrWorkflowHistoryNotAvailable = fmt.Errorf("inspector: actor does not expose workflow history")

// ErrDBNotAvailable is returned by the DB-view methods when the actor has no
// DBViewer wired.
var ErrDBNotAvailable = fmt.Errorf("inspector: actor does not expose a database view")

// defaultMaxQueueSize is the MaxSize GetQueueStatus reports; QueueInspector
// exposes no maximum of its own, so this value is always used.
const defaultMaxQueueSize = 1000

// QueueStatus is the shape returned by GetQueueStatus: current size, the
// largest size the queue is allowed to grow to, whether Messages was
// truncated to fit limit, and up to limit messages ordered by creation time
// ascending.
type QueueStatus struct {
	Size      int
	MaxSize   int
	Truncated bool
	Messages  []QueuedMessage
}

// Inspector is the C8 inspector core.
type Inspector struct {
	actor Actor
}

// New builds an Inspector over the given actor collaborators.
func New(actor Actor) *Inspector {
	return &Inspector{actor: actor}
}

// GetState returns the actor's current persisted state as an opaque CBOR
// buffer.
func (i *Inspector) GetState(ctx context.Context) (wire.Payload, error) {
	if i.actor.State == nil {
		return nil, &StateNotEnabledError{}
	}
	return i.actor.State.GetState(ctx)
}

// SetState overwrites the actor's persisted state. Fails with
// StateNotEnabledError if the actor has not opted in.
func (i *Inspector) SetState(ctx context.Context, state wire.Payload) error {
	if i.actor.State == nil || !i.actor.State.StateEnabled() {
		return &StateNotEnabledError{}
	}
	return i.actor.State.SetState(ctx, state)
}

// GetConnections enumerates the actor's live connections. Returns an empty
// slice, not an error, when the actor has no ConnectionLister wired.
func (i *Inspector) GetConnections(ctx context.Context) ([]ConnectionInfo, error) {
	if i.actor.Connections == nil {
		return nil, nil
	}
	return i.actor.Connections.ListConnections(), nil
}

// GetRpcs enumerates the actor's registered action catalog.
func (i *Inspector) GetRpcs(ctx context.Context) ([]ActionInfo, error) {
	if i.actor.Actions == nil {
		return nil, nil
	}
	return i.actor.Actions.ListActions(), nil
}

// GetQueueSize returns the actor's current queue depth.
func (i *Inspector) GetQueueSize(ctx context.Context) (int, error) {
	if i.actor.Queue == nil {
		return 0, nil
	}
	return i.actor.Queue.QueueSize(ctx)
}

// GetQueueStatus returns the queue's size, max size, truncation flag, and up
// to limit messages sorted by creation time ascending. limit <= 0 means no
// truncation.
func (i *Inspector) GetQueueStatus(ctx context.Context, limit int) (QueueStatus, error) {
	if i.actor.Queue == nil {
		return QueueStatus{MaxSize: defaultMaxQueueSize}, nil
	}
	size, err := i.actor.Queue.QueueSize(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("inspector: queue size: %w", err)
	}
	messages, err := i.actor.Queue.QueueMessages(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("inspector: queue messages: %w", err)
	}

	sorted := make([]QueuedMessage, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].CreatedAt.Before(sorted[b].CreatedAt) })

	truncated := false
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
		truncated = true
	}
	return QueueStatus{Size: size, MaxSize: defaultMaxQueueSize, Truncated: truncated, Messages: sorted}, nil
}

// ExecuteAction runs name(args) through a synthetic, short-lived connection
// opened via Synthetic, disposing of it whether or not the action succeeds —
// mirroring how a real client action request is dispatched and torn down.
func (i *Inspector) ExecuteAction(ctx context.Context, name string, args wire.Payload) (wire.Payload, error) {
	if i.actor.Executor == nil {
		return nil, fmt.Errorf("inspector: actor has no executor wired")
	}
	if i.actor.Synthetic == nil {
		return i.actor.Executor.ExecuteAction(ctx, "", name, args)
	}

	connID, dispose, err := i.actor.Synthetic.OpenSynthetic(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspector: open synthetic connection: %w", err)
	}
	defer dispose()

	return i.actor.Executor.ExecuteAction(ctx, connID, name, args)
}

// GetWorkflowHistory returns a read-only view of one workflow's history
// entries, for actors backed by the workflow engine.
func (i *Inspector) GetWorkflowHistory(ctx context.Context, workflowID string) ([]HistoryEntryView, error) {
	if i.actor.WorkflowHistory == nil {
		return nil, ErrWorkflowHistoryNotAvailable
	}
	return i.actor.WorkflowHistory.ListHistoryEntries(ctx, workflowID)
}

// ListDBTables lists the tables in the actor's embedded database, if any.
func (i *Inspector) ListDBTables(ctx context.Context) ([]string, error) {
	if i.actor.DB == nil {
		return nil, ErrDBNotAvailable
	}
	return i.actor.DB.ListTables(ctx)
}

// GetDBRows returns up to limit rows of the named table.
func (i *Inspector) GetDBRows(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	if i.actor.DB == nil {
		return nil, ErrDBNotAvailable
	}
	return i.actor.DB.TableRows(ctx, table, limit)
}
