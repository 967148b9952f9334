package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// Mode is the execution mode of a Context: ordinary forward replay/execution,
// or a rollback pass re-entering the workflow to run compensations.
type Mode int

const (
	ModeForward Mode = iota
	ModeRollback
)

// AlarmDriver lets the engine schedule a wakeup for a sleeping workflow. It
// is a thin abstraction over whatever scheduler backs the deployment —
// Engine (engine.go) implements it with go-co-op/gocron one-shot jobs.
type AlarmDriver interface {
	SetAlarm(ctx context.Context, workflowID string, deadline time.Time) error
}

// MessageDriver delivers inter-workflow/external messages to a listen*
// operation. TryReceive must tolerate being called again for an
// already-acked message on replay (acks are idempotent, spec.md §4.10).
type MessageDriver interface {
	TryReceive(ctx context.Context, workflowID string, names []string, limit int) (msgs []ReceivedMessage, err error)
}

// ReceivedMessage is one message handed back by MessageDriver.TryReceive.
type ReceivedMessage struct {
	Name string
	Data []byte
}

// rollbackState is shared by the root Context and every child Context
// created for this execution: the accumulator and the "a checkpoint is in
// scope" flag are execution-wide, not scope-local.
type rollbackState struct {
	mu               sync.Mutex
	actions          []RollbackAction
	checkpointActive bool
}

// RollbackAction is one compensation recorded by step(..., rollback: ...).
type RollbackAction struct {
	StepName string
	Output   []byte
	Handler  func(rollbackCtx *Context, output []byte) error
}

// Context is a workflow context: the operations defined in step.go,
// loop.go, sleep.go, listen.go, join.go, race.go, and rollback.go are all
// methods on *Context. See spec.md §4.10 for the full operation contract.
type Context struct {
	goCtx      context.Context
	WorkflowID string
	store      *history.Store
	alarms     AlarmDriver
	messages   MessageDriver
	location   history.Location
	mode       Mode
	rollback   *rollbackState

	mu              sync.Mutex
	entryInProgress bool
	visitedNames    map[string]struct{}
}

// NewRootContext constructs the top-level Context for one workflow
// execution attempt.
func NewRootContext(goCtx context.Context, workflowID string, store *history.Store, alarms AlarmDriver, messages MessageDriver, mode Mode) *Context {
	return &Context{
		goCtx:        goCtx,
		WorkflowID:   workflowID,
		store:        store,
		alarms:       alarms,
		messages:     messages,
		location:     history.Location{},
		mode:         mode,
		rollback:     &rollbackState{},
		visitedNames: make(map[string]struct{}),
	}
}

// Done exposes the execution's cancellation signal. Every suspension point
// must select on this and raise Evicted when it fires (spec.md §5).
func (c *Context) Done() <-chan struct{} { return c.goCtx.Done() }

// Mode reports whether this Context is running the rollback pass.
func (c *Context) Mode() Mode { return c.mode }

// child returns a fresh Context extending the current location by seg,
// sharing the store/alarms/messages/rollback state but with its own
// re-entrancy guard and name-uniqueness set — the shape loop/join/race
// branches need (spec.md §4.10 "Re-entrancy").
func (c *Context) child(seg history.Segment) *Context {
	return &Context{
		goCtx:        c.goCtx,
		WorkflowID:   c.WorkflowID,
		store:        c.store,
		alarms:       c.alarms,
		messages:     c.messages,
		location:     c.location.Append(seg),
		mode:         c.mode,
		rollback:     c.rollback,
		visitedNames: make(map[string]struct{}),
	}
}

// enter asserts re-entrancy and name-uniqueness for one operation named
// name (name == "" skips the uniqueness check, used by iteration-scoped
// helpers that aren't user-named call sites). The returned release func
// must be deferred immediately.
func (c *Context) enter(name string) (release func(), err error) {
	select {
	case <-c.goCtx.Done():
		return nil, &Evicted{WorkflowID: c.WorkflowID}
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entryInProgress {
		return nil, &EntryInProgress{}
	}
	if name != "" {
		if _, seen := c.visitedNames[name]; seen {
			return nil, &HistoryDivergence{Reason: "duplicate name \"" + name + "\" in scope"}
		}
		c.visitedNames[name] = struct{}{}
	}
	c.entryInProgress = true
	return func() {
		c.mu.Lock()
		c.entryInProgress = false
		c.mu.Unlock()
	}, nil
}

// checkDivergence validates that every history key recorded as a direct
// child of c.location was visited during this run (spec.md §4.10
// "Divergence detection"). Call at the end of a scope (workflow body,
// loop iteration body, join/race branch body).
func (c *Context) checkDivergence() error {
	prefix := c.location.Key()
	for _, key := range c.store.Keys() {
		child, ok := immediateChildName(key, prefix)
		if !ok {
			continue
		}
		if _, visited := c.visitedNames[child]; !visited {
			return &HistoryDivergence{Reason: "key \"" + key + "\" recorded in history but not visited on replay"}
		}
	}
	return nil
}

// immediateChildName reports whether key is an immediate child of prefix in
// location-key space, and if so returns the first path segment's decoded
// name portion for comparison against visitedNames.
func immediateChildName(key, prefix string) (string, bool) {
	rest := key
	if prefix != "" {
		if len(key) <= len(prefix)+1 || key[:len(prefix)] != prefix || key[len(prefix)] != '/' {
			return "", false
		}
		rest = key[len(prefix)+1:]
	}
	// rest is "n:name" or "n:name/..." or "l:name#it" or "l:name#it/...".
	end := len(rest)
	for i, ch := range rest {
		if ch == '/' {
			end = i
			break
		}
	}
	seg := rest[:end]
	if len(seg) < 2 {
		return "", false
	}
	switch seg[:2] {
	case "n:":
		return seg[2:], true
	case "l:":
		if idx := indexByte(seg, '#'); idx >= 0 {
			return seg[2:idx], true
		}
	}
	return "", false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func nowMs() int64 { return timeNow().UnixMilli() }

// timeNow is indirected so tests can stub it deterministically.
var timeNow = time.Now
