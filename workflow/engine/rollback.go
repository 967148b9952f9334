package engine

import (
	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// RollbackCheckpoint marks a point in the workflow from which a later
// Critical/Rollback error unwinds: every step(..., rollback: ...) recorded
// between this call and the error runs its compensation, in reverse order,
// via RunRollback.
func (c *Context) RollbackCheckpoint(name string) error {
	release, err := c.enter(name)
	if err != nil {
		return err
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	key := loc.Key()

	if _, ok := c.store.Get(key); !ok {
		entry := &history.Entry{ID: key, Location: loc, Kind: history.KindRollbackCheckpoint,
			RollbackCheckpoint: &history.RollbackCheckpointData{Name: name}}
		c.store.Put(key, entry)
		if err := c.store.Flush(c.goCtx); err != nil {
			return err
		}
	}

	c.rollback.mu.Lock()
	c.rollback.checkpointActive = true
	c.rollback.mu.Unlock()
	return nil
}

// RunRollback executes every recorded rollback action for this execution in
// reverse (LIFO) order, stopping and returning the first handler error. It is
// invoked by the engine driver (not the workflow body) once a Critical or
// Rollback error has unwound the forward pass.
func (c *Context) RunRollback() error {
	c.rollback.mu.Lock()
	actions := make([]RollbackAction, len(c.rollback.actions))
	copy(actions, c.rollback.actions)
	c.rollback.mu.Unlock()

	rollbackCtx := &Context{
		goCtx: c.goCtx, WorkflowID: c.WorkflowID, store: c.store,
		alarms: c.alarms, messages: c.messages, location: history.Location{},
		mode: ModeRollback, rollback: c.rollback, visitedNames: map[string]struct{}{},
	}

	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := a.Handler(rollbackCtx, a.Output); err != nil {
			return err
		}
	}
	return nil
}
