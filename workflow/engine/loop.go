package engine

import (
	"context"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// defaultCommitInterval is the number of iterations a Loop batches between
// durability checkpoints when CommitInterval is left at zero.
const defaultCommitInterval = 20

// LoopOptions configures Context.Loop. See spec.md §4.10 "Loop".
type LoopOptions struct {
	Name string
	// State is the loop's running accumulator, encoded by the caller
	// (typically CBOR via wire.EncodePayload) on each call.
	State []byte
	// Body runs one iteration, returning the next state, a done output (when
	// the loop should stop), and whether it is done. iterCtx is a child
	// Context scoped to this iteration — all operations for the iteration
	// must run through it, not the parent.
	Body func(iterCtx *Context, state []byte, iteration int) (nextState []byte, output []byte, done bool, err error)
	// HistoryKeep bounds how many of the most recent iterations keep their
	// history; older iterations are garbage collected on each commit. Zero
	// means unbounded (no GC).
	HistoryKeep int
	// CommitInterval is how many iterations elapse between durability
	// checkpoints: every CommitInterval iterations the running (state,
	// iteration) is flushed and GC'd, rather than on every single iteration.
	// Default 20.
	CommitInterval int
}

// Loop runs Body repeatedly, replaying completed iterations from history and
// resuming live execution at the first iteration lacking a recorded output.
func (c *Context) Loop(opts LoopOptions) ([]byte, error) {
	release, err := c.enter(opts.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	commitInterval := opts.CommitInterval
	if commitInterval <= 0 {
		commitInterval = defaultCommitInterval
	}

	state := opts.State
	iteration := 0

	for {
		// Replay a completed iteration if the loop-level entry is already
		// recorded for this iteration count, else fall through to live run.
		iterLoc := c.location.Append(history.Segment{Kind: history.SegLoop, Name: opts.Name, Iteration: iteration})
		iterKey := iterLoc.Key()

		if entry, ok := c.store.Get(iterKey); ok && entry.Kind == history.KindLoop {
			if entry.Loop.HasOutput {
				return entry.Loop.Output, nil
			}
			state = entry.Loop.State
		}

		iterCtx := c.childAt(iterLoc)
		nextState, output, done, runErr := opts.Body(iterCtx, state, iteration)
		if runErr != nil {
			return nil, runErr
		}
		if err := iterCtx.checkDivergence(); err != nil {
			return nil, err
		}

		if done {
			entry := &history.Entry{
				ID: iterKey, Location: iterLoc, Kind: history.KindLoop,
				Loop: &history.LoopData{Iteration: iteration, Output: output, HasOutput: true},
			}
			c.store.Put(iterKey, entry)
			// Completion always flushes and GCs immediately regardless of
			// commit cadence — the final output must be durable the moment
			// the loop reports it.
			if err := c.store.Flush(c.goCtx); err != nil {
				return nil, err
			}
			if opts.HistoryKeep > 0 {
				from := 0
				to := iteration - opts.HistoryKeep + 1
				if to > from {
					if err := c.store.ForgetIterationRange(c.goCtx, c.location, opts.Name, from, to); err != nil {
						return nil, err
					}
				}
			}
			return output, nil
		}

		entry := &history.Entry{
			ID: iterKey, Location: iterLoc, Kind: history.KindLoop,
			Loop: &history.LoopData{State: nextState, Iteration: iteration},
		}
		c.store.Put(iterKey, entry)

		// Commit cadence: only write (state, iteration) and run GC every
		// commitInterval iterations, not on every single one.
		if (iteration+1)%commitInterval == 0 {
			if err := c.store.Flush(c.goCtx); err != nil {
				return nil, err
			}
			if opts.HistoryKeep > 0 {
				from := 0
				to := iteration - opts.HistoryKeep
				if to > from {
					if err := c.store.ForgetIterationRange(c.goCtx, c.location, opts.Name, from, to); err != nil {
						return nil, err
					}
				}
			}
		}

		state = nextState
		iteration++
	}
}

// childAt is like child but sets the location explicitly rather than
// appending one segment, for loop iterations whose location already includes
// the iteration's SegLoop segment.
func (c *Context) childAt(loc history.Location) *Context {
	return c.childAtWithCtx(loc, c.goCtx)
}

// childAtWithCtx is childAt but with an explicit goCtx override, used by Race
// to give each branch a context tied to a shared abort controller rather
// than the parent's plain goCtx.
func (c *Context) childAtWithCtx(loc history.Location, goCtx context.Context) *Context {
	return &Context{
		goCtx:        goCtx,
		WorkflowID:   c.WorkflowID,
		store:        c.store,
		alarms:       c.alarms,
		messages:     c.messages,
		location:     loc,
		mode:         c.mode,
		rollback:     c.rollback,
		visitedNames: make(map[string]struct{}),
	}
}
