package engine

import (
	"context"
	"time"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

const (
	defaultMaxRetries       = 3
	defaultRetryBackoffBase = 1 * time.Second
	defaultRetryBackoffMax  = 5 * time.Minute
	defaultStepTimeout      = 30 * time.Second
)

// StepOptions configures Context.Step. See spec.md §4.10 "Step".
type StepOptions struct {
	Name              string
	Run               func(ctx context.Context) ([]byte, error)
	MaxRetries        int           // default 3
	RetryBackoffBase  time.Duration // default 1s
	RetryBackoffMax   time.Duration // default 5m
	Timeout           time.Duration // default 30s
	Ephemeral         bool
	Rollback          func(rollbackCtx *Context, output []byte) error
}

// Step executes a named, retried, timed, history-journaled operation.
// Deterministic backoff (no jitter) is used, per spec.md §9 "Design Notes" —
// jitter would make replay location/timing non-reproducible.
func (c *Context) Step(opts StepOptions) ([]byte, error) {
	release, err := c.enter(opts.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoffBase := opts.RetryBackoffBase
	if backoffBase == 0 {
		backoffBase = defaultRetryBackoffBase
	}
	backoffMax := opts.RetryBackoffMax
	if backoffMax == 0 {
		backoffMax = defaultRetryBackoffMax
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultStepTimeout
	}

	if opts.Rollback != nil {
		c.rollback.mu.Lock()
		active := c.rollback.checkpointActive
		c.rollback.mu.Unlock()
		if !active {
			return nil, &RollbackCheckpointMissing{StepName: opts.Name}
		}
	}

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: opts.Name})
	key := loc.Key()

	entry, hasEntry := c.store.Get(key)
	meta, hasMeta := c.store.GetMeta(key)

	if c.mode == ModeRollback {
		if !hasEntry || entry.Kind != history.KindStep {
			return nil, &RollbackStop{}
		}
	}

	// Replay: an entry with output already recorded short-circuits execution.
	if hasEntry && entry.Kind == history.KindStep && entry.Step.HasOutput {
		return entry.Step.Output, nil
	}

	if !hasEntry {
		entry = &history.Entry{ID: key, Location: loc, Kind: history.KindStep, Step: &history.StepData{}}
		meta = &history.Metadata{}
		hasMeta = true
	} else if entry.Kind != history.KindStep {
		return nil, &HistoryDivergence{Reason: "key \"" + key + "\" recorded as a different entry kind"}
	}
	if !hasMeta {
		meta = &history.Metadata{}
	}

	if meta.Attempts > maxRetries {
		return nil, &StepExhausted{Name: opts.Name}
	}

	if meta.Attempts > 0 {
		next := backoffDeadline(meta.LastAttemptAtMs, meta.Attempts, backoffBase, backoffMax)
		if nowMs() < next {
			return nil, &Yield{Kind: YieldSleep, Deadline: time.UnixMilli(next)}
		}
	}

	meta.Status = history.MetaRunning
	meta.Attempts++
	meta.LastAttemptAtMs = nowMs()
	c.store.Put(key, entry)
	c.store.PutMeta(key, meta)

	output, runErr := runWithTimeout(c.goCtx, timeout, opts.Run)

	if runErr != nil {
		if _, isTimeout := runErr.(*StepTimeout); isTimeout {
			meta.Status = history.MetaFailed
			meta.Error = runErr.Error()
			meta.HasError = true
			c.store.PutMeta(key, meta)
			if !opts.Ephemeral {
				_ = c.store.Flush(c.goCtx)
			}
			return nil, &Critical{Cause: runErr}
		}
		if isExhaustingError(runErr) {
			meta.Status = history.MetaFailed
			meta.Error = runErr.Error()
			meta.HasError = true
			c.store.PutMeta(key, meta)
			if !opts.Ephemeral {
				_ = c.store.Flush(c.goCtx)
			}
			return nil, runErr
		}

		meta.Status = history.MetaFailed
		meta.Error = runErr.Error()
		meta.HasError = true
		c.store.PutMeta(key, meta)
		if !opts.Ephemeral {
			if err := c.store.Flush(c.goCtx); err != nil {
				return nil, err
			}
		}
		return nil, &StepFailed{Name: opts.Name, Cause: runErr, Attempts: meta.Attempts}
	}

	entry.Step.Output = output
	entry.Step.HasOutput = true
	meta.Status = history.MetaCompleted
	meta.CompletedAtMs = nowMs()
	meta.HasCompletedAt = true
	c.store.Put(key, entry)
	c.store.PutMeta(key, meta)

	if !opts.Ephemeral {
		if err := c.store.Flush(c.goCtx); err != nil {
			return nil, err
		}
	}

	if opts.Rollback != nil {
		c.rollback.mu.Lock()
		c.rollback.actions = append(c.rollback.actions, RollbackAction{
			StepName: opts.Name, Output: output, Handler: opts.Rollback,
		})
		c.rollback.mu.Unlock()
	}

	return output, nil
}

// backoffDeadline computes lastAttemptAt + min(backoffMax, backoffBase *
// 2^(attempts-1)), matching spec.md §4.10's "next-attempt time" formula
// (attempts has already been incremented for the failed attempt it follows).
func backoffDeadline(lastAttemptAtMs int64, attempts int, base, max time.Duration) int64 {
	mult := int64(1) << uint(attempts-1)
	d := time.Duration(mult) * base
	if d > max || mult <= 0 {
		d = max
	}
	return lastAttemptAtMs + d.Milliseconds()
}

func runWithTimeout(parent context.Context, timeout time.Duration, run func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := run(ctx)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, &StepTimeout{}
	}
}

// isExhaustingError reports whether err is one of the non-retryable engine
// control errors that should propagate rather than be wrapped in StepFailed.
func isExhaustingError(err error) bool {
	switch err.(type) {
	case *Critical, *Rollback:
		return true
	default:
		return false
	}
}
