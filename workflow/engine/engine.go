package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// WorkflowFunc is a registered workflow body. It receives the root Context
// for one execution attempt and the input recorded at workflow creation.
type WorkflowFunc func(ctx *Context, input []byte) ([]byte, error)

// RunStatus is the terminal (or suspended) disposition of one Engine.Run
// call, returned alongside any error so callers can distinguish "suspended,
// will resume later" from "finished".
type RunStatus int

const (
	StatusCompleted RunStatus = iota
	StatusFailed
	StatusSleeping
	StatusWaitingMessage
	StatusEvicted
)

// Engine drives registered WorkflowFuncs against a KVDriver-backed history,
// scheduling sleep wakeups with gocron one-shot jobs the way the reference
// backup scheduler drives cron-scheduled jobs. One Engine instance typically
// backs one runner process.
type Engine struct {
	cron      gocron.Scheduler
	drv       history.KVDriver
	messages  MessageDriver
	workflows map[string]WorkflowFunc
	resumers  map[string]resumerFunc
	logger    *zap.Logger
}

// New creates an Engine. Call Start before scheduling any sleep wakeups.
func New(drv history.KVDriver, messages MessageDriver, logger *zap.Logger) (*Engine, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("engine: create gocron scheduler: %w", err)
	}
	return &Engine{
		cron:      s,
		drv:       drv,
		messages:  messages,
		workflows: make(map[string]WorkflowFunc),
		logger:    logger.Named("workflow_engine"),
	}, nil
}

// Register associates a workflow body with a name, looked up by Run.
func (e *Engine) Register(name string, fn WorkflowFunc) {
	e.workflows[name] = fn
}

// Start begins processing scheduled wakeups.
func (e *Engine) Start() { e.cron.Start() }

// Stop shuts the underlying scheduler down, waiting for in-flight wakeups.
func (e *Engine) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("engine: scheduler shutdown: %w", err)
	}
	return nil
}

// SetAlarm implements AlarmDriver by registering a one-shot gocron job tagged
// with workflowID, so a later Sleep call for the same workflow can remove any
// stale wakeup before scheduling a fresh one.
func (e *Engine) SetAlarm(ctx context.Context, workflowID string, deadline time.Time) error {
	e.cron.RemoveByTags(workflowID)
	resumer := e.resumers[workflowID]
	if resumer == nil {
		return fmt.Errorf("engine: no resumer registered for workflow %q", workflowID)
	}
	_, err := e.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(deadline)),
		gocron.NewTask(func() {
			status, err := resumer(context.Background())
			if err != nil {
				e.logger.Error("workflow resume failed",
					zap.String("workflow_id", workflowID), zap.Error(err))
				return
			}
			e.logger.Info("workflow resumed from sleep",
				zap.String("workflow_id", workflowID), zap.Int("status", int(status)))
		}),
		gocron.WithTags(workflowID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("engine: schedule alarm for workflow %q: %w", workflowID, err)
	}
	return nil
}

// Run executes (or resumes) one attempt of workflowID's registered body
// against its history, returning once the body completes, fails, or yields.
// A yield is not an error condition from the caller's perspective: Run
// translates it into (StatusSleeping/StatusWaitingMessage, nil) having
// already registered an in-memory resumer for workflowID, which the wakeup
// job scheduled by SetAlarm invokes. Engine itself does not resume a
// message wait.
func (e *Engine) Run(ctx context.Context, workflowID, workflowName string, input []byte) ([]byte, RunStatus, error) {
	fn, ok := e.workflows[workflowName]
	if !ok {
		return nil, StatusFailed, fmt.Errorf("engine: no workflow registered as %q", workflowName)
	}

	store, err := history.NewStore(ctx, e.drv, workflowID)
	if err != nil {
		return nil, StatusFailed, err
	}

	rootCtx := NewRootContext(ctx, workflowID, store, e, e.messages, ModeForward)
	e.registerResumer(workflowID, workflowName, input)

	output, err := fn(rootCtx, input)
	if err == nil {
		if derr := rootCtx.checkDivergence(); derr != nil {
			return nil, StatusFailed, derr
		}
		return output, StatusCompleted, nil
	}

	if y, isYield := err.(*Yield); isYield {
		switch y.Kind {
		case YieldSleep:
			return nil, StatusSleeping, nil
		case YieldMessageWait:
			return nil, StatusWaitingMessage, nil
		}
	}
	if _, evicted := err.(*Evicted); evicted {
		return nil, StatusEvicted, err
	}

	if isCriticalOrRollback(err) {
		if rerr := rootCtx.RunRollback(); rerr != nil {
			e.logger.Error("rollback handler failed",
				zap.String("workflow_id", workflowID), zap.Error(rerr))
			return nil, StatusFailed, rerr
		}
	}
	return nil, StatusFailed, err
}

// resumers maps a workflow ID to a closure that re-invokes Run with the
// workflow's name and original input, used by SetAlarm's gocron callback
// (gocron only carries a zero-argument task, so the closure captures what
// Run needs).
type resumerFunc func(ctx context.Context) (RunStatus, error)

func (e *Engine) registerResumer(workflowID, workflowName string, input []byte) {
	if e.resumers == nil {
		e.resumers = make(map[string]resumerFunc)
	}
	e.resumers[workflowID] = func(ctx context.Context) (RunStatus, error) {
		_, status, err := e.Run(ctx, workflowID, workflowName, input)
		return status, err
	}
}

func isCriticalOrRollback(err error) bool {
	switch err.(type) {
	case *Critical, *Rollback:
		return true
	default:
		return false
	}
}
