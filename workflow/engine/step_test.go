package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

type memDriver struct {
	entries map[string]map[string]*history.Entry
	metas   map[string]map[string]*history.Metadata
}

func newMemDriver() *memDriver {
	return &memDriver{entries: map[string]map[string]*history.Entry{}, metas: map[string]map[string]*history.Metadata{}}
}

func (d *memDriver) LoadAll(_ context.Context, workflowID string) (map[string]*history.Entry, map[string]*history.Metadata, error) {
	e := map[string]*history.Entry{}
	for k, v := range d.entries[workflowID] {
		e[k] = v
	}
	m := map[string]*history.Metadata{}
	for k, v := range d.metas[workflowID] {
		m[k] = v
	}
	return e, m, nil
}

func (d *memDriver) Flush(_ context.Context, workflowID string, entries map[string]*history.Entry, metas map[string]*history.Metadata) error {
	if d.entries[workflowID] == nil {
		d.entries[workflowID] = map[string]*history.Entry{}
	}
	if d.metas[workflowID] == nil {
		d.metas[workflowID] = map[string]*history.Metadata{}
	}
	for k, v := range entries {
		d.entries[workflowID][k] = v
	}
	for k, v := range metas {
		d.metas[workflowID][k] = v
	}
	return nil
}

func (d *memDriver) DeletePrefix(_ context.Context, workflowID string, prefix string) error {
	for k := range d.entries[workflowID] {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(d.entries[workflowID], k)
		}
	}
	return nil
}

func newTestContext(t *testing.T) (*Context, *history.Store) {
	t.Helper()
	drv := newMemDriver()
	store, err := history.NewStore(context.Background(), drv, "wf1")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewRootContext(context.Background(), "wf1", store, nil, nil, ModeForward), store
}

func TestStepRunsAndReplays(t *testing.T) {
	ctx, store := newTestContext(t)

	calls := 0
	run := func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	}

	out, err := ctx.Step(StepOptions{Name: "fetch", Run: run})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if string(out) != "ok" {
		t.Fatalf("unexpected output: %s", out)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	// Replay against the same store (a fresh Context, same history) must not
	// re-invoke Run.
	ctx2 := NewRootContext(context.Background(), "wf1", store, nil, nil, ModeForward)
	out2, err := ctx2.Step(StepOptions{Name: "fetch", Run: run})
	if err != nil {
		t.Fatalf("Step replay: %v", err)
	}
	if string(out2) != "ok" || calls != 1 {
		t.Fatalf("expected replay to short-circuit, calls=%d out=%s", calls, out2)
	}
}

func TestStepFailurePropagates(t *testing.T) {
	ctx, _ := newTestContext(t)

	sentinel := errors.New("boom")
	_, err := ctx.Step(StepOptions{
		Name: "explode",
		Run:  func(context.Context) ([]byte, error) { return nil, sentinel },
	})
	var sf *StepFailed
	if !errors.As(err, &sf) {
		t.Fatalf("expected *StepFailed, got %T: %v", err, err)
	}
	if !errors.Is(sf, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", sf.Cause)
	}
}

func TestStepDuplicateNameDiverges(t *testing.T) {
	ctx, _ := newTestContext(t)

	run := func(context.Context) ([]byte, error) { return []byte("x"), nil }
	if _, err := ctx.Step(StepOptions{Name: "dup", Run: run}); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	_, err := ctx.Step(StepOptions{Name: "dup", Run: run})
	var hd *HistoryDivergence
	if !errors.As(err, &hd) {
		t.Fatalf("expected *HistoryDivergence, got %T: %v", err, err)
	}
}

// TestStepExhaustionBoundary mirrors concrete scenario S4: with maxRetries:2,
// the attempt whose own failure pushes Attempts past maxRetries must still
// return *StepFailed — only a later, separate call observes the exhausted
// precondition and returns *StepExhausted.
func TestStepExhaustionBoundary(t *testing.T) {
	_, store := newTestContext(t)

	sentinel := errors.New("boom")
	opts := StepOptions{
		Name:             "flaky",
		Run:              func(context.Context) ([]byte, error) { return nil, sentinel },
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  time.Millisecond,
	}

	// Each call is a separate execution, as when the scheduler re-enters the
	// workflow: a fresh root Context over the same history.
	for attempt := 1; attempt <= 3; attempt++ {
		time.Sleep(5 * time.Millisecond)
		ctx := NewRootContext(context.Background(), "wf1", store, nil, nil, ModeForward)
		_, err := ctx.Step(opts)
		var sf *StepFailed
		if !errors.As(err, &sf) {
			t.Fatalf("attempt %d: expected *StepFailed, got %T: %v", attempt, err, err)
		}
		if sf.Attempts != attempt {
			t.Fatalf("attempt %d: expected Attempts=%d, got %d", attempt, attempt, sf.Attempts)
		}
	}

	// The next, separate call observes Attempts (3) > MaxRetries (2) on
	// entry and raises StepExhausted without running again.
	time.Sleep(5 * time.Millisecond)
	ctx := NewRootContext(context.Background(), "wf1", store, nil, nil, ModeForward)
	_, err := ctx.Step(opts)
	var se *StepExhausted
	if !errors.As(err, &se) {
		t.Fatalf("expected *StepExhausted, got %T: %v", err, err)
	}
}

func TestStepRollbackWithoutCheckpoint(t *testing.T) {
	ctx, _ := newTestContext(t)

	_, err := ctx.Step(StepOptions{
		Name:     "charge",
		Run:      func(context.Context) ([]byte, error) { return []byte("ok"), nil },
		Rollback: func(*Context, []byte) error { return nil },
	})
	var rcm *RollbackCheckpointMissing
	if !errors.As(err, &rcm) {
		t.Fatalf("expected *RollbackCheckpointMissing, got %T: %v", err, err)
	}
}
