package history

import (
	"context"
	"testing"
)

type memDriver struct {
	entries map[string]map[string]*Entry
	metas   map[string]map[string]*Metadata
}

func newMemDriver() *memDriver {
	return &memDriver{entries: map[string]map[string]*Entry{}, metas: map[string]map[string]*Metadata{}}
}

func (d *memDriver) LoadAll(_ context.Context, workflowID string) (map[string]*Entry, map[string]*Metadata, error) {
	e := map[string]*Entry{}
	for k, v := range d.entries[workflowID] {
		e[k] = v
	}
	m := map[string]*Metadata{}
	for k, v := range d.metas[workflowID] {
		m[k] = v
	}
	return e, m, nil
}

func (d *memDriver) Flush(_ context.Context, workflowID string, entries map[string]*Entry, metas map[string]*Metadata) error {
	if d.entries[workflowID] == nil {
		d.entries[workflowID] = map[string]*Entry{}
	}
	if d.metas[workflowID] == nil {
		d.metas[workflowID] = map[string]*Metadata{}
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
		if hasPrefix(k, prefix) {
			delete(d.entries[workflowID], k)
		}
	}
	for k := range d.metas[workflowID] {
		if hasPrefix(k, prefix) {
			delete(d.metas[workflowID], k)
		}
	}
	return nil
}

func TestStoreFlushClearsDirty(t *testing.T) {
	drv := newMemDriver()
	s, err := NewStore(context.Background(), drv, "wf1")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	loc := Location{{Kind: SegName, Name: "step1"}}
	s.Put(loc.Key(), &Entry{ID: "e1", Location: loc, Kind: KindStep, Step: &StepData{Output: []byte("42")}})

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := NewStore(context.Background(), drv, "wf1")
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	e, ok := reloaded.Get(loc.Key())
	if !ok {
		t.Fatalf("expected flushed entry to be loadable")
	}
	if string(e.Step.Output) != "42" {
		t.Fatalf("unexpected output: %s", e.Step.Output)
	}
}

func TestForgetIterationRange(t *testing.T) {
	drv := newMemDriver()
	s, err := NewStore(context.Background(), drv, "wf1")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	parent := Location{}
	for it := 0; it < 5; it++ {
		loc := parent.Append(Segment{Kind: SegLoop, Name: "loop1", Iteration: it}).Append(Segment{Kind: SegName, Name: "step"})
		s.Put(loc.Key(), &Entry{ID: loc.Key(), Location: loc, Kind: KindStep, Step: &StepData{Output: []byte("x")}})
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// historyKeep=2 at iteration 5: forget [0, 3).
	if err := s.ForgetIterationRange(context.Background(), parent, "loop1", 0, 3); err != nil {
		t.Fatalf("ForgetIterationRange: %v", err)
	}

	for it := 0; it < 3; it++ {
		loc := parent.Append(Segment{Kind: SegLoop, Name: "loop1", Iteration: it}).Append(Segment{Kind: SegName, Name: "step"})
		if _, ok := s.Get(loc.Key()); ok {
			t.Fatalf("expected iteration %d to be forgotten", it)
		}
	}
	for it := 3; it < 5; it++ {
		loc := parent.Append(Segment{Kind: SegLoop, Name: "loop1", Iteration: it}).Append(Segment{Kind: SegName, Name: "step"})
		if _, ok := s.Get(loc.Key()); !ok {
			t.Fatalf("expected iteration %d to survive", it)
		}
	}
}
