package store

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
	"github.com/rivetkit-go/rivetkit/workflow/history"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityStoreCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	idn := s.Identity()
	ctx := context.Background()

	rec, err := idn.CreateActor(ctx, "ns", driver.CreateInput{Name: "counter", Key: []string{"room-1"}})
	if err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	if rec.ActorID == "" {
		t.Fatalf("expected generated actor id")
	}

	got, err := idn.GetForID(ctx, "ns", rec.ActorID)
	if err != nil {
		t.Fatalf("GetForID: %v", err)
	}
	if got.Name != "counter" || len(got.Key) != 1 || got.Key[0] != "room-1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	byKey, err := idn.GetWithKey(ctx, "ns", "counter", []string{"room-1"})
	if err != nil {
		t.Fatalf("GetWithKey: %v", err)
	}
	if byKey.ActorID != rec.ActorID {
		t.Fatalf("expected same actor id, got %q vs %q", byKey.ActorID, rec.ActorID)
	}
}

func TestIdentityStoreGetForIDNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Identity().GetForID(context.Background(), "ns", "missing")
	if err != driver.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentityStoreGetOrCreateWithKeyIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	idn := s.Identity()
	ctx := context.Background()
	input := driver.CreateInput{Name: "counter", Key: []string{"room-2"}}

	rec1, created1, err := idn.GetOrCreateWithKey(ctx, "ns", input)
	if err != nil || !created1 {
		t.Fatalf("expected first call to create, got created=%v err=%v", created1, err)
	}
	rec2, created2, err := idn.GetOrCreateWithKey(ctx, "ns", input)
	if err != nil || created2 {
		t.Fatalf("expected second call to find existing, got created=%v err=%v", created2, err)
	}
	if rec1.ActorID != rec2.ActorID {
		t.Fatalf("expected same actor id across calls")
	}
}

func TestIdentityStoreListActors(t *testing.T) {
	s := openTestStore(t)
	idn := s.Identity()
	ctx := context.Background()

	if _, err := idn.CreateActor(ctx, "ns", driver.CreateInput{Name: "counter", Key: []string{"a"}}); err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	if _, err := idn.CreateActor(ctx, "ns", driver.CreateInput{Name: "counter", Key: []string{"b"}}); err != nil {
		t.Fatalf("CreateActor: %v", err)
	}

	list, err := idn.ListActors(ctx, "ns", driver.ListOptions{Name: "counter"})
	if err != nil {
		t.Fatalf("ListActors: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 actors, got %d", len(list))
	}
}

func TestWorkflowKVFlushAndLoad(t *testing.T) {
	s := openTestStore(t)
	kv := s.KV()
	ctx := context.Background()

	entry := &history.Entry{
		Location: history.Location{{Kind: history.SegName, Name: "step1"}},
		Kind:     history.KindStep,
		Step:     &history.StepData{Output: []byte("ok"), HasOutput: true},
	}
	meta := &history.Metadata{Status: history.MetaCompleted, Attempts: 1}

	key := entry.Location.Key()
	if err := kv.Flush(ctx, "wf1", map[string]*history.Entry{key: entry}, map[string]*history.Metadata{key: meta}); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries, metas, err := kv.LoadAll(ctx, "wf1")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 1 || len(metas) != 1 {
		t.Fatalf("expected 1 entry and 1 meta, got %d/%d", len(entries), len(metas))
	}
	if entries[key].Step == nil || string(entries[key].Step.Output) != "ok" {
		t.Fatalf("unexpected loaded entry: %+v", entries[key])
	}
}

func TestWorkflowKVDeletePrefix(t *testing.T) {
	s := openTestStore(t)
	kv := s.KV()
	ctx := context.Background()

	loc := history.Location{{Kind: history.SegLoop, Name: "loop1", Iteration: 0}}
	entry := &history.Entry{Location: loc, Kind: history.KindStep, Step: &history.StepData{}}
	key := loc.Key()

	if err := kv.Flush(ctx, "wf2", map[string]*history.Entry{key: entry}, nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	prefix := history.Location{}.IterationPrefix("loop1", 0)
	if err := kv.DeletePrefix(ctx, "wf2", prefix); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	entries, _, err := kv.LoadAll(ctx, "wf2")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected entries to be deleted, got %d", len(entries))
	}
}
