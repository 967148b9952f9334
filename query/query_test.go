package query

import (
	"context"
	"errors"
	"testing"

	"github.com/rivetkit-go/rivetkit/driver"
)

type fakeIdentity struct {
	records map[string]driver.Record
	byKey   map[string]driver.Record
	created []driver.CreateInput
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{records: map[string]driver.Record{}, byKey: map[string]driver.Record{}}
}

func keyOf(name string, key []string) string {
	s := name
	for _, k := range key {
		s += "/" + k
	}
	return s
}

func (f *fakeIdentity) GetForID(_ context.Context, _, id string) (driver.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return driver.Record{}, driver.ErrNotFound
	}
	return rec, nil
}

func (f *fakeIdentity) GetWithKey(_ context.Context, _, name string, key []string) (driver.Record, error) {
	rec, ok := f.byKey[keyOf(name, key)]
	if !ok {
		return driver.Record{}, driver.ErrNotFound
	}
	return rec, nil
}

func (f *fakeIdentity) GetOrCreateWithKey(ctx context.Context, ns string, in driver.CreateInput) (driver.Record, bool, error) {
	k := keyOf(in.Name, in.Key)
	if rec, ok := f.byKey[k]; ok {
		return rec, false, nil
	}
	rec, err := f.CreateActor(ctx, ns, in)
	return rec, true, err
}

func (f *fakeIdentity) CreateActor(_ context.Context, _ string, in driver.CreateInput) (driver.Record, error) {
	id := "actor-" + in.Name + "-" + keyOf("", in.Key)
	rec := driver.Record{ActorID: id, Name: in.Name, Key: in.Key}
	f.records[id] = rec
	f.byKey[keyOf(in.Name, in.Key)] = rec
	f.created = append(f.created, in)
	return rec, nil
}

func (f *fakeIdentity) ListActors(_ context.Context, _ string, _ driver.ListOptions) ([]driver.Record, error) {
	return nil, nil
}

func TestResolveGetForID(t *testing.T) {
	f := newFakeIdentity()
	f.records["a1"] = driver.Record{ActorID: "a1"}

	res, err := Resolve(context.Background(), "ns", Query{Kind: KindGetForID, ID: "a1"}, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ActorID != "a1" {
		t.Fatalf("got %q", res.ActorID)
	}
}

func TestResolveGetForIDNotFound(t *testing.T) {
	f := newFakeIdentity()
	_, err := Resolve(context.Background(), "ns", Query{Kind: KindGetForID, ID: "missing"}, f)
	if !errors.Is(err, ErrActorNotFound) {
		t.Fatalf("expected ErrActorNotFound, got %v", err)
	}
}

func TestResolveGetOrCreateNeverNotFound(t *testing.T) {
	f := newFakeIdentity()
	res, err := Resolve(context.Background(), "ns", Query{Kind: KindGetOrCreateForKey, Name: "chat", Key: []string{"room1"}}, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected created=true on first call")
	}

	res2, err := Resolve(context.Background(), "ns", Query{Kind: KindGetOrCreateForKey, Name: "chat", Key: []string{"room1"}}, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.Created {
		t.Fatalf("expected created=false on second call")
	}
	if res2.ActorID != res.ActorID {
		t.Fatalf("expected stable actor id across calls")
	}
}

func TestResolveCreateAlwaysCreates(t *testing.T) {
	f := newFakeIdentity()
	r1, _ := Resolve(context.Background(), "ns", Query{Kind: KindCreate, Name: "chat", Key: []string{"a"}}, f)
	r2, _ := Resolve(context.Background(), "ns", Query{Kind: KindCreate, Name: "chat", Key: []string{"a"}}, f)
	if len(f.created) != 2 {
		t.Fatalf("expected two creates, got %d", len(f.created))
	}
	_ = r1
	_ = r2
}

func TestRewriteAfterSuccess(t *testing.T) {
	q := Query{Kind: KindGetOrCreateForKey, Name: "chat", Key: []string{"room1"}}
	rewritten, err := Rewrite(q, "actor-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rewritten.Kind != KindGetForID || rewritten.ID != "actor-123" {
		t.Fatalf("unexpected rewrite: %+v", rewritten)
	}
}

func TestRewriteCreateRejected(t *testing.T) {
	q := Query{Kind: KindCreate, Name: "chat"}
	_, err := Rewrite(q, "actor-123")
	if !errors.Is(err, ErrResolveCreate) {
		t.Fatalf("expected ErrResolveCreate, got %v", err)
	}
}
