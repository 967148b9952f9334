package history

import (
	"context"
	"fmt"
)

// KVDriver is the pluggable backing store a Store flushes to. It is
// deliberately narrow: the KV-backed SQLite VFS file format itself is out of
// scope for this repository (see spec.md §1) — Store only needs load-all,
// batch-write, and delete-by-prefix.
type KVDriver interface {
	LoadAll(ctx context.Context, workflowID string) (map[string]*Entry, map[string]*Metadata, error)
	Flush(ctx context.Context, workflowID string, entries map[string]*Entry, metas map[string]*Metadata) error
	DeletePrefix(ctx context.Context, workflowID string, keyPrefix string) error
}

// Store is the in-memory history for one active workflow execution. It is
// exclusively owned by the executing workflow: the engine acquires it
// before executing and releases it on yield/completion (see Engine in
// workflow/engine), and nested branch contexts created for loop/join/race
// share the same Store, writing through a single flush boundary.
type Store struct {
	drv        KVDriver
	workflowID string

	entries map[string]*Entry
	metas   map[string]*Metadata

	dirtyEntries map[string]struct{}
	dirtyMetas   map[string]struct{}
}

// NewStore loads the full history for workflowID from drv and returns a
// ready-to-use Store.
func NewStore(ctx context.Context, drv KVDriver, workflowID string) (*Store, error) {
	entries, metas, err := drv.LoadAll(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("history: load workflow %q: %w", workflowID, err)
	}
	if entries == nil {
		entries = make(map[string]*Entry)
	}
	if metas == nil {
		metas = make(map[string]*Metadata)
	}
	return &Store{
		drv:          drv,
		workflowID:   workflowID,
		entries:      entries,
		metas:        metas,
		dirtyEntries: make(map[string]struct{}),
		dirtyMetas:   make(map[string]struct{}),
	}, nil
}

// Get returns the entry at key (a Location.Key()), if present.
func (s *Store) Get(key string) (*Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Put registers or replaces the entry at key and marks it dirty.
func (s *Store) Put(key string, e *Entry) {
	e.Dirty = true
	s.entries[key] = e
	s.dirtyEntries[key] = struct{}{}
}

// GetMeta returns the metadata at key, if present. Metadata is loaded
// lazily in the sense that callers only pay attention to it when an entry
// already exists — NewStore still loads everything up front in one batch
// per execution, but repeated GetMeta calls hit the cached map.
func (s *Store) GetMeta(key string) (*Metadata, bool) {
	m, ok := s.metas[key]
	return m, ok
}

// PutMeta registers or replaces the metadata at key and marks it dirty.
func (s *Store) PutMeta(key string, m *Metadata) {
	m.Dirty = true
	s.metas[key] = m
	s.dirtyMetas[key] = struct{}{}
}

// Keys returns every key currently held in the store. Divergence detection
// filters them by location prefix to confirm that every previously-visited key at the
// end of a scope was visited again on replay.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Flush writes all dirty entries and dirty metadata in a single batch to
// the underlying KV driver and clears the dirty flags. Flush is the
// durability unit: KV operations are otherwise unbatched and
// non-transactional (spec.md §5).
func (s *Store) Flush(ctx context.Context) error {
	if len(s.dirtyEntries) == 0 && len(s.dirtyMetas) == 0 {
		return nil
	}

	dirtyE := make(map[string]*Entry, len(s.dirtyEntries))
	for k := range s.dirtyEntries {
		dirtyE[k] = s.entries[k]
	}
	dirtyM := make(map[string]*Metadata, len(s.dirtyMetas))
	for k := range s.dirtyMetas {
		dirtyM[k] = s.metas[k]
	}

	if err := s.drv.Flush(ctx, s.workflowID, dirtyE, dirtyM); err != nil {
		return fmt.Errorf("history: flush workflow %q: %w", s.workflowID, err)
	}

	for k := range dirtyE {
		s.entries[k].Dirty = false
		delete(s.dirtyEntries, k)
	}
	for k := range dirtyM {
		s.metas[k].Dirty = false
		delete(s.dirtyMetas, k)
	}
	return nil
}

// ForgetIterationRange deletes, by prefix, every entry and metadata record
// recorded under loopName's iterations in [from, to) at the given parent
// location. Iteration indexes below historyKeep's retained window are thus
// not a reliable lookup key once GC has run (spec.md §4.9).
func (s *Store) ForgetIterationRange(ctx context.Context, parent Location, loopName string, from, to int) error {
	for it := from; it < to; it++ {
		prefix := parent.IterationPrefix(loopName, it)
		if err := s.drv.DeletePrefix(ctx, s.workflowID, prefix); err != nil {
			return fmt.Errorf("history: gc iteration %d of loop %q: %w", it, loopName, err)
		}
		s.forgetLocalPrefix(prefix)
	}
	return nil
}

// DeletePrefix removes every entry/metadata key sharing the given prefix,
// both from the KV driver and from the in-memory maps. Used by race to drop
// non-winning branch entries.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if err := s.drv.DeletePrefix(ctx, s.workflowID, prefix); err != nil {
		return fmt.Errorf("history: delete prefix %q: %w", prefix, err)
	}
	s.forgetLocalPrefix(prefix)
	return nil
}

func (s *Store) forgetLocalPrefix(prefix string) {
	for k := range s.entries {
		if hasPrefix(k, prefix) {
			delete(s.entries, k)
			delete(s.dirtyEntries, k)
		}
	}
	for k := range s.metas {
		if hasPrefix(k, prefix) {
			delete(s.metas, k)
			delete(s.dirtyMetas, k)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
