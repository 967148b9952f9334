package engine

import (
	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// MarkRemoved records a KindRemoved placeholder at name's location, used
// when a call site is deleted from a workflow's source between deployments:
// replay of an in-flight execution started under the old source tolerates
// either the original entry or this placeholder at that key, rather than
// raising HistoryDivergence (spec.md §4.10 "Removed").
func (c *Context) MarkRemoved(name, originalType string) error {
	release, err := c.enter(name)
	if err != nil {
		return err
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	key := loc.Key()

	if entry, ok := c.store.Get(key); ok && entry.Kind == history.KindRemoved {
		return nil
	}

	entry := &history.Entry{ID: key, Location: loc, Kind: history.KindRemoved,
		Removed: &history.RemovedData{OriginalType: originalType, OriginalName: name}}
	c.store.Put(key, entry)
	return c.store.Flush(c.goCtx)
}

// toleratesRemoved reports whether the entry recorded at key is acceptable
// for a call site now declared removed: either absent (never ran) or already
// a KindRemoved placeholder.
func (c *Context) toleratesRemoved(key string) bool {
	entry, ok := c.store.Get(key)
	if !ok {
		return true
	}
	return entry.Kind == history.KindRemoved
}
