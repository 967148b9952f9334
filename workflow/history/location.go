// Package history implements workflow storage & replay (C9): a history of
// entries keyed by deterministic location, dirty-flag-tracked in memory for
// the active execution and flushed to a pluggable KV driver in batches.
package history

import (
	"strconv"
	"strings"
)

// SegmentKind discriminates a Location Segment.
type SegmentKind int

const (
	// SegName is a registered-name segment: a call-site name in the
	// enclosing lexical scope (step/loop/listen/join/race/rollback
	// checkpoint name).
	SegName SegmentKind = iota
	// SegLoop is a loop-iteration segment: {loop name, iteration number}.
	SegLoop
)

// Segment is one element of a Location. It is a pure function of workflow
// source structure plus (for SegLoop) the current iteration counter, so two
// runs of the same source produce identical locations.
type Segment struct {
	Kind      SegmentKind
	Name      string
	Iteration int // only meaningful when Kind == SegLoop
}

// Location is the ordered sequence of segments identifying a call site
// inside one workflow execution.
type Location []Segment

// Append returns a new Location with seg appended. Location is always
// treated as immutable so that child contexts can safely share a parent's
// backing array.
func (l Location) Append(seg Segment) Location {
	out := make(Location, len(l)+1)
	copy(out, l)
	out[len(l)] = seg
	return out
}

// Key renders the Location into the flat string used to key entries and
// metadata, both in the in-memory map and in the underlying KV driver.
func (l Location) Key() string {
	var b strings.Builder
	for i, seg := range l {
		if i > 0 {
			b.WriteByte('/')
		}
		switch seg.Kind {
		case SegName:
			b.WriteString("n:")
			b.WriteString(seg.Name)
		case SegLoop:
			b.WriteString("l:")
			b.WriteString(seg.Name)
			b.WriteByte('#')
			b.WriteString(strconv.Itoa(seg.Iteration))
		}
	}
	return b.String()
}

// IterationPrefix renders the key prefix for a single iteration of a named
// loop at this location, used by GC (ForgetIterationRange) to delete all
// entries recorded underneath one stale iteration.
func (l Location) IterationPrefix(loopName string, iteration int) string {
	return l.Append(Segment{Kind: SegLoop, Name: loopName, Iteration: iteration}).Key()
}
