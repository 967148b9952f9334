package engine

import (
	"context"
	"sync"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// RaceBranch is one concurrent branch given to Context.Race.
type RaceBranch struct {
	Name string
	Run  func(branchCtx *Context) ([]byte, error)
}

// Race runs every branch concurrently and returns as soon as one completes
// successfully; the remaining branches' history entries under this call site
// are dropped (Store.DeletePrefix) rather than replayed, since a race is
// explicitly allowed to discard the losers' work (spec.md §4.10 "Race").
// If every branch fails, Race returns a *Race error wrapping each branch's
// cause.
func (c *Context) Race(name string, branches []RaceBranch) (winnerName string, output []byte, err error) {
	release, releaseErr := c.enter(name)
	if releaseErr != nil {
		return "", nil, releaseErr
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	key := loc.Key()

	entry, ok := c.store.Get(key)
	if ok && entry.Kind == history.KindRace && entry.Race.HasWinner {
		w := entry.Race.Branches[entry.Race.Winner]
		return entry.Race.Winner, w.Output, nil
	}
	if !ok {
		entry = &history.Entry{ID: key, Location: loc, Kind: history.KindRace,
			Race: &history.RaceData{Branches: map[string]*history.RaceBranch{}}}
		for _, b := range branches {
			entry.Race.Branches[b.Name] = &history.RaceBranch{Status: history.RaceBranchPending}
		}
		c.store.Put(key, entry)
	} else if entry.Kind != history.KindRace {
		return "", nil, &HistoryDivergence{Reason: "key \"" + key + "\" recorded as a different entry kind"}
	}

	// abortCtx is shared by every branch; cancelling it is how the first
	// winner signals the remaining branches to stop.
	abortCtx, abort := context.WithCancel(c.goCtx)
	defer abort()

	type outcome struct {
		name   string
		output []byte
		err    error
	}
	results := make(chan outcome, len(branches))
	var wg sync.WaitGroup

	for _, b := range branches {
		wg.Add(1)
		go func(b RaceBranch) {
			defer wg.Done()
			branchLoc := loc.Append(history.Segment{Kind: history.SegName, Name: b.Name})
			branchCtx := c.childAtWithCtx(branchLoc, abortCtx)
			out, err := b.Run(branchCtx)
			results <- outcome{b.Name, out, err}
		}(b)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	errs := map[string]error{}
	var yields []*Yield
	for res := range results {
		if y, isYield := res.err.(*Yield); isYield {
			yields = append(yields, y)
			continue
		}
		if res.err != nil {
			entry.Race.Branches[res.name] = &history.RaceBranch{Status: history.RaceBranchFailed, Error: res.err.Error(), HasErr: true}
			errs[res.name] = res.err
			continue
		}
		entry.Race.Winner = res.name
		entry.Race.HasWinner = true
		entry.Race.Branches[res.name] = &history.RaceBranch{Status: history.RaceBranchCompleted, Output: res.output}
		// Signal the remaining branches to abort now that a winner exists;
		// their in-flight operations see abortCtx cancelled on their next
		// context check.
		abort()
		for _, b := range branches {
			if b.Name != res.name {
				losLoc := loc.Append(history.Segment{Kind: history.SegName, Name: b.Name})
				_ = c.store.DeletePrefix(c.goCtx, losLoc.Key())
			}
		}
		c.store.Put(key, entry)
		if err := c.store.Flush(c.goCtx); err != nil {
			return "", nil, err
		}
		return res.name, res.output, nil
	}

	c.store.Put(key, entry)
	if err := c.store.Flush(c.goCtx); err != nil {
		return "", nil, err
	}
	if len(errs)+len(yields) == len(branches) && len(yields) > 0 {
		return "", nil, mergeYields(yields)
	}
	return "", nil, &Race{Errors: errs}
}

// mergeYields combines the yields raised by branches that neither won nor
// failed into the single Yield the engine resumes on: the earliest deadline
// among them (preferring a Sleep deadline over an untimed MessageWait), with
// every MessageWait branch's names merged in so resumption can be woken by
// either the deadline or any of the named messages.
func mergeYields(yields []*Yield) *Yield {
	merged := &Yield{Kind: YieldMessageWait}
	haveDeadline := false

	for _, y := range yields {
		switch y.Kind {
		case YieldSleep:
			if !haveDeadline || y.Deadline.Before(merged.Deadline) {
				merged.Deadline = y.Deadline
				haveDeadline = true
			}
		case YieldMessageWait:
			merged.Names = append(merged.Names, y.Names...)
			if !y.Deadline.IsZero() && (!haveDeadline || y.Deadline.Before(merged.Deadline)) {
				merged.Deadline = y.Deadline
				haveDeadline = true
			}
		}
	}

	if haveDeadline {
		merged.Kind = YieldSleep
	}
	return merged
}
