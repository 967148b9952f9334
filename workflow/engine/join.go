package engine

import (
	"sync"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// JoinBranch is one concurrent branch given to Context.Join.
type JoinBranch struct {
	Name string
	Run  func(branchCtx *Context) ([]byte, error)
}

// JoinResult is one branch's outcome from Context.Join.
type JoinResult struct {
	Name   string
	Output []byte
	Err    error
}

// Join runs every branch concurrently in its own child Context, recording
// each branch's outcome under a KindJoin entry so replay short-circuits
// already-completed branches without re-running them. Join returns once
// every branch has reached a terminal state (completed or failed); a Yield
// raised by any branch is returned, ahead of any branch errors, once every
// running branch has returned, since it means that branch needs the
// workflow to suspend.
func (c *Context) Join(name string, branches []JoinBranch) ([]JoinResult, error) {
	release, err := c.enter(name)
	if err != nil {
		return nil, err
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	key := loc.Key()

	entry, ok := c.store.Get(key)
	if !ok {
		entry = &history.Entry{ID: key, Location: loc, Kind: history.KindJoin,
			Join: &history.JoinData{Branches: map[string]*history.JoinBranch{}}}
		for _, b := range branches {
			entry.Join.Branches[b.Name] = &history.JoinBranch{Status: history.BranchPending}
		}
		c.store.Put(key, entry)
	} else if entry.Kind != history.KindJoin {
		return nil, &HistoryDivergence{Reason: "key \"" + key + "\" recorded as a different entry kind"}
	}

	results := make([]JoinResult, len(branches))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstYield *Yield

	for i, b := range branches {
		st := entry.Join.Branches[b.Name]
		if st != nil && st.Status == history.BranchCompleted {
			results[i] = JoinResult{Name: b.Name, Output: st.Output}
			continue
		}
		if st != nil && st.Status == history.BranchFailed {
			results[i] = JoinResult{Name: b.Name, Err: &StepFailed{Name: b.Name, Cause: errBranchFailed(st.Error)}}
			continue
		}

		wg.Add(1)
		go func(i int, b JoinBranch) {
			defer wg.Done()
			branchLoc := loc.Append(history.Segment{Kind: history.SegName, Name: b.Name})
			branchCtx := c.childAt(branchLoc)

			out, err := b.Run(branchCtx)

			mu.Lock()
			defer mu.Unlock()
			if y, isYield := err.(*Yield); isYield {
				if firstYield == nil {
					firstYield = y
				}
				return
			}
			if err != nil {
				entry.Join.Branches[b.Name] = &history.JoinBranch{Status: history.BranchFailed, Error: err.Error(), HasErr: true}
				results[i] = JoinResult{Name: b.Name, Err: err}
				return
			}
			entry.Join.Branches[b.Name] = &history.JoinBranch{Status: history.BranchCompleted, Output: out}
			results[i] = JoinResult{Name: b.Name, Output: out}
		}(i, b)
	}
	wg.Wait()

	c.store.Put(key, entry)
	if err := c.store.Flush(c.goCtx); err != nil {
		return nil, err
	}
	if firstYield != nil {
		return nil, firstYield
	}

	errs := map[string]error{}
	for _, r := range results {
		if r.Err != nil {
			errs[r.Name] = r.Err
		}
	}
	if len(errs) > 0 {
		return results, &Join{Errors: errs}
	}
	return results, nil
}

type errBranchFailed string

func (e errBranchFailed) Error() string { return string(e) }
