package engine

import (
	"testing"
	"time"
)

func TestMergeYieldsPrefersEarliestSleepAndMergesNames(t *testing.T) {
	now := time.Now()
	yields := []*Yield{
		{Kind: YieldSleep, Deadline: now.Add(1000 * time.Millisecond)},
		{Kind: YieldMessageWait, Names: []string{"msg"}},
	}

	merged := mergeYields(yields)
	if merged.Kind != YieldSleep {
		t.Fatalf("expected merged Kind=YieldSleep, got %v", merged.Kind)
	}
	if !merged.Deadline.Equal(yields[0].Deadline) {
		t.Fatalf("expected merged deadline %v, got %v", yields[0].Deadline, merged.Deadline)
	}
	if len(merged.Names) != 1 || merged.Names[0] != "msg" {
		t.Fatalf("expected merged names [msg], got %v", merged.Names)
	}
}

func TestMergeYieldsPicksEarliestAmongMultipleSleeps(t *testing.T) {
	now := time.Now()
	later := now.Add(5 * time.Second)
	earlier := now.Add(1 * time.Second)
	yields := []*Yield{
		{Kind: YieldSleep, Deadline: later},
		{Kind: YieldSleep, Deadline: earlier},
	}

	merged := mergeYields(yields)
	if !merged.Deadline.Equal(earlier) {
		t.Fatalf("expected earliest deadline %v, got %v", earlier, merged.Deadline)
	}
}

func TestMergeYieldsAllMessageWaitNoDeadline(t *testing.T) {
	yields := []*Yield{
		{Kind: YieldMessageWait, Names: []string{"a"}},
		{Kind: YieldMessageWait, Names: []string{"b"}},
	}

	merged := mergeYields(yields)
	if merged.Kind != YieldMessageWait {
		t.Fatalf("expected merged Kind=YieldMessageWait, got %v", merged.Kind)
	}
	if !merged.Deadline.IsZero() {
		t.Fatalf("expected zero deadline when no branch carries one, got %v", merged.Deadline)
	}
	if len(merged.Names) != 2 {
		t.Fatalf("expected both names merged, got %v", merged.Names)
	}
}

// TestRaceWinnerAbortsLosingBranches verifies a winning branch cancels the
// shared abort context so losing branches observe cancellation rather than
// running to completion unsignaled.
func TestRaceWinnerAbortsLosingBranches(t *testing.T) {
	ctx, _ := newTestContext(t)

	loserAborted := make(chan struct{})
	_, _, err := ctx.Race("r", []RaceBranch{
		{
			Name: "fast",
			Run:  func(branchCtx *Context) ([]byte, error) { return []byte("fast-output"), nil },
		},
		{
			Name: "slow",
			Run: func(branchCtx *Context) ([]byte, error) {
				select {
				case <-branchCtx.goCtx.Done():
					close(loserAborted)
				case <-time.After(2 * time.Second):
				}
				return nil, branchCtx.goCtx.Err()
			},
		},
	})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}

	select {
	case <-loserAborted:
	case <-time.After(time.Second):
		t.Fatal("expected losing branch's context to be cancelled after a winner was found")
	}
}
