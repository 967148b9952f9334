package engine

import (
	"errors"
	"testing"
)

func TestJoinRunsAllBranches(t *testing.T) {
	ctx, _ := newTestContext(t)

	results, err := ctx.Join("fanout", []JoinBranch{
		{Name: "a", Run: func(*Context) ([]byte, error) { return []byte("a-out"), nil }},
		{Name: "b", Run: func(*Context) ([]byte, error) { return []byte("b-out"), nil }},
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	byName := map[string]JoinResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if string(byName["a"].Output) != "a-out" || string(byName["b"].Output) != "b-out" {
		t.Fatalf("unexpected outputs: %+v", byName)
	}
}

func TestJoinCollectsBranchErrors(t *testing.T) {
	ctx, _ := newTestContext(t)

	sentinel := errors.New("branch failed")
	_, err := ctx.Join("fanout", []JoinBranch{
		{Name: "ok", Run: func(*Context) ([]byte, error) { return []byte("fine"), nil }},
		{Name: "bad", Run: func(*Context) ([]byte, error) { return nil, sentinel }},
	})
	var je *Join
	if !errors.As(err, &je) {
		t.Fatalf("expected *Join, got %T: %v", err, err)
	}
	if _, ok := je.Errors["bad"]; !ok {
		t.Fatalf("expected branch %q in errors, got %+v", "bad", je.Errors)
	}
}

func TestRaceReturnsFirstWinner(t *testing.T) {
	ctx, _ := newTestContext(t)

	name, out, err := ctx.Race("pick", []RaceBranch{
		{Name: "slow", Run: func(*Context) ([]byte, error) { return nil, errors.New("should not win") }},
		{Name: "fast", Run: func(*Context) ([]byte, error) { return []byte("winner"), nil }},
	})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if name != "fast" {
		t.Fatalf("expected the only succeeding branch to win, got %q", name)
	}
	if string(out) != "winner" {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRaceAllFail(t *testing.T) {
	ctx, _ := newTestContext(t)

	_, _, err := ctx.Race("pick", []RaceBranch{
		{Name: "a", Run: func(*Context) ([]byte, error) { return nil, errors.New("a failed") }},
		{Name: "b", Run: func(*Context) ([]byte, error) { return nil, errors.New("b failed") }},
	})
	var re *Race
	if !errors.As(err, &re) {
		t.Fatalf("expected *Race, got %T: %v", err, err)
	}
	if len(re.Errors) != 2 {
		t.Fatalf("expected 2 branch errors, got %d", len(re.Errors))
	}
}
