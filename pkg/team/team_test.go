package team

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/review-triage/pkg/internal/testutil"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

type stubPredicate struct {
	err   error
	ok    bool
	calls int
}

func (s *stubPredicate) Available(context.Context, Source, string, time.Time) (bool, error) {
	s.calls++
	return s.ok, s.err
}

func TestSelect_NeverReturnsAuthor(t *testing.T) {
	pool := NewPool(
		&Candidate{Name: "alice"},
		&Candidate{Name: "Bob"},
		&Candidate{Name: "carol"},
	)
	issue := &types.Issue{Owner: "o", Repo: "r", Number: 1, Author: "bob"}

	for range 200 {
		name, ok := pool.Select(context.Background(), testutil.NewMockStore(), issue, false)
		if !ok {
			t.Fatal("expected a reviewer")
		}
		if strings.EqualFold(name, "bob") {
			t.Fatalf("selected the author %q", name)
		}
	}
}

func TestSelect_MatchesMergePermission(t *testing.T) {
	pool := NewPool(
		&Candidate{Name: "reviewer1"},
		&Candidate{Name: "reviewer2"},
		&Candidate{Name: "merger1", CanMerge: true},
		&Candidate{Name: "merger2", CanMerge: true},
	)
	issue := &types.Issue{Owner: "o", Repo: "r", Number: 1, Author: "someone"}

	tests := []struct {
		name      string
		needMerge bool
		allowed   map[string]bool
	}{
		{"reviewers", false, map[string]bool{"reviewer1": true, "reviewer2": true}},
		{"mergers", true, map[string]bool{"merger1": true, "merger2": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				name, ok := pool.Select(context.Background(), testutil.NewMockStore(), issue, tt.needMerge)
				if !ok || !tt.allowed[name] {
					t.Fatalf("Select(needMerge=%v) = %q, %v", tt.needMerge, name, ok)
				}
			}
		})
	}
}

func TestSelect_None(t *testing.T) {
	tests := []struct {
		name  string
		pool  *Pool
		issue *types.Issue
	}{
		{
			name:  "empty pool",
			pool:  NewPool(),
			issue: &types.Issue{Author: "x"},
		},
		{
			name:  "only the author",
			pool:  NewPool(&Candidate{Name: "alice", CanMerge: true}),
			issue: &types.Issue{Author: "alice"},
		},
		{
			name:  "nobody with merge permission",
			pool:  NewPool(&Candidate{Name: "alice"}),
			issue: &types.Issue{Author: "x"},
		},
		{
			name: "all unavailable",
			pool: NewPool(
				&Candidate{Name: "alice", CanMerge: true, Predicates: []Predicate{&stubPredicate{}}},
				&Candidate{Name: "bob", CanMerge: true, Predicates: []Predicate{&stubPredicate{err: errors.New("down")}}},
			),
			issue: &types.Issue{Author: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, ok := tt.pool.Select(context.Background(), testutil.NewMockStore(), tt.issue, true)
			if ok {
				t.Errorf("Select() = %q, want none", name)
			}
		})
	}
}

func TestSelect_SkipsUnavailable(t *testing.T) {
	busy := &stubPredicate{ok: false}
	broken := &stubPredicate{err: errors.New("search failed")}
	pool := NewPool(
		&Candidate{Name: "busy", Predicates: []Predicate{busy}},
		&Candidate{Name: "broken", Predicates: []Predicate{broken}},
		&Candidate{Name: "free", Predicates: []Predicate{&stubPredicate{ok: true}}},
	)
	pool.shuffle = func([]*Candidate) {} // registration order

	name, ok := pool.Select(context.Background(), testutil.NewMockStore(), &types.Issue{Author: "x"}, false)
	if !ok || name != "free" {
		t.Fatalf("Select() = %q, %v; want free", name, ok)
	}
	if busy.calls != 1 || broken.calls != 1 {
		t.Errorf("predicate calls = %d, %d; want 1, 1", busy.calls, broken.calls)
	}
}

func TestSelect_StopsAtFirstAvailable(t *testing.T) {
	second := &stubPredicate{ok: true}
	pool := NewPool(
		&Candidate{Name: "first", Predicates: []Predicate{&stubPredicate{ok: true}}},
		&Candidate{Name: "second", Predicates: []Predicate{second}},
	)
	pool.shuffle = func([]*Candidate) {}

	if name, _ := pool.Select(context.Background(), testutil.NewMockStore(), &types.Issue{}, false); name != "first" {
		t.Errorf("Select() = %q, want first", name)
	}
	if second.calls != 0 {
		t.Errorf("second candidate evaluated %d times, want 0", second.calls)
	}
}

func TestSelect_Randomized(t *testing.T) {
	pool := NewPool(&Candidate{Name: "a"}, &Candidate{Name: "b"}, &Candidate{Name: "c"})
	seen := make(map[string]int)
	for range 300 {
		name, _ := pool.Select(context.Background(), testutil.NewMockStore(), &types.Issue{Author: "x"}, false)
		seen[name]++
	}
	for _, n := range []string{"a", "b", "c"} {
		if seen[n] == 0 {
			t.Errorf("candidate %s never selected in 300 draws: %v", n, seen)
		}
	}
}

func TestCandidate_PredicatesShortCircuit(t *testing.T) {
	off := &stubPredicate{ok: false}
	never := &stubPredicate{ok: true}
	c := &Candidate{Name: "alice", Predicates: []Predicate{off, never}}

	ok, err := c.Available(context.Background(), testutil.NewMockStore(), time.Now())
	if ok || err != nil {
		t.Errorf("Available() = %v, %v; want false, nil", ok, err)
	}
	if never.calls != 0 {
		t.Error("second predicate evaluated after a refusal")
	}
}
