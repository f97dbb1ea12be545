package triage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/internal/testutil"
	"github.com/codeGROOVE-dev/review-triage/pkg/team"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

var (
	sweepNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	testRepo = types.Repository{Owner: "NixOS", Name: "nixpkgs"}
)

type selectCall struct {
	ref       string
	needMerge bool
}

// stubSelector returns a fixed reviewer per merge permission.
type stubSelector struct {
	reviewers map[bool]string
	calls     []selectCall
	mu        sync.Mutex
}

func (s *stubSelector) Select(_ context.Context, _ team.Source, issue *types.Issue, needMerge bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, selectCall{ref: issue.Ref(), needMerge: needMerge})
	name, ok := s.reviewers[needMerge]
	return name, ok
}

func newTestSweeper(store github.IssueStore, sel Selector) *Sweeper {
	cfg := DefaultConfig()
	cfg.ConsistencyDelay = 0
	s := NewSweeper(1, store, sel, cfg, NewMetricsCollector())
	s.now = func() time.Time { return sweepNow }
	return s
}

func pr(number int, author string, updatedAgo time.Duration, labels ...string) *types.Issue {
	return &types.Issue{
		Owner:         testRepo.Owner,
		Repo:          testRepo.Name,
		Number:        number,
		Author:        author,
		Labels:        append([]string{"marvin"}, labels...),
		CreatedAt:     sweepNow.Add(-30 * 24 * time.Hour),
		UpdatedAt:     sweepNow.Add(-updatedAgo),
		Open:          true,
		IsPullRequest: true,
	}
}

func newStore(issues ...*types.Issue) *testutil.MockStore {
	store := testutil.NewMockStore()
	store.SetRepositories(testRepo)
	for _, is := range issues {
		store.AddIssue(is)
	}
	return store
}

func TestSweep_RemindsStaleAwaitingReviewer(t *testing.T) {
	stale := pr(1, "carol", 4*24*time.Hour, "awaiting_reviewer")
	fresh := pr(2, "carol", time.Hour, "awaiting_reviewer")
	store := newStore(stale, fresh)
	store.SetSearch([]*types.Issue{stale, fresh}, "label:awaiting_reviewer", "-label:timeout_pending")

	s := newTestSweeper(store, &stubSelector{})
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	muts := store.Mutations()
	if len(muts) != 2 {
		t.Fatalf("got %d mutations, want 2: %+v", len(muts), muts)
	}
	if muts[0].Op != testutil.OpPostComment || muts[0].Issue != stale.Ref() || muts[0].Args[0] != reviewerReminder {
		t.Errorf("first mutation = %+v, want reviewer reminder on %s", muts[0], stale.Ref())
	}
	if muts[1].Op != testutil.OpAddLabels || muts[1].Args[0] != "timeout_pending" {
		t.Errorf("second mutation = %+v, want timeout_pending label", muts[1])
	}
	if got := s.metrics.Snapshot()[1].Actions[ActionReminder]; got != 1 {
		t.Errorf("reminder count = %d, want 1", got)
	}
}

func TestSweep_RemindsStaleAwaitingMerger(t *testing.T) {
	stale := pr(3, "carol", 3*24*time.Hour+time.Minute, "awaiting_merger")
	store := newStore(stale)
	store.SetSearch([]*types.Issue{stale}, "label:awaiting_merger", "-label:timeout_pending")

	if err := newTestSweeper(store, &stubSelector{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	comments := store.CallsFor(testutil.OpPostComment)
	if len(comments) != 1 || comments[0].Args[0] != mergerReminder {
		t.Fatalf("comments = %+v, want one merger reminder", comments)
	}
	if got := store.IssueLabels(stale.Ref()); !slices.Contains(got, "timeout_pending") {
		t.Errorf("labels = %v, want timeout_pending", got)
	}
}

func TestSweep_TimesOut(t *testing.T) {
	tests := []struct {
		name     string
		awaiting string
		want     string
	}{
		{"reviewer", "awaiting_reviewer", "needs_reviewer"},
		{"merger", "awaiting_merger", "needs_merger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expired := pr(10, "carol", 25*time.Hour, tt.awaiting, "timeout_pending")
			recent := pr(11, "carol", 23*time.Hour, tt.awaiting, "timeout_pending")
			store := newStore(expired, recent)
			// A leading space keeps this from matching the -label:timeout_pending reminder query.
			store.SetSearch([]*types.Issue{expired, recent}, " label:timeout_pending", "label:"+tt.awaiting)

			if err := newTestSweeper(store, &stubSelector{}).Sweep(context.Background()); err != nil {
				t.Fatalf("Sweep: %v", err)
			}

			got := store.IssueLabels(expired.Ref())
			slices.Sort(got)
			if want := []string{"marvin", tt.want}; !slices.Equal(got, want) {
				t.Errorf("expired labels = %v, want %v", got, want)
			}
			if got := store.IssueLabels(recent.Ref()); !slices.Contains(got, tt.awaiting) {
				t.Errorf("recent issue should be untouched, labels = %v", got)
			}
		})
	}
}

func TestSweep_AssignsOldestFirst(t *testing.T) {
	first := pr(20, "carol", time.Hour, "needs_reviewer")
	second := pr(21, "dave", time.Hour, "needs_reviewer")
	merge := pr(22, "dave", time.Hour, "needs_merger")
	store := newStore(first, second, merge)
	store.SetSearch([]*types.Issue{first, second}, "label:needs_reviewer", "sort:created-asc")
	store.SetSearch([]*types.Issue{merge}, "label:needs_merger", "sort:created-asc")

	sel := &stubSelector{reviewers: map[bool]string{false: "alice", true: "bob"}}
	s := newTestSweeper(store, sel)
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// Mergers are assigned before reviewers.
	wantCalls := []selectCall{{merge.Ref(), true}, {first.Ref(), false}, {second.Ref(), false}}
	if !slices.Equal(sel.calls, wantCalls) {
		t.Errorf("select calls = %+v, want %+v", sel.calls, wantCalls)
	}

	requests := store.CallsFor(testutil.OpRequestReviewer)
	if len(requests) != 3 || requests[0].Args[0] != "bob" || requests[1].Args[0] != "alice" {
		t.Fatalf("review requests = %+v", requests)
	}

	for ref, want := range map[string]string{
		first.Ref():  "awaiting_reviewer",
		second.Ref(): "awaiting_reviewer",
		merge.Ref():  "awaiting_merger",
	} {
		got := store.IssueLabels(ref)
		slices.Sort(got)
		if !slices.Equal(got, []string{want, "marvin"}) && !slices.Equal(got, []string{"marvin", want}) {
			t.Errorf("%s labels = %v, want marvin and %s", ref, got, want)
		}
	}
	if got := s.metrics.Snapshot()[1].Actions[ActionAssignment]; got != 3 {
		t.Errorf("assignment count = %d, want 3", got)
	}
}

func TestSweep_MentionsWhenRequestRefused(t *testing.T) {
	issue := pr(30, "carol", time.Hour, "needs_reviewer")
	store := newStore(issue)
	store.SetSearch([]*types.Issue{issue}, "label:needs_reviewer")
	store.SetReviewError("alice", fmt.Errorf("request alice: %w", github.ErrPermissionDenied))

	sel := &stubSelector{reviewers: map[bool]string{false: "alice"}}
	if err := newTestSweeper(store, sel).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	comments := store.CallsFor(testutil.OpPostComment)
	if len(comments) != 1 || comments[0].Args[0] != "@alice please review." {
		t.Fatalf("comments = %+v, want mention of alice", comments)
	}
	if got := store.IssueLabels(issue.Ref()); !slices.Contains(got, "awaiting_reviewer") {
		t.Errorf("labels = %v, want awaiting_reviewer", got)
	}
}

func TestSweep_NoReviewerLeavesIssue(t *testing.T) {
	issue := pr(40, "carol", time.Hour, "needs_reviewer")
	store := newStore(issue)
	store.SetSearch([]*types.Issue{issue}, "label:needs_reviewer")

	if err := newTestSweeper(store, &stubSelector{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if muts := store.Mutations(); len(muts) != 0 {
		t.Errorf("expected no mutations, got %+v", muts)
	}
}

func TestSweep_WithPool(t *testing.T) {
	issue := pr(41, "alice", time.Hour, "needs_reviewer")
	store := newStore(issue)
	store.SetSearch([]*types.Issue{issue}, "label:needs_reviewer")

	pool := team.NewPool(&team.Candidate{Name: "alice"}, &team.Candidate{Name: "bob"})
	if err := newTestSweeper(store, pool).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	requests := store.CallsFor(testutil.OpRequestReviewer)
	if len(requests) != 1 || requests[0].Args[0] != "bob" {
		t.Errorf("requests = %+v, want bob (alice is the author)", requests)
	}
}

func TestSweep_PhaseFailureIsContained(t *testing.T) {
	errBoom := errors.New("boom")
	stale := pr(50, "carol", 4*24*time.Hour, "awaiting_reviewer")
	waiting := pr(51, "carol", time.Hour, "needs_reviewer")
	store := newStore(stale, waiting)
	store.SetSearch([]*types.Issue{stale}, "label:awaiting_reviewer", "-label:timeout_pending")
	store.SetSearch([]*types.Issue{waiting}, "label:needs_reviewer")
	store.SetError(testutil.OpPostComment, errBoom)

	sel := &stubSelector{reviewers: map[bool]string{false: "alice"}}
	err := newTestSweeper(store, sel).Sweep(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Sweep error = %v, want boom", err)
	}
	if !strings.Contains(err.Error(), PhaseReviewerReminder) {
		t.Errorf("error %q should name the failed phase", err)
	}

	if got := store.CallsFor(testutil.OpRequestReviewer); len(got) != 1 {
		t.Errorf("later phases should still run, got %d review requests", len(got))
	}
}

func TestSweep_SearchFailure(t *testing.T) {
	store := newStore()
	store.SetError(testutil.OpSearch, errors.New("search unavailable"))

	err := newTestSweeper(store, &stubSelector{}).Sweep(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, p := range []string{PhaseReviewerTimeout, PhaseReviewerReminder, PhaseMergerTimeout,
		PhaseMergerReminder, PhaseAssignMergers, PhaseAssignReviewers} {
		if !strings.Contains(err.Error(), p) {
			t.Errorf("error should mention phase %s: %v", p, err)
		}
	}
}

func TestSweep_RepositoriesFailure(t *testing.T) {
	store := newStore()
	store.SetError(testutil.OpRepositories, errors.New("forbidden"))

	if err := newTestSweeper(store, &stubSelector{}).Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := store.CallsFor(testutil.OpSearch); len(got) != 0 {
		t.Errorf("no searches expected, got %d", len(got))
	}
}

func TestSweep_QueriesEveryRepository(t *testing.T) {
	store := newStore()
	store.SetRepositories(testRepo, types.Repository{Owner: "NixOS", Name: "nix"})

	if err := newTestSweeper(store, &stubSelector{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	searches := store.CallsFor(testutil.OpSearch)
	if len(searches) != 12 {
		t.Fatalf("got %d searches, want 6 per repository", len(searches))
	}
	for i, c := range searches {
		q := c.Args[0]
		wantRepo := "repo:NixOS/nixpkgs "
		if i >= 6 {
			wantRepo = "repo:NixOS/nix "
		}
		for _, term := range []string{wantRepo, "is:open", "is:pr", "label:marvin"} {
			if !strings.Contains(q, term) {
				t.Errorf("query %d %q lacks %q", i, q, term)
			}
		}
	}
}

func TestSweep_StopsOnCancel(t *testing.T) {
	store := newStore()
	cfg := DefaultConfig()
	cfg.ConsistencyDelay = time.Hour
	s := NewSweeper(1, store, &stubSelector{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Sweep error = %v, want context.Canceled", err)
	}
}
