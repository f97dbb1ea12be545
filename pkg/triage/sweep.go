// Package triage runs triage sweeps over an installation's repositories and
// schedules them per installation.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/status"
	"github.com/codeGROOVE-dev/review-triage/pkg/team"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Sweep phases, used in logs and errors.
const (
	PhaseReviewerTimeout  = "reviewer_timeout"
	PhaseReviewerReminder = "reviewer_reminder"
	PhaseMergerTimeout    = "merger_timeout"
	PhaseMergerReminder   = "merger_reminder"
	PhaseAssignMergers    = "assign_mergers"
	PhaseAssignReviewers  = "assign_reviewers"
)

// Config holds sweep timings.
type Config struct {
	OptInLabel              string
	AfterWarning            time.Duration
	AwaitingReviewerTimeout time.Duration
	AwaitingMergerTimeout   time.Duration
	// ConsistencyDelay separates label writes from searches that must see them.
	ConsistencyDelay time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		OptInLabel:              "marvin",
		AfterWarning:            24 * time.Hour,
		AwaitingReviewerTimeout: 3 * 24 * time.Hour,
		AwaitingMergerTimeout:   3 * 24 * time.Hour,
		ConsistencyDelay:        2 * time.Second,
	}
}

// Selector picks a reviewer for an issue.
type Selector interface {
	Select(ctx context.Context, src team.Source, issue *types.Issue, needMerge bool) (string, bool)
}

// Sweeper performs triage sweeps for one installation.
type Sweeper struct {
	store        github.IssueStore
	pool         Selector
	metrics      *MetricsCollector
	now          func() time.Time
	cfg          Config
	installation int64
}

// NewSweeper creates a sweeper. metrics may be nil.
func NewSweeper(installation int64, store github.IssueStore, pool Selector, cfg Config, metrics *MetricsCollector) *Sweeper {
	return &Sweeper{
		installation: installation,
		store:        store,
		pool:         pool,
		cfg:          cfg,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Sweep runs every phase over every repository of the installation, in
// listing order. A failing phase is logged and skipped; the remaining phases
// and repositories still run. The returned error joins all phase failures.
func (s *Sweeper) Sweep(ctx context.Context) error {
	log := slog.With("component", "triage", "installation", s.installation, "sweep", uuid.NewString())
	start := time.Now()
	log.Info("Starting triage sweep")

	repos, err := s.store.Repositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	var errs []error
	for _, repo := range repos {
		if err := s.SweepRepository(ctx, log, repo); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}

	log.Info("Triage sweep finished",
		"repositories", len(repos),
		"failed_phases", len(errs),
		"duration", time.Since(start).Round(time.Millisecond))
	return errors.Join(errs...)
}

type phase struct {
	run  func(ctx context.Context, repo types.Repository) error
	name string
}

// SweepRepository runs the phases for a single repository.
func (s *Sweeper) SweepRepository(ctx context.Context, log *slog.Logger, repo types.Repository) error {
	log = log.With("repo", repo.FullName())

	groups := [][]phase{
		{
			{name: PhaseReviewerTimeout, run: func(ctx context.Context, r types.Repository) error {
				return s.timeout(ctx, r, status.AwaitingReviewer, status.NeedsReviewer)
			}},
			{name: PhaseReviewerReminder, run: func(ctx context.Context, r types.Repository) error {
				return s.remind(ctx, r, status.AwaitingReviewer, s.cfg.AwaitingReviewerTimeout, reviewerReminder)
			}},
			{name: PhaseMergerTimeout, run: func(ctx context.Context, r types.Repository) error {
				return s.timeout(ctx, r, status.AwaitingMerger, status.NeedsMerger)
			}},
			{name: PhaseMergerReminder, run: func(ctx context.Context, r types.Repository) error {
				return s.remind(ctx, r, status.AwaitingMerger, s.cfg.AwaitingMergerTimeout, mergerReminder)
			}},
		},
		{
			{name: PhaseAssignMergers, run: func(ctx context.Context, r types.Repository) error {
				return s.assign(ctx, r, status.NeedsMerger, status.AwaitingMerger, true)
			}},
			{name: PhaseAssignReviewers, run: func(ctx context.Context, r types.Repository) error {
				return s.assign(ctx, r, status.NeedsReviewer, status.AwaitingReviewer, false)
			}},
		},
	}

	var errs []error
	for _, group := range groups {
		// Freshly written labels take a moment to become searchable.
		if err := sleep(ctx, s.cfg.ConsistencyDelay); err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, p := range group {
			if err := p.run(ctx, repo); err != nil {
				log.Error("Triage phase failed", "phase", p.name, "error", err)
				errs = append(errs, fmt.Errorf("%s %s: %w", repo.FullName(), p.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) baseTerms(repo types.Repository) []string {
	return []string{"repo:" + repo.FullName(), "is:open", "is:pr", "label:" + s.cfg.OptInLabel}
}

// timeout demotes reminded issues that saw no activity since the reminder.
func (s *Sweeper) timeout(ctx context.Context, repo types.Repository, awaiting, demoteTo status.Status) error {
	q := github.Query{
		Terms: append(s.baseTerms(repo), "label:"+status.TimeoutPending, "label:"+string(awaiting)),
		Sort:  "updated",
		Order: "asc",
	}
	now := s.now()
	for issue, err := range s.store.Search(ctx, q) {
		if err != nil {
			return err
		}
		if now.Sub(issue.UpdatedAt) < s.cfg.AfterWarning {
			break
		}
		slog.Info("Timing out", "component", "triage", "pr", issue.Ref(), "from", awaiting, "to", demoteTo)
		if _, err := status.Set(ctx, s.store, issue, demoteTo); err != nil {
			return err
		}
		s.metrics.RecordAction(s.installation, ActionTimeout)
	}
	return nil
}

// remind posts a reminder on stale issues and marks them for timeout.
func (s *Sweeper) remind(ctx context.Context, repo types.Repository, awaiting status.Status, after time.Duration, text string) error {
	q := github.Query{
		Terms: append(s.baseTerms(repo), "label:"+string(awaiting), "-label:"+status.TimeoutPending),
		Sort:  "updated",
		Order: "asc",
	}
	now := s.now()
	for issue, err := range s.store.Search(ctx, q) {
		if err != nil {
			return err
		}
		if now.Sub(issue.UpdatedAt) < after {
			break
		}
		slog.Info("Posting reminder", "component", "triage", "pr", issue.Ref(), "status", awaiting)
		if err := s.store.PostComment(ctx, issue, text); err != nil {
			return err
		}
		if err := s.store.AddLabels(ctx, issue, []string{status.TimeoutPending}); err != nil {
			return err
		}
		s.metrics.RecordAction(s.installation, ActionReminder)
	}
	return nil
}

// assign requests a reviewer for every issue waiting in from, oldest first.
func (s *Sweeper) assign(ctx context.Context, repo types.Repository, from, to status.Status, needMerge bool) error {
	q := github.Query{
		Terms: append(s.baseTerms(repo), "label:"+string(from)),
		Sort:  "created",
		Order: "asc",
	}
	for issue, err := range s.store.Search(ctx, q) {
		if err != nil {
			return err
		}
		reviewer, ok := s.pool.Select(ctx, s.store, issue, needMerge)
		if !ok {
			slog.Info("No reviewer found, leaving for next sweep", "component", "triage", "pr", issue.Ref(), "status", from)
			continue
		}
		if err := requestReview(ctx, s.store, issue, reviewer); err != nil {
			return err
		}
		if _, err := status.Set(ctx, s.store, issue, to); err != nil {
			return err
		}
		s.metrics.RecordAction(s.installation, ActionAssignment)
	}
	return nil
}

// requestReview asks login for a review, falling back to an @-mention when
// GitHub refuses a formal request.
func requestReview(ctx context.Context, store github.IssueStore, issue *types.Issue, login string) error {
	err := store.RequestReviewer(ctx, issue, login)
	if err == nil {
		return nil
	}
	if !errors.Is(err, github.ErrPermissionDenied) {
		return err
	}
	slog.Info("Review request refused, mentioning instead", "component", "triage", "pr", issue.Ref(), "reviewer", login)
	return store.PostComment(ctx, issue, mentionText(login))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
