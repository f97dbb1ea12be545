// Package team holds the reviewer pool and the random, availability-aware
// reviewer selection used when assigning pull requests.
package team

import (
	"context"
	"iter"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Source is the remote state availability predicates may consult.
type Source interface {
	Search(ctx context.Context, q github.Query) iter.Seq2[*types.Issue, error]
	SharedText(ctx context.Context, id string) (string, error)
}

// Predicate decides whether a candidate may receive another request right now.
type Predicate interface {
	Available(ctx context.Context, src Source, login string, now time.Time) (bool, error)
}

// Candidate is one configured reviewer. A candidate without predicates is always available.
type Candidate struct {
	Name       string
	Predicates []Predicate
	CanMerge   bool
}

// Available evaluates every predicate in order, stopping at the first refusal.
func (c *Candidate) Available(ctx context.Context, src Source, now time.Time) (bool, error) {
	for _, p := range c.Predicates {
		ok, err := p.Available(ctx, src, c.Name, now)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Pool is the fixed set of candidates shared by every installation.
type Pool struct {
	now        func() time.Time
	shuffle    func([]*Candidate)
	candidates []*Candidate
}

// NewPool creates a pool over the given candidates.
func NewPool(candidates ...*Candidate) *Pool {
	return &Pool{
		candidates: candidates,
		now:        time.Now,
		shuffle: func(cs []*Candidate) {
			rand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
		},
	}
}

// Candidates returns the configured candidates in registration order.
func (p *Pool) Candidates() []*Candidate {
	return slices.Clone(p.candidates)
}

// Select picks a random available candidate whose merge permission matches
// needMerge and who is not the issue author. It reports false when nobody qualifies.
// A predicate that fails with an error counts as unavailable.
func (p *Pool) Select(ctx context.Context, src Source, issue *types.Issue, needMerge bool) (string, bool) {
	eligible := make([]*Candidate, 0, len(p.candidates))
	for _, c := range p.candidates {
		if c.CanMerge != needMerge || strings.EqualFold(c.Name, issue.Author) {
			continue
		}
		eligible = append(eligible, c)
	}
	p.shuffle(eligible)

	now := p.now()
	for _, c := range eligible {
		ok, err := c.Available(ctx, src, now)
		if err != nil {
			slog.Warn("Availability check failed, skipping candidate",
				"component", "team",
				"candidate", c.Name,
				"pr", issue.Ref(),
				"error", err)
			continue
		}
		if ok {
			slog.Info("Selected reviewer", "component", "team", "candidate", c.Name, "pr", issue.Ref(), "merge", needMerge)
			return c.Name, true
		}
		slog.Debug("Candidate unavailable", "component", "team", "candidate", c.Name, "pr", issue.Ref())
	}

	slog.Info("No available reviewer", "component", "team", "pr", issue.Ref(), "merge", needMerge, "eligible", len(eligible))
	return "", false
}
