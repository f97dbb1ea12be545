package team

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
)

// searchTimeLayout is the timestamp format used in search qualifiers.
const searchTimeLayout = "2006-01-02T15:04:05+00:00"

// HoldKey identifies one listing of a candidate. A person listed both as
// reviewer and as merger has two independent holds.
type HoldKey struct {
	Login    string
	Window   time.Duration
	Limit    int
	CanMerge bool
}

// HoldStore persists the time until which a candidate listing is known to be at its limit.
type HoldStore interface {
	Hold(ctx context.Context, key HoldKey) (time.Time, error)
	SetHold(ctx context.Context, key HoldKey, until time.Time) error
}

// ActivityLimit refuses a candidate who is already involved in Limit pull
// requests with activity inside the trailing Window. Only refusals are cached:
// the refusal lasts until the Limit-th most recent item leaves the window.
type ActivityLimit struct {
	until  time.Time
	Holds  HoldStore
	Scope  []string
	Window time.Duration
	Limit  int
	mu     sync.Mutex
	loaded bool
	// CanMerge tells the reviewer and merger listings of one person apart in the hold store.
	CanMerge bool
}

// NewActivityLimit creates a limit of limit items per window.
func NewActivityLimit(window time.Duration, limit int, scope []string, holds HoldStore) *ActivityLimit {
	return &ActivityLimit{Window: window, Limit: limit, Scope: scope, Holds: holds}
}

// UnavailableUntil returns the cached refusal horizon.
func (a *ActivityLimit) UnavailableUntil() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.until
}

// Available implements Predicate. The lock is held across the search so
// concurrent sweeps never query the same candidate twice.
func (a *ActivityLimit) Available(ctx context.Context, src Source, login string, now time.Time) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.loadHold(ctx, login)
	if now.Before(a.until) {
		slog.Debug("Activity limit cached", "component", "team", "candidate", login, "until", a.until)
		return false, nil
	}

	start := now.Add(-a.Window).UTC().Format(searchTimeLayout)
	q := github.Query{
		Terms: append(slices.Clone(a.Scope),
			"involves:"+login,
			"updated:>="+start,
			"-merged:<"+start),
		Sort:  "updated",
		Order: "desc",
	}

	count := 0
	for issue, err := range src.Search(ctx, q) {
		if err != nil {
			return false, fmt.Errorf("activity search for %s: %w", login, err)
		}
		count++
		if count >= a.Limit {
			a.advance(ctx, login, issue.UpdatedAt.Add(a.Window))
			slog.Info("Activity limit reached",
				"component", "team",
				"candidate", login,
				"limit", a.Limit,
				"window", a.Window,
				"until", a.until)
			return false, nil
		}
	}
	return true, nil
}

func (a *ActivityLimit) holdKey(login string) HoldKey {
	return HoldKey{Login: login, Window: a.Window, Limit: a.Limit, CanMerge: a.CanMerge}
}

// advance moves the refusal horizon forward, never back.
func (a *ActivityLimit) advance(ctx context.Context, login string, until time.Time) {
	if !until.After(a.until) {
		return
	}
	a.until = until
	if a.Holds == nil {
		return
	}
	if err := a.Holds.SetHold(ctx, a.holdKey(login), until); err != nil {
		slog.Warn("Failed to persist activity hold", "component", "team", "candidate", login, "error", err)
	}
}

// loadHold reads a persisted horizon once per process.
func (a *ActivityLimit) loadHold(ctx context.Context, login string) {
	if a.loaded || a.Holds == nil {
		return
	}
	until, err := a.Holds.Hold(ctx, a.holdKey(login))
	if err != nil {
		slog.Warn("Failed to load activity hold", "component", "team", "candidate", login, "error", err)
		return
	}
	a.loaded = true
	if until.After(a.until) {
		a.until = until
	}
}

// enabledToken is the exact document content that keeps a candidate in rotation.
const enabledToken = "enable"

// KillSwitch defers availability to an operator-editable shared document.
type KillSwitch struct {
	DocumentID string
}

// Available implements Predicate.
func (k KillSwitch) Available(ctx context.Context, src Source, login string, _ time.Time) (bool, error) {
	text, err := src.SharedText(ctx, k.DocumentID)
	if err != nil {
		return false, fmt.Errorf("kill switch %s: %w", k.DocumentID, err)
	}
	enabled := strings.TrimSpace(text) == enabledToken
	if !enabled {
		slog.Debug("Candidate switched off", "component", "team", "candidate", login, "document", k.DocumentID)
	}
	return enabled, nil
}
