// Package status implements the mutually exclusive review status labels.
package status

import (
	"context"
	"fmt"
	"slices"

	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Status is one of the review pipeline states, stored on GitHub as a label.
type Status string

// Review statuses.
const (
	NeedsReviewer    Status = "needs_reviewer"
	AwaitingReviewer Status = "awaiting_reviewer"
	AwaitingChanges  Status = "awaiting_changes"
	NeedsMerger      Status = "needs_merger"
	AwaitingMerger   Status = "awaiting_merger"
)

// TimeoutPending marks an issue that has been reminded and will be demoted
// if nothing happens. Any status transition clears it.
const TimeoutPending = "timeout_pending"

// All lists every status in pipeline order.
var All = []Status{NeedsReviewer, AwaitingReviewer, AwaitingChanges, NeedsMerger, AwaitingMerger}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	return slices.Contains(All, s)
}

func (s Status) String() string {
	return string(s)
}

// Parse converts a label or command argument into a Status.
func Parse(name string) (Status, bool) {
	s := Status(name)
	return s, s.Valid()
}

// Of returns the status currently present in labels. When an issue is
// inconsistent and carries several, the first in pipeline order wins.
func Of(labels []string) (Status, bool) {
	for _, s := range All {
		if slices.Contains(labels, string(s)) {
			return s, true
		}
	}
	return "", false
}

// Changes is the set of label mutations needed to reach a status.
type Changes struct {
	Add    []string
	Remove []string
}

// Empty reports whether no remote mutation is needed.
func (c Changes) Empty() bool {
	return len(c.Add) == 0 && len(c.Remove) == 0
}

// Change computes the mutations that leave exactly target as the status label.
// It panics if target is not a defined status.
func Change(labels []string, target Status) Changes {
	if !target.Valid() {
		panic(fmt.Sprintf("status: invalid target %q", string(target)))
	}
	var c Changes
	for _, s := range All {
		if s != target && slices.Contains(labels, string(s)) {
			c.Remove = append(c.Remove, string(s))
		}
	}
	if slices.Contains(labels, TimeoutPending) {
		c.Remove = append(c.Remove, TimeoutPending)
	}
	if !slices.Contains(labels, string(target)) {
		c.Add = append(c.Add, string(target))
	}
	return c
}

// Labeler is the subset of the issue store needed to mutate labels.
type Labeler interface {
	AddLabels(ctx context.Context, issue *types.Issue, names []string) error
	RemoveLabel(ctx context.Context, issue *types.Issue, name string) error
}

// Set applies target to the issue and updates issue.Labels to match.
// A second call with the same target performs no remote mutation.
func Set(ctx context.Context, l Labeler, issue *types.Issue, target Status) (Changes, error) {
	c := Change(issue.Labels, target)
	for _, name := range c.Remove {
		if err := l.RemoveLabel(ctx, issue, name); err != nil {
			return c, fmt.Errorf("remove label %s from %s: %w", name, issue.Ref(), err)
		}
		issue.Labels = slices.DeleteFunc(issue.Labels, func(label string) bool { return label == name })
	}
	if len(c.Add) > 0 {
		if err := l.AddLabels(ctx, issue, c.Add); err != nil {
			return c, fmt.Errorf("add labels %v to %s: %w", c.Add, issue.Ref(), err)
		}
		issue.Labels = append(issue.Labels, c.Add...)
	}
	return c, nil
}
