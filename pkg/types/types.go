// Package types contains shared data structures used across the triage system.
//
//nolint:revive // "types" is a standard Go package name for shared data structures
package types

import (
	"fmt"
	"slices"
	"time"
)

// Issue is a point-in-time snapshot of a GitHub issue or pull request.
// It is never cached across sweeps.
type Issue struct {
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Owner         string
	Repo          string
	Title         string
	URL           string
	Author        string
	Labels        []string
	Number        int
	Open          bool
	IsPullRequest bool
}

// HasLabel reports whether the issue carries the named label.
func (i *Issue) HasLabel(name string) bool {
	return slices.Contains(i.Labels, name)
}

// Ref returns the short owner/repo#number form used in logs.
func (i *Issue) Ref() string {
	return fmt.Sprintf("%s/%s#%d", i.Owner, i.Repo, i.Number)
}

// Repository identifies a repository visible to an installation.
type Repository struct {
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}
