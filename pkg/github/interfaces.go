package github

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// ErrPermissionDenied is returned by RequestReviewer when GitHub refuses the
// request, typically because the login is not a collaborator on the repository.
var ErrPermissionDenied = errors.New("review request not permitted")

// Query is an issue search: space-joined qualifiers plus a sort key.
type Query struct {
	Sort  string // "created", "updated", or empty for best match
	Order string // "asc" or "desc"
	Terms []string
}

// String renders the qualifiers in GitHub search syntax.
func (q Query) String() string {
	return strings.Join(q.Terms, " ")
}

// IssueStore defines the GitHub operations the triage engine depends on.
//
//nolint:interfacebloat // mirrors the remote API surface the bot uses
type IssueStore interface {
	// Label operations
	Labels(ctx context.Context, issue *types.Issue) ([]string, error)
	AddLabels(ctx context.Context, issue *types.Issue, names []string) error
	RemoveLabel(ctx context.Context, issue *types.Issue, name string) error

	// Conversation operations
	PostComment(ctx context.Context, issue *types.Issue, body string) error
	RequestReviewer(ctx context.Context, issue *types.Issue, login string) error

	// Lookups
	Search(ctx context.Context, q Query) iter.Seq2[*types.Issue, error]
	SharedText(ctx context.Context, id string) (string, error)
	Repositories(ctx context.Context) ([]types.Repository, error)
	Issue(ctx context.Context, owner, repo string, number int) (*types.Issue, error)
}
