package github

import (
	gogithub "github.com/google/go-github/v71/github"

	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// IssueFromEvent converts the issue of a webhook payload.
// Owner and name come from the event's repository.
func IssueFromEvent(repo *gogithub.Repository, i *gogithub.Issue) *types.Issue {
	out := convertIssue(i)
	if repo != nil {
		out.Owner, out.Repo = repo.GetOwner().GetLogin(), repo.GetName()
	}
	return out
}

// PullRequestFromEvent converts the pull request of a webhook payload.
func PullRequestFromEvent(repo *gogithub.Repository, pr *gogithub.PullRequest) *types.Issue {
	out := &types.Issue{
		Owner:         repo.GetOwner().GetLogin(),
		Repo:          repo.GetName(),
		Number:        pr.GetNumber(),
		Title:         pr.GetTitle(),
		URL:           pr.GetHTMLURL(),
		Author:        pr.GetUser().GetLogin(),
		CreatedAt:     pr.GetCreatedAt().Time,
		UpdatedAt:     pr.GetUpdatedAt().Time,
		Open:          pr.GetState() == "open",
		IsPullRequest: true,
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
