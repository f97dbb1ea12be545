package github

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	gogithub "github.com/google/go-github/v71/github"

	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Search runs an issue search and yields results lazily, fetching further
// pages only as the caller keeps iterating. Each page request waits on the
// search rate limiter. A failure is yielded once and ends the sequence.
func (c *Client) Search(ctx context.Context, q Query) iter.Seq2[*types.Issue, error] {
	return func(yield func(*types.Issue, error) bool) {
		opts := &gogithub.SearchOptions{
			Sort:        q.Sort,
			Order:       q.Order,
			ListOptions: gogithub.ListOptions{PerPage: perPage},
		}
		for {
			var result *gogithub.IssuesSearchResult
			var resp *gogithub.Response
			err := c.retryOnRateLimit(ctx, "search", func() error {
				if err := c.search.Wait(ctx); err != nil {
					return err
				}
				var err error
				result, resp, err = c.gh.Search.Issues(ctx, q.String(), opts)
				return err
			})
			if err != nil {
				yield(nil, fmt.Errorf("search %q: %w", q.String(), err))
				return
			}

			slog.Debug("Search page fetched",
				"component", "github",
				"query", q.String(),
				"page", opts.Page,
				"total", result.GetTotal(),
				"items", len(result.Issues))

			for _, issue := range result.Issues {
				if !yield(convertIssue(issue), nil) {
					return
				}
			}
			if resp.NextPage == 0 {
				return
			}
			opts.Page = resp.NextPage
		}
	}
}
