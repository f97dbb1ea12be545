// Package github provides the GitHub-backed issue store used by the triage bot.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v71/github"

	"github.com/codeGROOVE-dev/review-triage/pkg/cache"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Client defaults.
const (
	defaultRateLimitWait   = 60 * time.Second
	defaultSearchPerMinute = 30
	defaultSharedTextTTL   = time.Minute
	defaultHTTPTimeout     = 30 * time.Second
	perPage                = 100
)

// Config configures a Client.
type Config struct {
	// HTTPClient carries authentication. Nil means unauthenticated.
	HTTPClient *http.Client

	// Repositories pins the repositories swept for this client ("owner/name").
	// When empty they are listed from the app installation.
	Repositories []string

	// SharedTextTTL bounds how stale a kill switch read may be. Negative disables caching.
	SharedTextTTL time.Duration

	RateLimitWait   time.Duration
	SearchPerMinute int
}

// Client implements IssueStore on top of go-github.
type Client struct {
	gh            *gogithub.Client
	texts         *cache.Cache[string]
	search        *RateLimiter
	repos         []types.Repository
	rateLimitWait time.Duration
	textTTL       time.Duration
}

var _ IssueStore = (*Client)(nil)

// New creates a Client from cfg, filling unset fields with defaults.
func New(cfg Config) (*Client, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = defaultRateLimitWait
	}
	if cfg.SearchPerMinute <= 0 {
		cfg.SearchPerMinute = defaultSearchPerMinute
	}
	if cfg.SharedTextTTL == 0 {
		cfg.SharedTextTTL = defaultSharedTextTTL
	}

	repos := make([]types.Repository, 0, len(cfg.Repositories))
	for _, full := range cfg.Repositories {
		owner, name, ok := strings.Cut(full, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("invalid repository %q (want owner/name)", full)
		}
		repos = append(repos, types.Repository{Owner: owner, Name: name})
	}

	return &Client{
		gh:            gogithub.NewClient(cfg.HTTPClient),
		texts:         cache.New[string](cfg.SharedTextTTL),
		search:        NewRateLimiter(cfg.SearchPerMinute, time.Minute),
		repos:         repos,
		rateLimitWait: cfg.RateLimitWait,
		textTTL:       cfg.SharedTextTTL,
	}, nil
}

// Close releases background resources held by the client.
func (c *Client) Close() {
	c.texts.Close()
}

// Labels returns the current label names of an issue.
func (c *Client) Labels(ctx context.Context, issue *types.Issue) ([]string, error) {
	var names []string
	opts := &gogithub.ListOptions{PerPage: perPage}
	for {
		var labels []*gogithub.Label
		var resp *gogithub.Response
		err := c.retryOnRateLimit(ctx, "list labels", func() error {
			var err error
			labels, resp, err = c.gh.Issues.ListLabelsByIssue(ctx, issue.Owner, issue.Repo, issue.Number, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list labels for %s: %w", issue.Ref(), err)
		}
		for _, l := range labels {
			names = append(names, l.GetName())
		}
		if resp.NextPage == 0 {
			return names, nil
		}
		opts.Page = resp.NextPage
	}
}

// AddLabels adds labels to an issue. Adding a label that is already present is a no-op on GitHub.
func (c *Client) AddLabels(ctx context.Context, issue *types.Issue, names []string) error {
	slog.Info("Adding labels", "component", "github", "pr", issue.Ref(), "labels", names)
	return c.retryOnRateLimit(ctx, "add labels", func() error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, issue.Owner, issue.Repo, issue.Number, names)
		return err
	})
}

// RemoveLabel removes a label from an issue. A label that is already gone is not an error.
func (c *Client) RemoveLabel(ctx context.Context, issue *types.Issue, name string) error {
	slog.Info("Removing label", "component", "github", "pr", issue.Ref(), "label", name)
	return c.retryOnRateLimit(ctx, "remove label", func() error {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, issue.Owner, issue.Repo, issue.Number, name)
		if statusCode(err) == http.StatusNotFound {
			return nil
		}
		return err
	})
}

// PostComment creates an issue comment.
func (c *Client) PostComment(ctx context.Context, issue *types.Issue, body string) error {
	slog.Info("Posting comment", "component", "github", "pr", issue.Ref())
	return c.retryOnRateLimit(ctx, "post comment", func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, issue.Owner, issue.Repo, issue.Number,
			&gogithub.IssueComment{Body: gogithub.Ptr(body)})
		return err
	})
}

// RequestReviewer requests a review from login. GitHub answers 422 when the
// login cannot be requested; that is reported as ErrPermissionDenied.
func (c *Client) RequestReviewer(ctx context.Context, issue *types.Issue, login string) error {
	slog.Info("Requesting review", "component", "github", "pr", issue.Ref(), "reviewer", login)
	err := c.retryOnRateLimit(ctx, "request reviewer", func() error {
		_, _, err := c.gh.PullRequests.RequestReviewers(ctx, issue.Owner, issue.Repo, issue.Number,
			gogithub.ReviewersRequest{Reviewers: []string{login}})
		return err
	})
	if statusCode(err) == http.StatusUnprocessableEntity {
		return fmt.Errorf("request %s on %s: %w: %w", login, issue.Ref(), ErrPermissionDenied, err)
	}
	return err
}

// SharedText returns the raw content of a single-file gist (the first file by
// name if there are several), cached for the configured TTL.
func (c *Client) SharedText(ctx context.Context, id string) (string, error) {
	if s, ok := c.texts.Get(id); ok {
		return s, nil
	}

	var gist *gogithub.Gist
	err := c.retryOnRateLimit(ctx, "get gist", func() error {
		var err error
		gist, _, err = c.gh.Gists.Get(ctx, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get gist %s: %w", id, err)
	}

	names := make([]string, 0, len(gist.Files))
	for name := range gist.Files {
		names = append(names, string(name))
	}
	if len(names) == 0 {
		return "", fmt.Errorf("gist %s has no files", id)
	}
	slices.Sort(names)
	file := gist.Files[gogithub.GistFilename(names[0])]
	content := file.GetContent()

	if c.textTTL > 0 {
		c.texts.Set(id, content)
	}
	return content, nil
}

// Repositories lists the repositories to sweep.
func (c *Client) Repositories(ctx context.Context) ([]types.Repository, error) {
	if len(c.repos) > 0 {
		return slices.Clone(c.repos), nil
	}

	var repos []types.Repository
	opts := &gogithub.ListOptions{PerPage: perPage}
	for {
		var list *gogithub.ListRepositories
		var resp *gogithub.Response
		err := c.retryOnRateLimit(ctx, "list repositories", func() error {
			var err error
			list, resp, err = c.gh.Apps.ListRepos(ctx, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list installation repositories: %w", err)
		}
		for _, r := range list.Repositories {
			repos = append(repos, types.Repository{Owner: r.GetOwner().GetLogin(), Name: r.GetName()})
		}
		if resp.NextPage == 0 {
			return repos, nil
		}
		opts.Page = resp.NextPage
	}
}

// Issue fetches a fresh snapshot of one issue or pull request.
func (c *Client) Issue(ctx context.Context, owner, repo string, number int) (*types.Issue, error) {
	var issue *gogithub.Issue
	err := c.retryOnRateLimit(ctx, "get issue", func() error {
		var err error
		issue, _, err = c.gh.Issues.Get(ctx, owner, repo, number)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s#%d: %w", owner, repo, number, err)
	}
	out := convertIssue(issue)
	if out.Owner == "" {
		out.Owner, out.Repo = owner, repo
	}
	return out, nil
}

// convertIssue maps a go-github issue onto the snapshot type. Owner and
// repository come from the API repository URL, which search results always carry.
func convertIssue(i *gogithub.Issue) *types.Issue {
	out := &types.Issue{
		Number:        i.GetNumber(),
		Title:         i.GetTitle(),
		URL:           i.GetHTMLURL(),
		Author:        i.GetUser().GetLogin(),
		CreatedAt:     i.GetCreatedAt().Time,
		UpdatedAt:     i.GetUpdatedAt().Time,
		Open:          i.GetState() == "open",
		IsPullRequest: i.IsPullRequest(),
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	out.Owner, out.Repo = splitRepositoryURL(i.GetRepositoryURL())
	return out
}

// splitRepositoryURL extracts owner and name from https://api.github.com/repos/{owner}/{name}.
func splitRepositoryURL(raw string) (owner, name string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-3] != "repos" {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// statusCode returns the HTTP status of a go-github error, or 0.
func statusCode(err error) int {
	var errResp *gogithub.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}
