package github

import (
	"context"
	"errors"
	"log/slog"

	"github.com/codeGROOVE-dev/retry"
	gogithub "github.com/google/go-github/v71/github"
)

// retryOnRateLimit runs fn until it stops failing with a GitHub rate limit
// error. There is no attempt ceiling: the limit resets on a fixed cadence, so
// the bot waits it out. Any other error is returned immediately.
func (c *Client) retryOnRateLimit(ctx context.Context, operation string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(c.rateLimitWait),
		retry.MaxDelay(c.rateLimitWait),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Rate limited by GitHub, waiting",
				"component", "github",
				"operation", operation,
				"attempt", n+1,
				"wait", c.rateLimitWait,
				"error", err)
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRateLimited),
	)
}

// isRateLimited reports whether err is a primary or secondary GitHub rate limit.
func isRateLimited(err error) bool {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *gogithub.AbuseRateLimitError
	return errors.As(err, &abuseErr)
}
