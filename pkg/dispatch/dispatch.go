// Package dispatch routes GitHub webhook events to status changes, commands
// and early sweep requests.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gogithub "github.com/google/go-github/v71/github"

	"github.com/codeGROOVE-dev/review-triage/pkg/command"
	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/status"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Registry gives access to per-installation state.
type Registry interface {
	Store(installation int64) (github.IssueStore, error)
	RequestSweepSoon(installation int64) bool
}

// Config configures a Handler.
type Config struct {
	BotName    string
	OptInLabel string
}

// Handler reacts to webhook events.
type Handler struct {
	registry Registry
	cfg      Config
}

// New creates a handler.
func New(registry Registry, cfg Config) *Handler {
	return &Handler{registry: registry, cfg: cfg}
}

// event is the part of a webhook payload the handler acts on.
type event struct {
	issue  *types.Issue
	name   string // webhook event type
	action string
	actor  string // author of the comment, review or pull request text
	body   string
	review string // review state, lower case
	// comment is true for events carrying user-written text that may contain commands.
	comment      bool
	installation int64
}

func (e *event) byAuthor() bool {
	return strings.EqualFold(e.actor, e.issue.Author)
}

// Handle processes one parsed webhook payload, as returned by go-github's ParseWebHook.
// Unsupported events are ignored.
func (h *Handler) Handle(ctx context.Context, payload any) error {
	ev, ok := normalize(payload)
	if !ok || ev.installation == 0 {
		return nil
	}

	store, err := h.registry.Store(ev.installation)
	if err != nil {
		return fmt.Errorf("installation %d: %w", ev.installation, err)
	}

	log := slog.With("component", "dispatch",
		"installation", ev.installation,
		"event", ev.name,
		"action", ev.action,
		"pr", ev.issue.Ref())

	if ev.comment && h.isBot(ev.actor) {
		log.Debug("Ignoring own comment")
		return nil
	}

	if !ev.issue.HasLabel(h.cfg.OptInLabel) {
		if !ev.comment || !ev.byAuthor() || !command.HasOptIn(ev.body) {
			log.Debug("Ignoring event for pull request that has not opted in")
			return nil
		}
		if err := h.optIn(ctx, store, ev.issue); err != nil {
			return err
		}
		log.Info("Pull request opted in", "author", ev.issue.Author)
	}

	h.refresh(ctx, log, store, ev.issue)
	if !ev.issue.Open {
		log.Debug("Ignoring event for closed pull request")
		return nil
	}

	if ev.comment {
		if cmd, ok := command.First(ev.body); ok {
			log.Info("Handling command", "command", cmd.String(), "actor", ev.actor)
			return h.runCommand(ctx, store, ev, cmd)
		}
	}
	return h.implicit(ctx, log, store, ev)
}

func (h *Handler) isBot(login string) bool {
	return login != "" && (strings.EqualFold(login, h.cfg.BotName) || strings.EqualFold(login, h.cfg.BotName+"[bot]"))
}

// refresh replaces the payload's labels and state with the current ones,
// since deliveries can lag behind label changes made by sweeps or earlier events.
// On failure the payload snapshot is kept.
func (h *Handler) refresh(ctx context.Context, log *slog.Logger, store github.IssueStore, issue *types.Issue) {
	fresh, err := store.Issue(ctx, issue.Owner, issue.Repo, issue.Number)
	if err != nil {
		log.Warn("Could not refresh pull request, using webhook snapshot", "error", err)
		return
	}
	issue.Labels = fresh.Labels
	issue.Open = fresh.Open
}

func (h *Handler) optIn(ctx context.Context, store github.IssueStore, issue *types.Issue) error {
	if err := store.AddLabels(ctx, issue, []string{h.cfg.OptInLabel}); err != nil {
		return fmt.Errorf("opt in %s: %w", issue.Ref(), err)
	}
	issue.Labels = append(issue.Labels, h.cfg.OptInLabel)
	if err := store.PostComment(ctx, issue, greetingText); err != nil {
		return fmt.Errorf("greet %s: %w", issue.Ref(), err)
	}
	return nil
}

func (h *Handler) runCommand(ctx context.Context, store github.IssueStore, ev *event, cmd command.Command) error {
	switch cmd.Name {
	case command.Status:
		target, _ := status.Parse(cmd.Arg)
		if (target == status.NeedsMerger || target == status.AwaitingMerger) && ev.byAuthor() {
			if err := store.PostComment(ctx, ev.issue, noSelfReviewText); err != nil {
				return fmt.Errorf("refuse %s on %s: %w", cmd, ev.issue.Ref(), err)
			}
			return nil
		}
		return h.setStatus(ctx, store, ev, target)
	case command.Marvin:
		if cmd.Arg == command.Triage {
			h.registry.RequestSweepSoon(ev.installation)
		}
	}
	return nil
}

// implicit applies the status transitions implied by events without a command.
func (h *Handler) implicit(ctx context.Context, log *slog.Logger, store github.IssueStore, ev *event) error {
	current, _ := status.Of(ev.issue.Labels)

	var target status.Status
	switch ev.name {
	case "pull_request":
		switch {
		case ev.action == "synchronize" && current == status.NeedsMerger:
			// A moved branch invalidates earlier approvals.
			target = status.AwaitingReviewer
		case ev.action == "ready_for_review":
			target = status.NeedsReviewer
		case (ev.action == "assigned" || ev.action == "review_requested") && current == status.NeedsReviewer:
			target = status.AwaitingReviewer
		}
	case "pull_request_review":
		switch {
		case ev.review == "changes_requested":
			target = status.AwaitingChanges
		case ev.review == "commented" && !ev.byAuthor():
			target = nonAuthorComment(current)
		}
	case "issue_comment", "pull_request_review_comment":
		if ev.byAuthor() {
			if current == status.AwaitingChanges {
				target = status.AwaitingReviewer
			}
		} else {
			target = nonAuthorComment(current)
		}
	}

	if target == "" || target == current {
		return nil
	}
	log.Info("Implicit status change", "from", current, "to", target)
	return h.setStatus(ctx, store, ev, target)
}

// nonAuthorComment maps the current status to the one implied by someone
// other than the author commenting.
func nonAuthorComment(current status.Status) status.Status {
	switch current {
	case status.NeedsReviewer:
		return status.AwaitingReviewer
	case status.AwaitingReviewer, status.AwaitingMerger:
		return status.AwaitingChanges
	default:
		return ""
	}
}

func (h *Handler) setStatus(ctx context.Context, store github.IssueStore, ev *event, target status.Status) error {
	if _, err := status.Set(ctx, store, ev.issue, target); err != nil {
		return err
	}
	if target == status.NeedsReviewer || target == status.NeedsMerger {
		h.registry.RequestSweepSoon(ev.installation)
	}
	return nil
}

// normalize extracts the handled events. It reports false for anything else.
func normalize(payload any) (*event, bool) {
	switch e := payload.(type) {
	case *gogithub.IssueCommentEvent:
		if e.GetAction() != "created" || e.Issue == nil || !e.Issue.IsPullRequest() {
			return nil, false
		}
		return &event{
			name:         "issue_comment",
			action:       e.GetAction(),
			installation: e.GetInstallation().GetID(),
			issue:        github.IssueFromEvent(e.GetRepo(), e.GetIssue()),
			actor:        e.GetComment().GetUser().GetLogin(),
			body:         e.GetComment().GetBody(),
			comment:      true,
		}, true

	case *gogithub.PullRequestReviewCommentEvent:
		if e.GetAction() != "created" || e.PullRequest == nil {
			return nil, false
		}
		return &event{
			name:         "pull_request_review_comment",
			action:       e.GetAction(),
			installation: e.GetInstallation().GetID(),
			issue:        github.PullRequestFromEvent(e.GetRepo(), e.GetPullRequest()),
			actor:        e.GetComment().GetUser().GetLogin(),
			body:         e.GetComment().GetBody(),
			comment:      true,
		}, true

	case *gogithub.PullRequestReviewEvent:
		if e.GetAction() != "submitted" || e.PullRequest == nil {
			return nil, false
		}
		return &event{
			name:         "pull_request_review",
			action:       e.GetAction(),
			installation: e.GetInstallation().GetID(),
			issue:        github.PullRequestFromEvent(e.GetRepo(), e.GetPullRequest()),
			actor:        e.GetReview().GetUser().GetLogin(),
			body:         e.GetReview().GetBody(),
			review:       strings.ToLower(e.GetReview().GetState()),
			comment:      true,
		}, true

	case *gogithub.PullRequestEvent:
		if e.PullRequest == nil {
			return nil, false
		}
		ev := &event{
			name:         "pull_request",
			action:       e.GetAction(),
			installation: e.GetInstallation().GetID(),
			issue:        github.PullRequestFromEvent(e.GetRepo(), e.GetPullRequest()),
		}
		switch ev.action {
		case "opened":
			// The description of a new pull request is treated like a comment by its author.
			ev.actor = ev.issue.Author
			ev.body = e.GetPullRequest().GetBody()
			ev.comment = true
		case "synchronize", "ready_for_review", "assigned", "review_requested":
		default:
			return nil, false
		}
		return ev, true

	default:
		return nil, false
	}
}
