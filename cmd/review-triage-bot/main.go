// Package main implements a GitHub App bot that keeps opted-in pull requests
// moving through review: it tracks a status label on each, assigns reviewers
// and mergers from a configured team, and reminds or times out stalled reviews.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/review-triage/pkg/triage"
)

// options holds flag values shared by the subcommands.
type options struct {
	logLevel     string
	teamPath     string
	stateDB      string
	botName      string
	optInLabel   string
	appID        string
	appKeyPath   string
	token        string
	repos        []string
	minDelay     time.Duration
	maxDelay     time.Duration
	installation int64
	port         int
	logJSON      bool
	sprinkler    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop is called explicitly above
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "review-triage-bot",
		Short:         "Triage pull request reviews with status labels",
		Long:          "A GitHub App that keeps every opted-in pull request in exactly one review status, assigns reviewers and mergers from a team file, and reminds or times out stalled reviews.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return setupLogging(opts.logLevel, opts.logJSON)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	pf.BoolVar(&opts.logJSON, "log-json", true, "Output logs in JSON format")
	pf.StringVar(&opts.teamPath, "team", "team.yaml", "Path to the reviewer team file")
	pf.StringVar(&opts.stateDB, "state-db", "", "Path to a sqlite database for reviewer holds (optional)")
	pf.StringVar(&opts.optInLabel, "opt-in-label", "marvin", "Label marking pull requests handled by the bot")
	pf.StringVar(&opts.appID, "app-id", "", "GitHub App ID (default: $GITHUB_APP_ID)")
	pf.StringVar(&opts.appKeyPath, "app-key-path", "", "Path to the GitHub App private key (default: $GITHUB_APP_KEY_PATH)")

	root.AddCommand(newServeCmd(opts), newSweepCmd(opts))
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhooks and run triage sweeps for every installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.port, "port", envInt("PORT", 8080), "HTTP port")
	f.StringVar(&opts.botName, "bot-name", envString("BOT_NAME", "marvin-mk2"), "Login of the bot, whose own comments are ignored")
	f.DurationVar(&opts.minDelay, "min-delay", triage.DefaultMinDelay, "Minimum time between sweep starts of one installation")
	f.DurationVar(&opts.maxDelay, "max-delay", triage.DefaultMaxDelay, "Maximum wait between sweeps of one installation")
	f.BoolVar(&opts.sprinkler, "sprinkler", false, "Subscribe to real-time pull request events to sweep sooner")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single triage sweep and exit",
		Long:  "Runs one sweep either as an app installation (--installation) or with a personal token over explicit repositories (--repo).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&opts.installation, "installation", 0, "App installation to sweep")
	f.StringSliceVar(&opts.repos, "repo", nil, "Repository to sweep (owner/name), repeatable")
	f.StringVar(&opts.token, "token", os.Getenv("GITHUB_TOKEN"), "Personal access token (default: gh auth token)")
	return cmd
}

func setupLogging(level string, json bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if json {
		handler = slog.NewJSONHandler(os.Stdout, hopts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
