package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/store"
	"github.com/codeGROOVE-dev/review-triage/pkg/team"
)

// loadSecret reads a secret from the environment variable key, or from the
// file named by fileKey.
func loadSecret(key, fileKey string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	if path, ok := os.LookupEnv(fileKey); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", fileKey, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("you need to set either %s or %s", key, fileKey)
}

// newApp resolves GitHub App credentials from flags, then the environment.
func newApp(opts *options) (*github.App, error) {
	appID := opts.appID
	if appID == "" {
		id, err := loadSecret("GITHUB_APP_ID", "GITHUB_APP_ID_FILE")
		if err != nil {
			return nil, err
		}
		appID = id
	}

	cfg := github.AppConfig{AppID: appID, KeyPath: opts.appKeyPath}
	if cfg.KeyPath == "" {
		if key := os.Getenv("GITHUB_APP_KEY"); key != "" {
			cfg.PrivateKey = []byte(key)
		} else {
			cfg.KeyPath = os.Getenv("GITHUB_APP_KEY_PATH")
		}
	}
	if cfg.KeyPath == "" && len(cfg.PrivateKey) == 0 {
		return nil, errors.New("you need to set either GITHUB_APP_KEY or GITHUB_APP_KEY_PATH")
	}
	return github.NewApp(cfg)
}

// loadPool loads the team file, backing activity holds with the state
// database when one is configured. The returned function releases the database.
func loadPool(ctx context.Context, opts *options) (*team.Pool, func(), error) {
	var holds team.HoldStore
	closeFn := func() {}

	if opts.stateDB != "" {
		h, err := store.Open(opts.stateDB)
		if err != nil {
			return nil, nil, err
		}
		if n, err := h.Prune(ctx, time.Now()); err != nil {
			slog.Warn("Failed to prune expired holds", "error", err)
		} else if n > 0 {
			slog.Info("Pruned expired holds", "count", n)
		}
		holds = h
		closeFn = func() {
			if err := h.Close(); err != nil {
				slog.Warn("Failed to close state database", "error", err)
			}
		}
	}

	pool, err := team.Load(opts.teamPath, holds)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	slog.Info("Loaded reviewer team", "path", opts.teamPath, "candidates", len(pool.Candidates()))
	return pool, closeFn, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer environment variable", "key", key, "value", v)
		return fallback
	}
	return n
}
