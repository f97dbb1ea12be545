package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gogithub "github.com/google/go-github/v71/github"

	"github.com/codeGROOVE-dev/review-triage/pkg/dispatch"
	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/triage"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	// Sweeps triggered through the manual endpoint may take a while.
	manualSweepTimeout = 30 * time.Minute
)

// eventHandler processes parsed webhook payloads.
type eventHandler interface {
	Handle(ctx context.Context, payload any) error
}

// tenants is the part of the triage registry the HTTP endpoints use.
type tenants interface {
	RunSweepNow(ctx context.Context, installation int64) error
	Installations() []int64
	Metrics() *triage.MetricsCollector
}

// server holds the HTTP routes.
type server struct {
	handler  eventHandler
	tenants  tenants
	monitors func() []map[string]any
	secret   []byte
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.POST("/webhook", s.handleWebhook)
	r.GET("/_-_/health", s.handleHealth)
	r.POST("/_-_/triage/:installation", s.handleTriage)
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Review Triage Bot\n/_-_/health - Health status\n/_-_/triage/:installation - Run a sweep now\n")
	})
	return r
}

func (s *server) handleWebhook(c *gin.Context) {
	payload, err := gogithub.ValidatePayload(c.Request, s.secret)
	if err != nil {
		slog.Warn("Rejected webhook", "component", "server", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid payload"})
		return
	}
	kind := gogithub.WebHookType(c.Request)
	event, err := gogithub.ParseWebHook(kind, payload)
	if err != nil {
		slog.Warn("Unparseable webhook", "component", "server", "event", kind, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}

	if err := s.handler.Handle(c.Request.Context(), event); err != nil {
		slog.Error("Failed to handle webhook",
			"component", "server",
			"event", kind,
			"delivery", gogithub.DeliveryID(c.Request),
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "handling failed"})
		return
	}
	c.Status(http.StatusOK)
}

func (s *server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":        "ok",
		"registered":    s.tenants.Installations(),
		"installations": s.tenants.Metrics().Snapshot(),
	}
	if s.monitors != nil {
		body["sprinkler"] = s.monitors()
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) handleTriage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("installation"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "installation must be numeric"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), manualSweepTimeout)
	defer cancel()

	slog.Info("Manual sweep triggered", "component", "server", "installation", id)
	start := time.Now()
	err = s.tenants.RunSweepNow(ctx, id)
	switch {
	case errors.Is(err, triage.ErrUnknownInstallation):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "done", "duration": time.Since(start).Round(time.Millisecond).String()})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"component", "server",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
}

// runServe runs the webhook server and the per-installation schedulers until ctx ends.
func runServe(ctx context.Context, opts *options) error {
	secret, err := loadSecret("WEBHOOK_SECRET", "WEBHOOK_SECRET_FILE")
	if err != nil {
		return err
	}
	app, err := newApp(opts)
	if err != nil {
		return err
	}
	pool, closeHolds, err := loadPool(ctx, opts)
	if err != nil {
		return err
	}
	defer closeHolds()

	sweepCfg := triage.DefaultConfig()
	sweepCfg.OptInLabel = opts.optInLabel
	registry := triage.NewRegistry(ctx, triage.RegistryConfig{
		Factory: func(ctx context.Context, id int64) (github.IssueStore, error) {
			return app.InstallationClient(ctx, id, github.Config{})
		},
		Pool:     pool,
		Sweep:    sweepCfg,
		MinDelay: opts.minDelay,
		MaxDelay: opts.maxDelay,
	})

	srv := &server{
		handler: dispatch.New(registry, dispatch.Config{BotName: opts.botName, OptInLabel: opts.optInLabel}),
		tenants: registry,
		secret:  []byte(secret),
	}
	if opts.sprinkler {
		monitors, err := startSprinklers(ctx, app, registry)
		if err != nil {
			return err
		}
		srv.monitors = monitors.health
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server shutdown failed", "component", "server", "error", err)
		}
	}()

	slog.Info("Starting server", "component", "server", "port", opts.port, "bot", opts.botName)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("Server stopped", "component", "server")
	return nil
}

// runSweep runs one sweep, either as an installation or with a personal token.
func runSweep(ctx context.Context, opts *options) error {
	pool, closeHolds, err := loadPool(ctx, opts)
	if err != nil {
		return err
	}
	defer closeHolds()

	var client *github.Client
	if opts.installation != 0 {
		app, err := newApp(opts)
		if err != nil {
			return err
		}
		client, err = app.InstallationClient(ctx, opts.installation, github.Config{Repositories: opts.repos})
		if err != nil {
			return err
		}
	} else {
		if len(opts.repos) == 0 {
			return errors.New("--repo is required without --installation")
		}
		hc, err := github.NewTokenHTTPClient(ctx, opts.token)
		if err != nil {
			return err
		}
		client, err = github.New(github.Config{HTTPClient: hc, Repositories: opts.repos})
		if err != nil {
			return err
		}
	}
	defer client.Close()

	cfg := triage.DefaultConfig()
	cfg.OptInLabel = opts.optInLabel
	return triage.NewSweeper(opts.installation, client, pool, cfg, nil).Sweep(ctx)
}
