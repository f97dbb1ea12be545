package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/codeGROOVE-dev/sprinkler/pkg/client"

	"github.com/codeGROOVE-dev/review-triage/pkg/dispatch"
	"github.com/codeGROOVE-dev/review-triage/pkg/github"
)

const (
	eventChannelSize     = 100
	eventDedupWindow     = 5 * time.Second
	eventMapMaxSize      = 1000
	eventMapCleanupAge   = time.Hour
	sprinklerMaxRetries  = 3
	sprinklerMaxDelay    = 10 * time.Second
	reconnectBackoff     = 30 * time.Second
	reconnectMaxBackoff  = 5 * time.Minute
	connectionHealthTick = 2 * time.Minute
)

// errClientExited makes the reconnect loop restart a client that stopped without an error.
var errClientExited = errors.New("sprinkler client exited")

// tokenFunc returns a token accepted by the sprinkler server.
type tokenFunc func() (string, error)

// sprinklerMonitor subscribes to pull request events of one installation's
// account and asks that installation's scheduler to sweep early.
type sprinklerMonitor struct {
	lastConnectedAt time.Time
	lastEventAt     time.Time
	registry        dispatch.Registry
	client          *client.Client
	cancel          context.CancelFunc
	token           tokenFunc
	eventChan       chan string
	lastEventMap    map[string]time.Time
	account         string
	installation    int64
	reconnects      int
	mu              sync.RWMutex
	isRunning       bool
	isConnected     bool
}

func newSprinklerMonitor(registry dispatch.Registry, inst github.Installation, token tokenFunc) *sprinklerMonitor {
	return &sprinklerMonitor{
		registry:     registry,
		account:      inst.Account,
		installation: inst.ID,
		token:        token,
		eventChan:    make(chan string, eventChannelSize),
		lastEventMap: make(map[string]time.Time),
	}
}

// monitorSet is the set of running monitors.
type monitorSet struct {
	monitors []*sprinklerMonitor
}

// startSprinklers starts one monitor per app installation.
func startSprinklers(ctx context.Context, app *github.App, registry dispatch.Registry) (*monitorSet, error) {
	installs, err := app.Installations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installations for sprinkler: %w", err)
	}

	set := &monitorSet{}
	for _, inst := range installs {
		ts := app.TokenSource(inst.ID)
		m := newSprinklerMonitor(registry, inst, func() (string, error) {
			tok, err := ts.Token()
			if err != nil {
				return "", fmt.Errorf("failed to get token: %w", err)
			}
			return tok.AccessToken, nil
		})
		m.start(ctx)
		set.monitors = append(set.monitors, m)
	}
	go func() {
		<-ctx.Done()
		for _, m := range set.monitors {
			m.stop()
		}
	}()
	return set, nil
}

func (s *monitorSet) health() []map[string]any {
	out := make([]map[string]any, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.healthStatus())
	}
	return out
}

func (sm *sprinklerMonitor) start(ctx context.Context) {
	sm.mu.Lock()
	if sm.isRunning {
		sm.mu.Unlock()
		return
	}
	ctx, sm.cancel = context.WithCancel(ctx)
	sm.isRunning = true
	sm.mu.Unlock()

	slog.Info("Starting event monitor", "component", "sprinkler", "account", sm.account, "installation", sm.installation)
	go sm.processEvents(ctx)
	go sm.manageConnection(ctx)
	go sm.monitorHealth(ctx)
}

// manageConnection keeps a client running, restarting it with backoff
// whenever it gives up or exits.
func (sm *sprinklerMonitor) manageConnection(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Connection manager panic", "component", "sprinkler", "account", sm.account, "panic", r)
		}
	}()

	err := retry.Do(
		func() error {
			if err := sm.connect(ctx); err != nil {
				return err
			}
			return errClientExited
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(reconnectBackoff),
		retry.MaxDelay(reconnectMaxBackoff),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			sm.mu.Lock()
			sm.reconnects = int(n) + 1
			sm.mu.Unlock()
			slog.Warn("Sprinkler client stopped, restarting after backoff",
				"component", "sprinkler",
				"account", sm.account,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil && ctx.Err() == nil {
		slog.Error("Sprinkler connection manager gave up", "component", "sprinkler", "account", sm.account, "error", err)
	}
}

// connect runs one sprinkler client until it stops.
func (sm *sprinklerMonitor) connect(ctx context.Context) error {
	wsClient, err := client.New(client.Config{
		ServerURL:     "wss://" + client.DefaultServerAddress + "/ws",
		Organization:  sm.account,
		TokenProvider: sm.token,
		EventTypes:    []string{"pull_request"},
		OnConnect: func() {
			sm.mu.Lock()
			sm.isConnected = true
			sm.lastConnectedAt = time.Now()
			sm.mu.Unlock()
			slog.Info("WebSocket connected", "component", "sprinkler", "account", sm.account)
		},
		OnDisconnect: func(err error) {
			sm.mu.Lock()
			wasConnected := sm.isConnected
			sm.isConnected = false
			sm.mu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) && wasConnected {
				slog.Warn("WebSocket disconnected", "component", "sprinkler", "account", sm.account, "error", err)
			}
		},
		OnEvent: sm.handleEvent,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	sm.mu.Lock()
	sm.client = wsClient
	sm.mu.Unlock()

	started := time.Now()
	err = wsClient.Start(ctx)
	slog.Info("WebSocket client stopped",
		"component", "sprinkler",
		"account", sm.account,
		"uptime", time.Since(started).Round(time.Second),
		"error", err)
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (sm *sprinklerMonitor) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(connectionHealthTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.mu.RLock()
			connected, since := sm.isConnected, sm.lastConnectedAt
			sm.mu.RUnlock()
			if connected {
				slog.Debug("Sprinkler connected", "component", "sprinkler", "account", sm.account,
					"connected_for", time.Since(since).Round(time.Second))
			} else {
				slog.Warn("Sprinkler not connected", "component", "sprinkler", "account", sm.account)
			}
		}
	}
}

// handleEvent queues pull request events for the monitor's account,
// dropping repeats of the same URL within the dedup window.
func (sm *sprinklerMonitor) handleEvent(event client.Event) {
	if event.Type != "pull_request" || event.URL == "" {
		return
	}
	ref, err := parsePRURL(event.URL)
	if err != nil {
		slog.Warn("Ignoring event with unexpected URL", "component", "sprinkler", "url", event.URL)
		return
	}
	if !strings.EqualFold(ref.owner, sm.account) {
		slog.Debug("Ignoring event for different account", "component", "sprinkler", "event_owner", ref.owner, "account", sm.account)
		return
	}

	now := time.Now()
	sm.mu.Lock()
	if last, ok := sm.lastEventMap[event.URL]; ok && now.Sub(last) < eventDedupWindow {
		sm.mu.Unlock()
		return
	}
	sm.lastEventMap[event.URL] = now
	sm.lastEventAt = now
	if len(sm.lastEventMap) > eventMapMaxSize {
		cutoff := now.Add(-eventMapCleanupAge)
		for url, ts := range sm.lastEventMap {
			if ts.Before(cutoff) {
				delete(sm.lastEventMap, url)
			}
		}
	}
	sm.mu.Unlock()

	select {
	case sm.eventChan <- event.URL:
	default:
		slog.Warn("Event channel full, dropping event", "component", "sprinkler", "url", event.URL)
	}
}

func (sm *sprinklerMonitor) processEvents(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event processor panic", "component", "sprinkler", "account", sm.account, "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case url := <-sm.eventChan:
			sm.processEvent(ctx, url)
		}
	}
}

// processEvent makes sure the installation has a running scheduler and asks it to sweep soon.
func (sm *sprinklerMonitor) processEvent(ctx context.Context, url string) {
	err := retry.Do(
		func() error {
			_, err := sm.registry.Store(sm.installation)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(sprinklerMaxRetries),
		retry.MaxDelay(sprinklerMaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		slog.Error("Failed to register installation for event", "component", "sprinkler",
			"installation", sm.installation, "url", url, "error", err)
		return
	}
	woke := sm.registry.RequestSweepSoon(sm.installation)
	slog.Info("Pull request event received", "component", "sprinkler",
		"installation", sm.installation, "url", url, "sweep_requested", woke)
}

func (sm *sprinklerMonitor) stop() {
	sm.mu.Lock()
	if !sm.isRunning {
		sm.mu.Unlock()
		return
	}
	sm.isRunning = false
	cancel, wsClient := sm.cancel, sm.client
	sm.mu.Unlock()

	cancel()
	if wsClient != nil {
		wsClient.Stop()
	}
	slog.Info("Event monitor stopped", "component", "sprinkler", "account", sm.account)
}

func (sm *sprinklerMonitor) healthStatus() map[string]any {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	st := map[string]any{
		"account":      sm.account,
		"installation": sm.installation,
		"is_running":   sm.isRunning,
		"is_connected": sm.isConnected,
		"reconnects":   sm.reconnects,
	}
	if !sm.lastConnectedAt.IsZero() {
		st["last_connected_at"] = sm.lastConnectedAt
	}
	if !sm.lastEventAt.IsZero() {
		st["last_event_at"] = sm.lastEventAt
	}
	return st
}

type prRef struct {
	owner  string
	repo   string
	number int
}

// parsePRURL parses https://github.com/owner/repo/pull/123.
func parsePRURL(url string) (*prRef, error) {
	parts := strings.Split(url, "/")
	if len(parts) < 7 || parts[2] != "github.com" || parts[5] != "pull" {
		return nil, fmt.Errorf("invalid GitHub PR URL format: %s", url)
	}
	var number int
	if _, err := fmt.Sscanf(parts[6], "%d", &number); err != nil {
		return nil, fmt.Errorf("invalid PR number in URL: %s", url)
	}
	return &prRef{owner: parts[3], repo: parts[4], number: number}, nil
}
