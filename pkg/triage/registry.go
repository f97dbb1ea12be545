package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
)

// ErrUnknownInstallation is returned for installations that were never registered.
var ErrUnknownInstallation = errors.New("unknown installation")

// Factory creates the issue store for one installation.
type Factory func(ctx context.Context, installation int64) (github.IssueStore, error)

// Tenant is the per-installation state: its store and its scheduler.
type Tenant struct {
	Store     github.IssueStore
	Scheduler *Scheduler
	ID        int64
}

// Registry lazily creates one tenant per installation and keeps it for the
// process lifetime. All tenants share the reviewer pool.
type Registry struct {
	base     context.Context //nolint:containedctx // tenants outlive the request that created them
	factory  Factory
	pool     Selector
	metrics  *MetricsCollector
	tenants  map[int64]*Tenant
	cfg      Config
	minDelay time.Duration
	maxDelay time.Duration
	mu       sync.Mutex
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Factory  Factory
	Pool     Selector
	Metrics  *MetricsCollector
	Sweep    Config
	MinDelay time.Duration
	MaxDelay time.Duration
}

// NewRegistry creates a registry. Schedulers started by it stop when ctx is cancelled.
func NewRegistry(ctx context.Context, cfg RegistryConfig) *Registry {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetricsCollector()
	}
	return &Registry{
		base:     ctx,
		factory:  cfg.Factory,
		pool:     cfg.Pool,
		cfg:      cfg.Sweep,
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		metrics:  metrics,
		tenants:  make(map[int64]*Tenant),
	}
}

// Ensure returns the tenant for id, creating its store and starting its
// scheduler on first use.
func (r *Registry) Ensure(id int64) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[id]; ok {
		return t, nil
	}

	store, err := r.factory(r.base, id)
	if err != nil {
		return nil, fmt.Errorf("create store for installation %d: %w", id, err)
	}
	sweeper := NewSweeper(id, store, r.pool, r.cfg, r.metrics)
	t := &Tenant{
		ID:        id,
		Store:     store,
		Scheduler: NewScheduler(id, sweeper, r.minDelay, r.maxDelay, r.metrics),
	}
	r.tenants[id] = t
	t.Scheduler.Start(r.base)

	slog.Info("Registered installation", "component", "registry", "installation", id)
	return t, nil
}

// Lookup returns an existing tenant.
func (r *Registry) Lookup(id int64) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	return t, ok
}

// Store returns the installation's issue store, creating the tenant if needed.
func (r *Registry) Store(id int64) (github.IssueStore, error) {
	t, err := r.Ensure(id)
	if err != nil {
		return nil, err
	}
	return t.Store, nil
}

// RequestSweepSoon wakes the installation's scheduler if it is waiting.
func (r *Registry) RequestSweepSoon(id int64) bool {
	t, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return t.Scheduler.RequestSweepSoon()
}

// RunSweepNow triggers a sweep of a registered installation and waits for it.
func (r *Registry) RunSweepNow(ctx context.Context, id int64) error {
	t, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("installation %d: %w", id, ErrUnknownInstallation)
	}
	return t.Scheduler.RunSweepNow(ctx)
}

// Installations returns the registered installation IDs in ascending order.
func (r *Registry) Installations() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Metrics returns the shared metrics collector.
func (r *Registry) Metrics() *MetricsCollector {
	return r.metrics
}
