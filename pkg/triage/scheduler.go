package triage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default scheduling bounds.
const (
	DefaultMinDelay = time.Minute
	DefaultMaxDelay = 6 * time.Hour
)

// Sweepable is anything that can run one full sweep.
type Sweepable interface {
	Sweep(ctx context.Context) error
}

// wakeTimer is a wait that ends when its duration elapses or when it is woken early.
type wakeTimer struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

func newWakeTimer(d time.Duration) *wakeTimer {
	w := &wakeTimer{done: make(chan struct{})}
	w.timer = time.AfterFunc(d, w.fire)
	return w
}

func (w *wakeTimer) fire() {
	w.once.Do(func() { close(w.done) })
}

// wake ends the wait now.
func (w *wakeTimer) wake() {
	w.timer.Stop()
	w.fire()
}

// Scheduler runs sweeps for one installation forever: sweep, wait at most
// maxDelay, sweep again. Sweep starts are at least minDelay apart. A wake
// request during the wait ends it early (the floor still applies); during a
// sweep it is dropped, since the running sweep already covers it.
type Scheduler struct {
	lastErr      error
	sweeper      Sweepable
	metrics      *MetricsCollector
	wait         *wakeTimer    // non-nil only while waiting
	sweepDone    chan struct{} // closed when the next sweep finishes
	installation int64
	minDelay     time.Duration
	maxDelay     time.Duration
	mu           sync.Mutex
	startOnce    sync.Once
}

// NewScheduler creates a scheduler. Non-positive delays take the defaults.
func NewScheduler(installation int64, sweeper Sweepable, minDelay, maxDelay time.Duration, metrics *MetricsCollector) *Scheduler {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Scheduler{
		installation: installation,
		sweeper:      sweeper,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		metrics:      metrics,
		sweepDone:    make(chan struct{}),
	}
}

// Start launches the scheduling loop once; later calls do nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() { go s.Run(ctx) })
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := slog.With("component", "scheduler", "installation", s.installation)
	log.Info("Scheduler started", "min_delay", s.minDelay, "max_delay", s.maxDelay)

	for {
		start := time.Now()
		err := s.sweepOnce(ctx)
		if err != nil {
			log.Error("Sweep failed", "error", err)
		}
		s.metrics.RecordSweep(s.installation, start, err)

		w := newWakeTimer(s.maxDelay)
		s.mu.Lock()
		s.lastErr = err
		close(s.sweepDone)
		s.sweepDone = make(chan struct{})
		s.wait = w
		s.mu.Unlock()

		if ctx.Err() != nil {
			w.timer.Stop()
			log.Info("Scheduler stopped")
			return
		}

		// Floor first, then whatever is left of the long wait.
		if err := sleep(ctx, time.Until(start.Add(s.minDelay))); err == nil {
			select {
			case <-ctx.Done():
			case <-w.done:
			}
		}

		s.mu.Lock()
		s.wait = nil
		s.mu.Unlock()
		w.timer.Stop()

		if ctx.Err() != nil {
			log.Info("Scheduler stopped")
			return
		}
	}
}

// sweepOnce runs one sweep, converting a panic into an error so the loop survives.
func (s *Scheduler) sweepOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()
	return s.sweeper.Sweep(ctx)
}

// RequestSweepSoon ends an outstanding wait. It reports whether a wait was
// woken; while a sweep is running the request is ignored.
func (s *Scheduler) RequestSweepSoon() bool {
	s.mu.Lock()
	w := s.wait
	s.mu.Unlock()
	if w == nil {
		return false
	}
	w.wake()
	return true
}

// RunSweepNow wakes the scheduler and blocks until the next sweep finishes,
// returning that sweep's error. If a sweep is already running, it waits for that one.
func (s *Scheduler) RunSweepNow(ctx context.Context) error {
	s.mu.Lock()
	done := s.sweepDone
	w := s.wait
	s.mu.Unlock()
	if w != nil {
		w.wake()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
