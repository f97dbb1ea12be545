package triage

import (
	"maps"
	"sync"
	"time"
)

// Action kinds counted per installation.
const (
	ActionReminder   = "reminder"
	ActionTimeout    = "timeout"
	ActionAssignment = "assignment"
)

// MetricsCollector tracks sweep statistics for the health endpoint.
// A nil collector ignores all records.
type MetricsCollector struct {
	installations map[int64]*Stats
	mu            sync.RWMutex
}

// Stats describes one installation.
type Stats struct {
	LastSweepStart time.Time        `json:"last_sweep_start"`
	LastSweepEnd   time.Time        `json:"last_sweep_end"`
	Actions        map[string]int64 `json:"actions"`
	LastError      string           `json:"last_error,omitempty"`
	LastDuration   time.Duration    `json:"last_duration"`
	Sweeps         int64            `json:"sweeps"`
	FailedSweeps   int64            `json:"failed_sweeps"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{installations: make(map[int64]*Stats)}
}

func (m *MetricsCollector) stats(installation int64) *Stats {
	s, ok := m.installations[installation]
	if !ok {
		s = &Stats{Actions: make(map[string]int64)}
		m.installations[installation] = s
	}
	return s
}

// RecordSweep records a finished sweep.
func (m *MetricsCollector) RecordSweep(installation int64, start time.Time, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats(installation)
	s.Sweeps++
	s.LastSweepStart = start
	s.LastSweepEnd = time.Now()
	s.LastDuration = s.LastSweepEnd.Sub(start)
	s.LastError = ""
	if err != nil {
		s.FailedSweeps++
		s.LastError = err.Error()
	}
}

// RecordAction counts one action taken on a pull request.
func (m *MetricsCollector) RecordAction(installation int64, kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats(installation).Actions[kind]++
}

// Snapshot returns a copy of all statistics keyed by installation.
func (m *MetricsCollector) Snapshot() map[int64]Stats {
	out := make(map[int64]Stats)
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.installations {
		cp := *s
		cp.Actions = maps.Clone(s.Actions)
		out[id] = cp
	}
	return out
}
