package reconciliation

import (
	"sync"
	"time"
)

// ModeMetrics are the counters of one trading mode.
type ModeMetrics struct {
	Sweeps            int64         `json:"sweeps"`
	Checked           int64         `json:"checked"`
	Found             int64         `json:"found"`
	Resolved          int64         `json:"resolved"`
	Outstanding       int           `json:"outstanding"`
	HighSeverity      int64         `json:"high_severity"`
	Blocked           int64         `json:"blocked"`
	Errors            int64         `json:"errors"`
	LastSweepDuration time.Duration `json:"last_sweep_duration"`
	LastSweepAt       time.Time     `json:"last_sweep_at,omitempty"`
}

// Metrics aggregates every mode.
type Metrics struct {
	Running           bool                   `json:"running"`
	Sweeps            int64                  `json:"sweeps"`
	Found             int64                  `json:"found"`
	Resolved          int64                  `json:"resolved"`
	Outstanding       int                    `json:"outstanding"`
	Blocked           int64                  `json:"blocked"`
	Errors            int64                  `json:"errors"`
	LastSweepDuration time.Duration          `json:"last_sweep_duration"`
	Modes             map[string]ModeMetrics `json:"modes"`
}

type metricsBook struct {
	mu      sync.Mutex
	running bool
	last    time.Duration
	modes   map[string]*ModeMetrics
}

func newMetricsBook() *metricsBook {
	return &metricsBook{modes: make(map[string]*ModeMetrics)}
}

// mode returns the counters of mode. Caller may hold mu.
func (b *metricsBook) mode(name string) *ModeMetrics {
	m, ok := b.modes[name]
	if !ok {
		m = &ModeMetrics{}
		b.modes[name] = m
	}
	return m
}

func (b *metricsBook) setRunning(on bool) {
	b.mu.Lock()
	b.running = on
	b.mu.Unlock()
}

func (b *metricsBook) count(m *ModeMetrics, r SweepResult) {
	m.Checked += int64(r.Checked)
	m.Found += int64(r.Detected)
	m.Resolved += int64(r.Resolved)
	m.HighSeverity += int64(r.HighSeverity)
	m.Blocked += int64(r.Blocked)
	m.Errors += int64(r.Errors)
}

func (b *metricsBook) sweep(r SweepResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.mode(r.TradingMode)
	m.Sweeps++
	m.LastSweepDuration = r.Duration
	m.LastSweepAt = r.StartedAt
	b.last = r.Duration
	b.count(m, r)
}

func (b *metricsBook) order(r SweepResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count(b.mode(r.TradingMode), r)
}

func (b *metricsBook) resolved(mode string, n int) {
	b.mu.Lock()
	b.mode(mode).Resolved += int64(n)
	b.mu.Unlock()
}

func (b *metricsBook) outstanding(mode string, n int) {
	b.mu.Lock()
	b.mode(mode).Outstanding = n
	b.mu.Unlock()
}

// Metrics returns a snapshot of the counters.
func (s *Service) Metrics() Metrics {
	b := s.metrics
	b.mu.Lock()
	defer b.mu.Unlock()
	out := Metrics{Running: b.running, LastSweepDuration: b.last, Modes: make(map[string]ModeMetrics, len(b.modes))}
	for name, m := range b.modes {
		out.Modes[name] = *m
		out.Sweeps += m.Sweeps
		out.Found += m.Found
		out.Resolved += m.Resolved
		out.Outstanding += m.Outstanding
		out.Blocked += m.Blocked
		out.Errors += m.Errors
	}
	return out
}
