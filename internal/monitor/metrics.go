package monitor

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
)

// SystemMetrics tracks event throughput and latency of the execution core.
type SystemMetrics struct {
	mu sync.RWMutex

	// OrderLatency measures acceptance to terminal status of logical orders.
	OrderLatency *LatencyHistogram
	// DeliveryLatency measures emit to monitor receipt of bus events.
	DeliveryLatency *LatencyHistogram
	// APILatency is fed by the HTTP request middleware.
	APILatency *LatencyHistogram
	// VenueLatency is fed by the adapter call observer, one sample per attempt.
	VenueLatency *LatencyHistogram

	counts   map[events.Event]uint64
	calls    map[string]uint64
	failures map[string]uint64
	modes    map[string]uint64
	accepted map[string]time.Time
	dropped  func() uint64

	lastEvent time.Time
}

// LatencyHistogram tracks latency samples over a sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance. dropped reports the bus
// drop counter and may be nil.
func NewSystemMetrics(dropped func() uint64) *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		DeliveryLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		VenueLatency:    NewLatencyHistogram(1000),
		counts:          make(map[events.Event]uint64),
		calls:           make(map[string]uint64),
		failures:        make(map[string]uint64),
		modes:           make(map[string]uint64),
		accepted:        make(map[string]time.Time),
		dropped:         dropped,
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Observe counts msg and, for order lifecycle events, tracks completion
// latency. It returns the completion latency when msg finished an order.
func (m *SystemMetrics) Observe(msg events.Message, receivedAt time.Time) (time.Duration, bool) {
	if !msg.Time.IsZero() && receivedAt.After(msg.Time) {
		m.DeliveryLatency.RecordDuration(receivedAt.Sub(msg.Time))
	}

	m.mu.Lock()
	m.counts[msg.Event]++
	if msg.TradingMode != "" {
		m.modes[msg.TradingMode]++
	}
	m.lastEvent = receivedAt

	var (
		took time.Duration
		done bool
	)
	switch msg.Event {
	case events.EventOrderAccepted:
		m.accepted[msg.ReferenceID] = msg.Time
	case events.EventOrderFilled, events.EventOrderCancelled, events.EventOrderFailed:
		if at, ok := m.accepted[msg.ReferenceID]; ok {
			delete(m.accepted, msg.ReferenceID)
			took, done = msg.Time.Sub(at), true
		}
	}
	m.mu.Unlock()

	if done {
		m.OrderLatency.RecordDuration(took)
	}
	return took, done
}

// ObserveCall records one adapter attempt against exchange.
func (m *SystemMetrics) ObserveCall(exchange string, latency time.Duration, failed bool) {
	m.VenueLatency.RecordDuration(latency)
	m.mu.Lock()
	m.calls[exchange]++
	if failed {
		m.failures[exchange]++
	}
	m.mu.Unlock()
}

// Count returns how many ev events were observed.
func (m *SystemMetrics) Count(ev events.Event) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[ev]
}

// MetricsSnapshot is a point-in-time view of SystemMetrics.
type MetricsSnapshot struct {
	OrderLatency    LatencyStats      `json:"order_latency"`
	DeliveryLatency LatencyStats      `json:"delivery_latency"`
	APILatency      LatencyStats      `json:"api_latency"`
	VenueLatency    LatencyStats      `json:"venue_latency"`
	VenueCalls      map[string]uint64 `json:"venue_calls"`
	VenueFailures   map[string]uint64 `json:"venue_failures"`
	Events          map[string]uint64 `json:"events"`
	EventsByMode    map[string]uint64 `json:"events_by_mode"`
	OpenOrders      int               `json:"tracked_open_orders"`
	BusDropped      uint64            `json:"bus_dropped"`
	LastEventAt     time.Time         `json:"last_event_at,omitempty"`
	GoroutineCount  int               `json:"goroutine_count"`
	HeapAlloc       uint64            `json:"heap_alloc_bytes"`
	HeapSys         uint64            `json:"heap_sys_bytes"`
	Timestamp       time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	counts := make(map[string]uint64, len(m.counts))
	for ev, n := range m.counts {
		counts[string(ev)] = n
	}
	modes := make(map[string]uint64, len(m.modes))
	for mode, n := range m.modes {
		modes[mode] = n
	}
	calls := make(map[string]uint64, len(m.calls))
	for ex, n := range m.calls {
		calls[ex] = n
	}
	failures := make(map[string]uint64, len(m.failures))
	for ex, n := range m.failures {
		failures[ex] = n
	}
	open := len(m.accepted)
	last := m.lastEvent
	m.mu.RUnlock()

	var dropped uint64
	if m.dropped != nil {
		dropped = m.dropped()
	}

	return MetricsSnapshot{
		OrderLatency:    m.OrderLatency.Stats(),
		DeliveryLatency: m.DeliveryLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		VenueLatency:    m.VenueLatency.Stats(),
		VenueCalls:      calls,
		VenueFailures:   failures,
		Events:          counts,
		EventsByMode:    modes,
		OpenOrders:      open,
		BusDropped:      dropped,
		LastEventAt:     last,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
