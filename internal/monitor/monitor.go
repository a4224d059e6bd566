package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

const recentAlerts = 50

// Monitor watches the event bus, keeps SystemMetrics current and raises
// alerts through its sinks.
type Monitor struct {
	bus     *events.Bus
	metrics *SystemMetrics
	rules   *RuleEvaluator
	sinks   []AlertSink
	inst    *Instruments
	log     *zap.Logger
	buffer  int

	mu     sync.Mutex
	recent []Alert
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithRules(rules []Rule) Option { return func(m *Monitor) { m.rules = NewRuleEvaluator(rules) } }

func WithAlertSinks(sinks ...AlertSink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, sinks...) }
}

func WithInstruments(i *Instruments) Option { return func(m *Monitor) { m.inst = i } }

func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithBuffer sizes the bus subscription.
func WithBuffer(n int) Option { return func(m *Monitor) { m.buffer = n } }

func New(bus *events.Bus, opts ...Option) *Monitor {
	var dropped func() uint64
	if bus != nil {
		dropped = bus.Dropped
	}
	m := &Monitor{
		bus:     bus,
		metrics: NewSystemMetrics(dropped),
		rules:   NewRuleEvaluator(DefaultRules()),
		log:     zap.NewNop(),
		buffer:  256,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("monitor")
	return m
}

// Metrics exposes the live counters.
func (m *Monitor) Metrics() *SystemMetrics { return m.metrics }

// Instruments returns the OTel instruments, nil when none were configured.
func (m *Monitor) Instruments() *Instruments { return m.inst }

// Start consumes the bus until ctx is done. The returned channel closes when
// the consumer exits.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if m.bus == nil {
		m.log.Warn("monitor not fully configured; skipping")
		close(done)
		return done
	}
	stream, unsub := m.bus.Subscribe(m.buffer)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.Handle(ctx, msg)
			}
		}
	}()
	return done
}

// Handle processes one event.
func (m *Monitor) Handle(ctx context.Context, msg events.Message) {
	took, done := m.metrics.Observe(msg, time.Now().UTC())
	m.inst.event(ctx, msg)
	if done {
		m.inst.completed(ctx, msg, float64(took.Nanoseconds())/1e6)
	}
	for _, a := range m.rules.Check(msg) {
		m.raise(ctx, a)
	}
}

// ObserveCall has the shape of the adapter call observer.
func (m *Monitor) ObserveCall(exchange, op string, latency time.Duration, err error) {
	m.metrics.ObserveCall(exchange, latency, err != nil)
	m.inst.call(context.Background(), exchange, op, float64(latency.Nanoseconds())/1e6, err != nil)
}

func (m *Monitor) raise(ctx context.Context, a Alert) {
	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > recentAlerts {
		m.recent = m.recent[len(m.recent)-recentAlerts:]
	}
	m.mu.Unlock()

	m.inst.alert(ctx, a)
	for _, s := range m.sinks {
		if err := s.Send(ctx, a); err != nil {
			m.log.Warn("alert delivery failed", zap.String("rule", a.Rule), zap.Error(err))
		}
	}
}

// RecentAlerts returns the latest alerts, oldest first.
func (m *Monitor) RecentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.recent...)
}
