// Package registry holds the named exchange adapters and aggregates across them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrExchangeNotFound = errors.New("exchange not found")
	ErrExchangeExists   = errors.New("exchange already registered")
)

// Status is the connectivity state of a venue.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// Config holds configuration for the Registry.
type Config struct {
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Consecutive failures before a venue is disconnected
	QuoteMaxAge      time.Duration // Oldest cached quote usable as fallback
	BookDepth        int
	CostEpsilon      decimal.Decimal // Best-execution tie window
	Retry            common.RetryPolicy
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		HealthInterval:   30 * time.Second,
		FailureThreshold: 3,
		QuoteMaxAge:      30 * time.Second,
		BookDepth:        20,
		CostEpsilon:      decimal.RequireFromString("0.00000001"),
		Retry:            common.DefaultRetryPolicy(),
	}
}

// FromConfig maps process configuration onto registry settings.
func FromConfig(c *config.Config) Config {
	return Config{
		HealthInterval:   c.Registry.HealthInterval,
		FailureThreshold: c.Registry.FailureThreshold,
		QuoteMaxAge:      c.Registry.QuoteMaxAge,
		BookDepth:        c.Registry.BookDepth,
		CostEpsilon:      c.Registry.CostEpsilon,
		Retry: common.RetryPolicy{
			CallTimeout:      c.Retry.CallTimeout,
			MaxRetries:       c.Retry.MaxRetries,
			RateLimitRetries: c.Retry.RateLimitRetries,
			InitialBackoff:   c.Retry.InitialBackoff,
			MaxBackoff:       c.Retry.MaxBackoff,
			Multiplier:       c.Retry.Multiplier,
		},
	}
}

// ExchangeStore persists venue registrations and probe outcomes.
type ExchangeStore interface {
	UpsertExchange(ctx context.Context, e db.ExchangeRow) error
	UpdateExchangeStatus(ctx context.Context, name, status string, failures int, lastError string) error
	MarkExchangeRemoved(ctx context.Context, name string) error
}

// Exchange is a snapshot of one registered venue.
type Exchange struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Type           common.ExchangeType `json:"type"`
	CredentialsRef string              `json:"credentials_ref,omitempty"`
	Status         Status              `json:"status"`
	Capabilities   common.Capabilities `json:"capabilities"`
	Failures       int                 `json:"failures"`
	LastError      string              `json:"last_error,omitempty"`
	RegisteredAt   time.Time           `json:"registered_at"`
	LastProbeAt    time.Time           `json:"last_probe_at,omitempty"`
}

type entry struct {
	info    Exchange
	adapter common.Adapter
}

// Registry holds adapters by name. Reads are lock-free with respect to each
// other; registration and removal are rare.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg      Config
	factory  *Factory
	store    ExchangeStore
	sink     events.Sink
	log      *zap.Logger
	observer common.CallObserver
	quotes   *cache.QuoteCache

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes a Registry.
type Option func(*Registry)

func WithStore(s ExchangeStore) Option { return func(r *Registry) { r.store = s } }
func WithSink(s events.Sink) Option { return func(r *Registry) { r.sink = s } }
func WithFactory(f *Factory) Option { return func(r *Registry) { r.factory = f } }
func WithObserver(fn common.CallObserver) Option { return func(r *Registry) { r.observer = fn } }
func WithQuoteCache(c *cache.QuoteCache) Option { return func(r *Registry) { r.quotes = c } }
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a Registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Retry.CallTimeout <= 0 {
		cfg.Retry = common.DefaultRetryPolicy()
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 20
	}
	r := &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		sink:    events.Nop,
		log:     zap.NewNop(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = NewFactory(nil)
	}
	if r.quotes == nil {
		r.quotes = cache.NewQuoteCache()
	}
	r.log = r.log.Named("registry")
	return r
}

// Register adds a ready-made adapter under its own name. Every adapter is
// wrapped with the retry policy unless it already is.
func (r *Registry) Register(ctx context.Context, a common.Adapter) error {
	return r.add(ctx, a, "")
}

// RegisterSpec builds an adapter through the factory and registers it.
func (r *Registry) RegisterSpec(ctx context.Context, spec config.ExchangeSpec) error {
	a, err := r.factory.Build(spec, BuildContext{
		Log: r.log,
		Lookup: func(name string) (common.Adapter, bool) {
			a, err := r.Adapter(name)
			return a, err == nil
		},
	})
	if err != nil {
		return err
	}
	ref := spec.APIKeyRef
	if spec.APISecretRef != "" {
		ref += "," + spec.APISecretRef
	}
	return r.add(ctx, a, ref)
}

func (r *Registry) add(ctx context.Context, a common.Adapter, credRef string) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("register exchange: empty name")
	}
	if _, ok := a.(*common.Resilient); !ok {
		a = common.WithResilience(a, r.cfg.Retry,
			common.WithLogger(r.log),
			common.WithObserver(r.observer),
		)
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExchangeExists, name)
	}
	e := &entry{
		info: Exchange{
			ID:             uuid.NewString(),
			Name:           name,
			Type:           a.Type(),
			CredentialsRef: credRef,
			Status:         StatusConnected,
			Capabilities:   a.Capabilities(),
			RegisteredAt:   time.Now().UTC(),
		},
		adapter: a,
	}
	r.entries[name] = e
	info := e.info
	r.mu.Unlock()

	if r.store != nil {
		caps, _ := json.Marshal(info.Capabilities)
		if err := r.store.UpsertExchange(ctx, db.ExchangeRow{
			ID:             info.ID,
			Name:           info.Name,
			Type:           string(info.Type),
			CredentialsRef: credRef,
			Status:         string(info.Status),
			Capabilities:   string(caps),
			CreatedAt:      info.RegisteredAt,
		}); err != nil {
			r.log.Warn("persist exchange registration", zap.String("exchange", name), zap.Error(err))
		}
	}
	r.log.Info("exchange registered", zap.String("exchange", name), zap.String("type", string(info.Type)))
	return nil
}

// Remove unregisters a venue. The stored row is kept with a removal timestamp.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, name)
	}

	if closer, ok := e.adapter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	r.quotes.DeleteExchange(name)
	if r.store != nil {
		if err := r.store.MarkExchangeRemoved(ctx, name); err != nil {
			r.log.Warn("persist exchange removal", zap.String("exchange", name), zap.Error(err))
		}
	}
	r.log.Info("exchange removed", zap.String("exchange", name))
	return nil
}

// Get returns the snapshot of a venue.
func (r *Registry) Get(name string) (Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Exchange{}, fmt.Errorf("%w: %s", ErrExchangeNotFound, name)
	}
	return e.info, nil
}

// Adapter returns the (retry-wrapped) adapter of a venue.
func (r *Registry) Adapter(name string) (common.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExchangeNotFound, name)
	}
	return e.adapter, nil
}

// List returns every venue sorted by name.
func (r *Registry) List() []Exchange {
	r.mu.RLock()
	out := make([]Exchange, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) names() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.Name
	}
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Degraded     int `json:"degraded"`
	Disconnected int `json:"disconnected"`
	CachedQuotes int `json:"cached_quotes"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{Total: len(r.entries)}
	for _, e := range r.entries {
		switch e.info.Status {
		case StatusConnected:
			s.Connected++
		case StatusDegraded:
			s.Degraded++
		case StatusDisconnected:
			s.Disconnected++
		}
	}
	r.mu.RUnlock()
	s.CachedQuotes = r.quotes.Len()
	return s
}

// TestConnection probes one venue and updates its connectivity status.
func (r *Registry) TestConnection(ctx context.Context, name string) (Exchange, error) {
	a, err := r.Adapter(name)
	if err != nil {
		return Exchange{}, err
	}
	probeErr := probe(ctx, a)

	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return Exchange{}, fmt.Errorf("%w: %s", ErrExchangeNotFound, name)
	}
	prev := e.info.Status
	e.info.LastProbeAt = time.Now().UTC()
	if probeErr == nil {
		e.info.Status = StatusConnected
		e.info.Failures = 0
		e.info.LastError = ""
	} else {
		e.info.Failures++
		e.info.LastError = probeErr.Error()
		e.info.Status = StatusDegraded
		if e.info.Failures >= r.cfg.FailureThreshold {
			e.info.Status = StatusDisconnected
		}
	}
	info := e.info
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateExchangeStatus(ctx, name, string(info.Status), info.Failures, info.LastError); err != nil {
			r.log.Warn("persist exchange status", zap.String("exchange", name), zap.Error(err))
		}
	}
	if prev != info.Status {
		r.log.Info("exchange status changed",
			zap.String("exchange", name),
			zap.String("from", string(prev)),
			zap.String("to", string(info.Status)),
			zap.Int("failures", info.Failures),
		)
		r.sink.Emit(ctx, events.Message{
			Event:       events.EventExchangeStatus,
			ReferenceID: name,
			Payload: map[string]any{
				"from":       string(prev),
				"to":         string(info.Status),
				"failures":   info.Failures,
				"last_error": info.LastError,
			},
		})
	}
	return info, probeErr
}

// TestAll probes every venue and returns the failures by name.
func (r *Registry) TestAll(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, name := range r.names() {
		if _, err := r.TestConnection(ctx, name); err != nil {
			failed[name] = err
		}
	}
	return failed
}

func probe(ctx context.Context, a common.Adapter) error {
	if p, ok := a.(common.Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := a.GetBalance(ctx)
	return err
}

// Start begins the background health check loop.
func (r *Registry) Start(ctx context.Context) {
	if r.cfg.HealthInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if failed := r.TestAll(ctx); len(failed) > 0 {
					r.log.Debug("health check failures", zap.Int("count", len(failed)))
				}
			}
		}
	}()
}

// Stop halts the health loop and closes every adapter.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if closer, ok := e.adapter.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// Quote returns a live quote, or the last cached one flagged synthetic when
// the venue fails and the cache is younger than QuoteMaxAge.
func (r *Registry) Quote(ctx context.Context, name, symbol string) (common.Quote, error) {
	a, err := r.Adapter(name)
	if err != nil {
		return common.Quote{}, err
	}
	q, err := a.GetQuote(ctx, symbol)
	if err == nil {
		if q.Exchange == "" {
			q.Exchange = name
		}
		r.quotes.Set(q)
		return q, nil
	}
	if fb, ok := r.quotes.Fallback(name, symbol, r.cfg.QuoteMaxAge); ok {
		r.log.Warn("using cached quote as fallback",
			zap.String("exchange", name), zap.String("symbol", symbol), zap.Error(err))
		return fb, nil
	}
	return common.Quote{}, err
}
