// Package order emulates advanced order types by decomposing each logical
// order into native child orders driven by a per-order task.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/common"
)

// Venues resolves adapters and reference quotes by exchange name.
// *registry.Registry satisfies it.
type Venues interface {
	Adapter(name string) (common.Adapter, error)
	Quote(ctx context.Context, name, symbol string) (common.Quote, error)
}

// Config configures one manager.
type Config struct {
	TradingMode  string
	PollInterval time.Duration // child status polling and slice scheduling tick
	Retention    time.Duration // terminal orders stay in memory this long
	QtyPrecision int32         // decimal places of slice quantities
}

// FromConfig builds the manager config for one trading mode.
func FromConfig(mode string, c config.OrdersConfig) Config {
	return Config{TradingMode: mode, PollInterval: c.PollInterval, Retention: c.Retention, QtyPrecision: c.QtyPrecision}
}

// Option customizes a Manager.
type Option func(*Manager)

func WithSink(s events.Sink) Option { return func(m *Manager) { m.sink = s } }
func WithRiskChecker(c *risk.Checker) Option { return func(m *Manager) { m.risk = c } }
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns the advanced orders of one trading mode.
type Manager struct {
	cfg    Config
	venues Venues
	store  Store
	sink   events.Sink
	risk   *risk.Checker
	log    *zap.Logger
	now    func() time.Time

	table   *table
	tasks   *scheduler.Group
	root    context.Context
	halt    context.CancelFunc
	janitor *scheduler.Task

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a manager. Orders are driven as soon as they are
// placed; Start additionally resumes orders persisted by a previous run.
func NewManager(cfg Config, venues Venues, store Store, opts ...Option) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.QtyPrecision <= 0 {
		cfg.QtyPrecision = 8
	}
	m := &Manager{
		cfg:    cfg,
		venues: venues,
		store:  store,
		sink:   events.Nop,
		log:    zap.NewNop(),
		now:    time.Now,
		table:  newTable(),
		tasks:  scheduler.NewGroup(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("orders").With(zap.String("trading_mode", cfg.TradingMode))
	m.root, m.halt = context.WithCancel(context.Background())
	return m
}

// TradingMode returns the mode this manager serves.
func (m *Manager) TradingMode() string { return m.cfg.TradingMode }

func (m *Manager) live() bool { return strings.EqualFold(m.cfg.TradingMode, "live") }

// Start resumes every non-terminal order from the store and starts the
// retention janitor.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		var orders []LogicalOrder
		orders, err = m.store.List(ctx, ListFilter{ActiveOnly: true})
		if err != nil {
			err = fmt.Errorf("load active orders: %w", err)
			return
		}
		for _, o := range orders {
			e, _ := m.table.put(o)
			m.spawn(e)
		}
		if len(orders) > 0 {
			m.log.Info("resumed active orders", zap.Int("count", len(orders)))
		}
		m.janitor = scheduler.Spawn(m.root, m.runJanitor)
	})
	return err
}

// Stop halts every order task without cancelling the orders themselves.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.halt()
		m.janitor.Stop()
		m.tasks.StopAll()
	})
}

func (m *Manager) runJanitor(ctx context.Context) {
	every := m.cfg.Retention / 2
	if every < time.Second {
		every = time.Second
	}
	if every > time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := m.table.sweep(m.now(), m.cfg.Retention); len(ids) > 0 {
				m.log.Debug("evicted terminal orders", zap.Int("count", len(ids)))
			}
		}
	}
}

// Place validates req, builds its plan, persists it and dispatches the
// first action. The returned result always carries the order id once the
// order was accepted, even when dispatch failed.
func (m *Manager) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if err := req.Validate(); err != nil {
		return PlaceResult{}, err
	}
	adapter, err := m.venues.Adapter(req.Exchange)
	if err != nil {
		return PlaceResult{}, &ValidationError{Field: "exchange", Reason: err.Error()}
	}
	caps := adapter.Capabilities()
	for _, t := range req.nativeTypes() {
		if !caps.Supports(t) {
			return PlaceResult{}, invalid("type", "%s does not support %s orders", req.Exchange, t)
		}
	}

	quote, qerr := m.venues.Quote(ctx, req.Exchange, req.Symbol)
	if req.priceDependent() {
		if qerr != nil {
			return PlaceResult{}, fmt.Errorf("reference quote %s/%s: %w", req.Exchange, req.Symbol, qerr)
		}
		if !quote.Reference().IsPositive() {
			return PlaceResult{}, invalid("symbol", "no reference price for %s on %s", req.Symbol, req.Exchange)
		}
		if m.live() && quote.Synthetic {
			return PlaceResult{}, fmt.Errorf("%w: %s/%s", ErrSyntheticMarketData, req.Exchange, req.Symbol)
		}
	}
	ref := decimal.Zero
	if qerr == nil {
		ref = quote.Reference()
	}

	riskRef := ref
	if positive(req.Params.LimitPrice) {
		riskRef = *req.Params.LimitPrice
	}
	if err := m.risk.Check(req.Quantity, riskRef); err != nil {
		var v *risk.Violation
		if errors.As(err, &v) {
			return PlaceResult{}, &ValidationError{Field: "quantity", Reason: v.Error()}
		}
		return PlaceResult{}, err
	}

	now := m.now().UTC()
	o := LogicalOrder{
		ID:          uuid.NewString(),
		TradingMode: m.cfg.TradingMode,
		Exchange:    req.Exchange,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Params:      req.Params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ref.IsPositive() {
		o.ArrivalPrice = decimal.NewNullDecimal(ref)
		o.ArrivalSynthetic = quote.Synthetic
	}
	m.buildPlan(ctx, adapter, &o, ref, now)
	o.Status = DeriveStatus(o)
	if err := m.store.Save(ctx, o); err != nil {
		return PlaceResult{}, fmt.Errorf("persist order: %w", err)
	}

	e, _ := m.table.put(o)
	m.emit(ctx, m.message(events.EventOrderAccepted, o, ""))
	m.log.Info("order accepted",
		zap.String("order_id", o.ID), zap.String("type", string(o.Type)),
		zap.String("exchange", o.Exchange), zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)), zap.String("quantity", o.Quantity.String()))

	e.busy.Lock()
	dispatchErr := m.kickoff(ctx, e, adapter)
	e.busy.Unlock()
	if errors.Is(dispatchErr, errCancelled) || errors.Is(dispatchErr, errCancelledInFlight) {
		// Cancelled while being placed; the status tells the caller.
		dispatchErr = nil
	}

	snap := e.snapshot()
	if !snap.Status.Terminal() {
		m.spawn(e)
	}
	return PlaceResult{OrderID: snap.ID, Status: snap.Status, Plan: describePlan(snap)}, dispatchErr
}

// Get returns an order by logical or child id.
func (m *Manager) Get(ctx context.Context, id string) (LogicalOrder, error) {
	if e, ok := m.table.get(id); ok {
		return e.snapshot(), nil
	}
	o, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		parent, perr := m.store.ParentOf(ctx, id)
		if perr != nil {
			return LogicalOrder{}, err
		}
		return m.store.Load(ctx, parent)
	}
	return o, err
}

// ListActive returns non-terminal orders matching f, oldest first.
func (m *Manager) ListActive(_ context.Context, f Filter) []LogicalOrder {
	var out []LogicalOrder
	for _, e := range m.table.all() {
		o := e.snapshot()
		if !o.Status.Terminal() && f.match(&o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Refresh polls the venue for every live child of an order and returns the
// updated order.
func (m *Manager) Refresh(ctx context.Context, id string) (LogicalOrder, error) {
	e, err := m.entryFor(ctx, id)
	if err != nil {
		return LogicalOrder{}, err
	}
	adapter, err := m.venues.Adapter(e.snapshot().Exchange)
	if err != nil {
		return LogicalOrder{}, err
	}
	e.busy.Lock()
	m.refreshChildren(ctx, e, adapter)
	e.busy.Unlock()
	return e.snapshot(), nil
}

// entryFor finds the table entry of an order, loading it from the store
// when it is not in memory.
func (m *Manager) entryFor(ctx context.Context, id string) (*entry, error) {
	if e, ok := m.table.get(id); ok {
		return e, nil
	}
	o, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e, fresh := m.table.put(o)
	if fresh {
		if o.Status.Terminal() {
			e.mu.Lock()
			e.doneAt = m.now()
			e.mu.Unlock()
		} else {
			m.spawn(e)
		}
	}
	return e, nil
}

func (m *Manager) spawn(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m.root.Err() != nil {
		return
	}
	if e.task != nil {
		select {
		case <-e.task.Done():
		default:
			return
		}
	}
	e.task = m.tasks.Spawn(m.root, func(ctx context.Context) { m.drive(ctx, e) })
}

// commitLocked recomputes the derived status, persists the order and queues
// the resulting events. Caller holds e.mu and must call release.
func (m *Manager) commitLocked(ctx context.Context, e *entry) {
	o := &e.order
	prev := o.Status
	now := m.now().UTC()
	o.FilledQty = ExecutedQty(*o)
	o.Status = DeriveStatus(*o)
	o.UpdatedAt = now
	if err := m.store.Save(context.WithoutCancel(ctx), *o); err != nil {
		m.log.Error("persist order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	if o.Status.Terminal() && e.doneAt.IsZero() {
		e.doneAt = now
	}

	ev := events.EventOrderUpdate
	if o.Status != prev {
		switch o.Status {
		case StatusFilled:
			ev = events.EventOrderFilled
		case StatusCancelled, StatusPartiallyCancelled:
			ev = events.EventOrderCancelled
		case StatusFailed:
			ev = events.EventOrderFailed
		}
		if o.Status.Terminal() {
			m.log.Info("order finished", zap.String("order_id", o.ID),
				zap.String("status", string(o.Status)), zap.String("filled_qty", o.FilledQty.String()))
		}
	}
	e.outbox = append(e.outbox, m.message(ev, *o, ""))
}

// release unlocks e and emits queued events.
func (m *Manager) release(ctx context.Context, e *entry) {
	msgs := e.outbox
	e.outbox = nil
	e.mu.Unlock()
	for _, msg := range msgs {
		m.emit(ctx, msg)
	}
}

func (m *Manager) message(ev events.Event, o LogicalOrder, reason string) events.Message {
	payload := map[string]any{
		"order_id":   o.ID,
		"type":       string(o.Type),
		"exchange":   o.Exchange,
		"symbol":     o.Symbol,
		"side":       string(o.Side),
		"quantity":   o.Quantity.String(),
		"filled_qty": o.FilledQty.String(),
		"status":     string(o.Status),
		"children":   len(o.Children),
	}
	severity := ""
	if reason != "" {
		payload["reason"] = reason
		severity = "HIGH"
	}
	return events.Message{
		Event:       ev,
		TradingMode: m.cfg.TradingMode,
		ReferenceID: o.ID,
		Severity:    severity,
		Payload:     payload,
	}
}

func (m *Manager) emit(ctx context.Context, msg events.Message) {
	m.sink.Emit(ctx, events.Stamp(msg))
}
