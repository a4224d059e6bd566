// Package reconciliation audits the order ledger of each trading mode
// against the venues it traded on.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

// Venues resolves adapters by exchange name.
type Venues interface {
	Adapter(name string) (common.Adapter, error)
}

// Mode binds the ledger of one trading mode to its record store.
type Mode struct {
	Ledger  ledger.Ledger
	Records RecordStore
}

type modeBook struct {
	ledger  ledger.Ledger
	records RecordStore
	// sweepMu keeps sweeps of one mode from overlapping.
	sweepMu sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

func WithSink(s events.Sink) Option         { return func(svc *Service) { svc.sink = s } }
func WithLogger(l *zap.Logger) Option       { return func(svc *Service) { svc.log = l } }
func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

// Service runs one sweep loop per trading mode and reconciles single
// orders on demand.
type Service struct {
	cfg    Config
	venues Venues
	sink   events.Sink
	log    *zap.Logger
	now    func() time.Time

	modes map[string]*modeBook
	names []string

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	runMu  sync.Mutex
	cancel context.CancelFunc
	loops  *conc.WaitGroup

	metrics *metricsBook
}

// NewService creates a service over the given modes.
func NewService(cfg Config, venues Venues, modes []Mode, opts ...Option) (*Service, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.QtyTolerance.IsNegative() || cfg.PriceTolerancePct.IsNegative() {
		return nil, fmt.Errorf("reconciliation tolerances must not be negative")
	}
	s := &Service{
		cfg:      cfg,
		venues:   venues,
		sink:     events.Nop,
		log:      zap.NewNop(),
		now:      time.Now,
		modes:    make(map[string]*modeBook, len(modes)),
		limiters: make(map[string]*rate.Limiter),
		metrics:  newMetricsBook(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("reconciliation")
	for _, m := range modes {
		name := m.Ledger.TradingMode()
		if _, dup := s.modes[name]; dup {
			return nil, fmt.Errorf("trading mode %q registered twice", name)
		}
		s.modes[name] = &modeBook{ledger: m.Ledger, records: m.Records}
		s.names = append(s.names, name)
		s.metrics.mode(name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Modes lists the trading modes the service reconciles.
func (s *Service) Modes() []string { return append([]string(nil), s.names...) }

func (s *Service) book(mode string) (*modeBook, error) {
	mb, ok := s.modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return mb, nil
}

func (s *Service) live(mb *modeBook) bool {
	return strings.EqualFold(mb.ledger.TradingMode(), "live")
}

func (s *Service) tolerance() tolerance {
	return tolerance{qty: s.cfg.QtyTolerance, pricePct: s.cfg.PriceTolerancePct}
}

// Start launches one sweep loop per mode. The loops outlive ctx and run
// until Stop. It reports false when the loops were already running.
func (s *Service) Start(ctx context.Context) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loops = &conc.WaitGroup{}
	for _, name := range s.names {
		mb := s.modes[name]
		s.loops.Go(func() { s.loop(loopCtx, mb) })
	}
	s.metrics.setRunning(true)
	s.log.Info("reconciliation started", zap.Strings("modes", s.names), zap.Duration("interval", s.cfg.Interval))
	return true
}

// Stop halts the loops and waits for in-flight sweeps. It reports false
// when nothing was running.
func (s *Service) Stop() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.loops.Wait()
	s.cancel, s.loops = nil, nil
	s.metrics.setRunning(false)
	s.log.Info("reconciliation stopped")
	return true
}

// Running reports whether the sweep loops are active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

func (s *Service) loop(ctx context.Context, mb *modeBook) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		s.sweep(ctx, mb)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunReconciliation sweeps every mode once and returns the results in
// mode order.
func (s *Service) RunReconciliation(ctx context.Context) []SweepResult {
	out := make([]SweepResult, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.sweep(ctx, s.modes[name]))
	}
	return out
}

func (s *Service) sweep(ctx context.Context, mb *modeBook) SweepResult {
	mb.sweepMu.Lock()
	defer mb.sweepMu.Unlock()

	mode := mb.ledger.TradingMode()
	start := s.now()
	res := SweepResult{TradingMode: mode, StartedAt: start.UTC()}

	orders, err := mb.ledger.OpenOrders(ctx)
	if err != nil {
		res.Errors++
		s.reportError(ctx, mode, ledger.Order{}, "", fmt.Errorf("load open orders: %w", err))
	}
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.cfg.MaxConcurrent)
	for _, o := range orders {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			r := s.check(ctx, mb, o)
			mu.Lock()
			res.add(r)
			mu.Unlock()
		})
	}
	p.Wait()

	res.Duration = s.now().Sub(start)
	s.metrics.sweep(res)
	s.refreshOutstanding(ctx, mb)
	if res.Discrepancies > 0 || res.Errors > 0 || res.Blocked > 0 {
		s.log.Info("sweep finished", zap.String("trading_mode", mode), zap.Int("orders", res.Orders),
			zap.Int("discrepancies", res.Discrepancies), zap.Int("resolved", res.Resolved),
			zap.Int("blocked", res.Blocked), zap.Int("errors", res.Errors), zap.Duration("duration", res.Duration))
	} else {
		s.log.Debug("sweep finished", zap.String("trading_mode", mode), zap.Int("orders", res.Orders),
			zap.Duration("duration", res.Duration))
	}
	return res
}

// ReconcileOrder synchronously reconciles one order by logical or child id.
func (s *Service) ReconcileOrder(ctx context.Context, mode, id string) (OrderResult, error) {
	mb, err := s.book(mode)
	if err != nil {
		return OrderResult{}, err
	}
	o, err := mb.ledger.Order(ctx, id)
	if err != nil {
		return OrderResult{}, fmt.Errorf("load order %s: %w", id, err)
	}
	res := s.check(ctx, mb, o)
	res.TradingMode = mode
	s.metrics.order(res)
	s.refreshOutstanding(ctx, mb)

	out := OrderResult{
		OrderID:     o.ID,
		Discrepancy: res.Discrepancies > 0,
		Resolved:    res.Discrepancies > 0 && res.Resolved == res.Discrepancies,
		Result:      res,
	}
	if res.Blocked > 0 {
		return out, ErrSyntheticState
	}
	return out, nil
}

// check reconciles every child of o that the venue can report on. Venue
// queries run without any lock; the comparison and adoption run under the
// ledger's order lock.
func (s *Service) check(ctx context.Context, mb *modeBook, o ledger.Order) SweepResult {
	mode := mb.ledger.TradingMode()
	res := SweepResult{Orders: 1}
	adapter, err := s.venues.Adapter(o.Exchange)
	if err != nil {
		res.Errors++
		s.reportError(ctx, mode, o, "", err)
		return res
	}

	observed := make(map[string]observation, len(o.Children))
	for _, c := range o.Children {
		obs, ok, err := s.observe(ctx, adapter, o.Exchange, c, true)
		if err != nil {
			res.Errors++
			s.reportError(ctx, mode, o, c.ID, err)
			continue
		}
		if !ok {
			continue
		}
		if s.live(mb) && obs.state.Synthetic {
			res.Blocked++
			s.reportError(ctx, mode, o, c.ID, ErrSyntheticState)
			continue
		}
		observed[c.ID] = obs
	}
	if len(observed) == 0 {
		return res
	}

	var verdicts []verdict
	err = mb.ledger.Compare(ctx, o.ID, func(children []ledger.Child) []ledger.Adoption {
		verdicts = verdicts[:0]
		var adopt []ledger.Adoption
		for _, c := range children {
			obs, ok := observed[c.ID]
			// Skip children the ledger updated after the venue was asked.
			if !ok || c.UpdatedAt.After(obs.at) {
				continue
			}
			v := classify(c, obs, s.tolerance())
			if v.adopt != nil && s.cfg.AutoResolve {
				adopt = append(adopt, ledger.Adoption{ChildID: c.ID, State: *v.adopt})
				v.adopted = true
			}
			verdicts = append(verdicts, v)
		}
		return adopt
	})
	if err != nil {
		res.Errors++
		s.reportError(ctx, mode, o, "", fmt.Errorf("compare: %w", err))
		return res
	}
	for _, v := range verdicts {
		s.record(ctx, mb, o, v, &res)
	}
	return res
}

// observe asks the venue for a child's state. Children without a native id
// are looked up by client order id once they have been UNKNOWN for longer
// than the grace period. It reports false when there is nothing to ask.
func (s *Service) observe(ctx context.Context, adapter common.Adapter, exchange string, c ledger.Child, grace bool) (observation, bool, error) {
	var (
		st  common.OrderState
		err error
		at  time.Time
	)
	switch {
	case c.NativeID != "":
		if err := s.wait(ctx, exchange); err != nil {
			return observation{}, false, err
		}
		at = s.now()
		st, err = adapter.GetOrderStatus(ctx, c.Symbol, c.NativeID)
	case c.Status == common.StatusUnknown:
		if grace && s.now().Sub(c.CreatedAt) < s.cfg.UnknownGrace {
			return observation{}, false, nil
		}
		lookup, ok := adapter.(common.ClientOrderLookup)
		if !ok {
			return observation{}, false, nil
		}
		if err := s.wait(ctx, exchange); err != nil {
			return observation{}, false, err
		}
		at = s.now()
		st, err = lookup.GetOrderByClientID(ctx, c.Symbol, c.ID)
	default:
		return observation{}, false, nil
	}
	if common.IsNotFound(err) {
		return observation{missing: true, at: at}, true, nil
	}
	if err != nil {
		return observation{}, false, fmt.Errorf("query %s on %s: %w", c.ID, exchange, err)
	}
	return observation{state: st, at: at}, true, nil
}

// wait applies the per-exchange query budget shared by all sweeps.
func (s *Service) wait(ctx context.Context, exchange string) error {
	s.limMu.Lock()
	lim, ok := s.limiters[exchange]
	if !ok {
		if s.cfg.QueriesPerSecond > 0 {
			lim = rate.NewLimiter(rate.Limit(s.cfg.QueriesPerSecond), max(1, int(s.cfg.QueriesPerSecond)))
		} else {
			lim = rate.NewLimiter(rate.Inf, 1)
		}
		s.limiters[exchange] = lim
	}
	s.limMu.Unlock()
	return lim.Wait(ctx)
}

func (s *Service) refreshOutstanding(ctx context.Context, mb *modeBook) {
	mode := mb.ledger.TradingMode()
	n, err := mb.records.CountRecords(context.WithoutCancel(ctx), string(StatusDiscrepancy))
	if err != nil {
		s.log.Warn("count open discrepancies failed", zap.String("trading_mode", mode), zap.Error(err))
		return
	}
	s.metrics.outstanding(mode, n)
}

func (s *Service) reportError(ctx context.Context, mode string, o ledger.Order, childID string, err error) {
	s.log.Warn("reconciliation error", zap.String("trading_mode", mode),
		zap.String("order_id", o.ID), zap.String("child_id", childID), zap.Error(err))
	ref := childID
	if ref == "" {
		ref = o.ID
	}
	s.emit(ctx, events.EventReconciliationError, mode, ref, "", map[string]any{
		"order_id": o.ID,
		"child_id": childID,
		"exchange": o.Exchange,
		"error":    err.Error(),
	})
}

func (s *Service) emit(ctx context.Context, ev events.Event, mode, ref, severity string, payload map[string]any) {
	s.sink.Emit(ctx, events.Stamp(events.Message{
		Event:       ev,
		TradingMode: mode,
		ReferenceID: ref,
		Severity:    severity,
		Payload:     payload,
	}))
}
