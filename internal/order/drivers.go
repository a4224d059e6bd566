package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

func nullPrice(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*p)
}

func (o LogicalOrder) entryChild(role Role, qty decimal.Decimal) ChildOrder {
	c := ChildOrder{Role: role, Side: o.Side, Type: common.OrderTypeMarket, Quantity: qty}
	if positive(o.Params.LimitPrice) {
		c.Type = common.OrderTypeLimit
		c.Price = nullPrice(o.Params.LimitPrice)
	}
	return c
}

// kickoff dispatches the first action of a freshly placed order. Caller
// holds e.busy.
func (m *Manager) kickoff(ctx context.Context, e *entry, adapter common.Adapter) error {
	o := e.snapshot()
	switch o.Type {
	case TypeOCO:
		return m.placeOCO(ctx, e, adapter, o)
	case TypeIceberg:
		c := o.entryChild(RoleSlice, decimal.Min(*o.Params.IcebergQuantity, o.Quantity))
		_, err := m.dispatch(ctx, e, adapter, c, nil)
		if common.IsRejected(err) {
			m.haltPlan(ctx, e, "first slice rejected")
		}
		return err
	case TypeTWAP, TypeVWAP:
		return m.nextScheduledSlice(ctx, e, adapter)
	case TypeBracket:
		_, err := m.dispatch(ctx, e, adapter, o.entryChild(RoleEntry, o.Quantity), nil)
		return err
	case TypeTrailingStop:
		e.mu.Lock()
		e.order.Plan.Started = true
		m.commitLocked(ctx, e)
		m.release(ctx, e)
	}
	return nil
}

func (m *Manager) placeOCO(ctx context.Context, e *entry, adapter common.Adapter, o LogicalOrder) error {
	limit := ChildOrder{Role: RoleLeg, Side: o.Side, Type: common.OrderTypeLimit, Quantity: o.Quantity, Price: nullPrice(o.Params.LimitPrice)}
	first, err := m.dispatch(ctx, e, adapter, limit, nil)
	if stopsPlan(err) {
		if common.IsRejected(err) {
			m.haltPlan(ctx, e, "limit leg rejected")
		}
		return err
	}
	stop := ChildOrder{Role: RoleLeg, Side: o.Side, Type: common.OrderTypeStopLoss, Quantity: o.Quantity, StopPrice: nullPrice(o.Params.StopPrice)}
	_, serr := m.dispatch(ctx, e, adapter, stop, nil)
	if common.IsRejected(serr) {
		m.haltPlan(ctx, e, "stop leg rejected")
		if cerr := m.cancelChild(ctx, e, adapter, first); cerr != nil {
			m.log.Warn("could not cancel limit leg after stop leg rejection",
				zap.String("order_id", o.ID), zap.Error(cerr))
		}
		return serr
	}
	if err != nil {
		return err
	}
	return serr
}

// stopsPlan reports whether a dispatch error ends the current action. An
// unknown placement outcome does not: the child is recorded and the plan
// carries on while reconciliation settles it.
func stopsPlan(err error) bool {
	return common.IsRejected(err) || errors.Is(err, errCancelled) || errors.Is(err, errCancelledInFlight)
}

// drive is the body of an order's task: poll children, run the plan, and
// wait for the next tick until the order is terminal or cancelled.
func (m *Manager) drive(ctx context.Context, e *entry) {
	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if e.cancelled.Load() {
			return
		}
		done, wait := m.step(ctx, e)
		if done {
			return
		}
		timer.Reset(wait)
	}
}

// step runs one tick of the plan and returns whether the order is finished
// and how long to wait before the next tick.
func (m *Manager) step(ctx context.Context, e *entry) (bool, time.Duration) {
	e.busy.Lock()
	defer e.busy.Unlock()
	if e.cancelled.Load() || ctx.Err() != nil {
		return true, 0
	}
	o := e.snapshot()
	if o.Status.Terminal() {
		return true, 0
	}
	adapter, err := m.venues.Adapter(o.Exchange)
	if err != nil {
		m.log.Warn("venue unavailable for order", zap.String("order_id", o.ID), zap.Error(err))
		return false, m.cfg.PollInterval
	}
	m.refreshChildren(ctx, e, adapter)

	var stepErr error
	switch o.Type {
	case TypeOCO:
		stepErr = m.stepOCO(ctx, e, adapter)
	case TypeIceberg:
		stepErr = m.stepIceberg(ctx, e, adapter)
	case TypeTWAP, TypeVWAP:
		stepErr = m.nextScheduledSlice(ctx, e, adapter)
	case TypeBracket:
		stepErr = m.stepBracket(ctx, e, adapter)
	case TypeTrailingStop:
		stepErr = m.stepTrailing(ctx, e, adapter)
	}
	if stepErr != nil && !errors.Is(stepErr, errCancelled) && !errors.Is(stepErr, errCancelledInFlight) {
		m.log.Debug("plan step failed", zap.String("order_id", o.ID), zap.Error(stepErr))
	}

	o = e.snapshot()
	if o.Status.Terminal() {
		return true, 0
	}
	wait := m.cfg.PollInterval
	if (o.Type == TypeTWAP || o.Type == TypeVWAP) && o.Plan.NextSlice < len(o.Plan.SliceSizes) && !o.Plan.Halted {
		if until := o.Plan.DueAt(o.Plan.NextSlice).Sub(m.now()); until < wait {
			wait = max(until, time.Millisecond)
		}
	}
	return false, wait
}

// settlePair cancels the live siblings once one leg of a pair has filled.
func (m *Manager) settlePair(ctx context.Context, e *entry, adapter common.Adapter, roles ...Role) error {
	o := e.snapshot()
	in := func(r Role) bool {
		for _, x := range roles {
			if x == r {
				return true
			}
		}
		return false
	}
	var winner *ChildOrder
	for i := range o.Children {
		c := &o.Children[i]
		if in(c.Role) && c.Status == common.StatusFilled {
			winner = c
			break
		}
	}
	if winner == nil {
		return nil
	}
	if o.Plan.WinnerID == "" {
		e.mu.Lock()
		e.order.Plan.WinnerID = winner.ID
		m.commitLocked(ctx, e)
		m.release(ctx, e)
	}
	var firstErr error
	for _, c := range o.Children {
		if c.ID == winner.ID || !in(c.Role) || !c.Status.Live() {
			continue
		}
		if err := m.cancelChild(ctx, e, adapter, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) stepOCO(ctx context.Context, e *entry, adapter common.Adapter) error {
	return m.settlePair(ctx, e, adapter, RoleLeg)
}

func (m *Manager) stepIceberg(ctx context.Context, e *entry, adapter common.Adapter) error {
	o := e.snapshot()
	if o.Plan.Halted {
		return nil
	}
	last := o.byRole(RoleSlice)
	if last != nil {
		if last.Status.Live() {
			return nil
		}
		if last.Status != common.StatusFilled {
			m.haltPlan(ctx, e, fmt.Sprintf("slice %d ended %s", last.Seq, last.Status))
			return nil
		}
	}
	remaining := o.Quantity.Sub(committedQty(o))
	if !remaining.IsPositive() {
		return nil
	}
	c := o.entryChild(RoleSlice, decimal.Min(*o.Params.IcebergQuantity, remaining))
	_, err := m.dispatch(ctx, e, adapter, c, nil)
	if common.IsRejected(err) {
		m.haltPlan(ctx, e, "slice rejected")
	}
	return err
}

// nextScheduledSlice sends the next TWAP/VWAP slice when it is due. The
// slice index advances in the same commit that records the child.
func (m *Manager) nextScheduledSlice(ctx context.Context, e *entry, adapter common.Adapter) error {
	o := e.snapshot()
	if o.Plan.Halted || o.Plan.NextSlice >= len(o.Plan.SliceSizes) {
		return nil
	}
	idx := o.Plan.NextSlice
	if m.now().Before(o.Plan.DueAt(idx)) {
		return nil
	}
	size := o.Plan.SliceSizes[idx]
	if left := o.Quantity.Sub(committedQty(o)); size.GreaterThan(left) {
		size = left
	}
	advance := func(lo *LogicalOrder) { lo.Plan.NextSlice = idx + 1 }
	if !size.IsPositive() {
		e.mu.Lock()
		advance(&e.order)
		m.commitLocked(ctx, e)
		m.release(ctx, e)
		return nil
	}
	_, err := m.dispatch(ctx, e, adapter, o.entryChild(RoleSlice, size), advance)
	if common.IsRejected(err) {
		m.haltPlan(ctx, e, fmt.Sprintf("slice %d rejected", idx+1))
	}
	return err
}

func (m *Manager) stepBracket(ctx context.Context, e *entry, adapter common.Adapter) error {
	o := e.snapshot()
	if o.Plan.ProtectionPlaced {
		return m.settlePair(ctx, e, adapter, RoleTakeProfit, RoleStopLoss)
	}
	entry := o.byRole(RoleEntry)
	if o.Plan.Halted || entry == nil || !entry.Status.Terminal() || !entry.FilledQty.IsPositive() {
		return nil
	}

	exit := o.Side.Opposite()
	qty := entry.FilledQty
	tp := ChildOrder{Role: RoleTakeProfit, Side: exit, Type: common.OrderTypeLimit, Quantity: qty, Price: nullPrice(o.Params.TakeProfitPrice)}
	takeProfit, err := m.dispatch(ctx, e, adapter, tp, nil)
	if common.IsRejected(err) {
		m.haltPlan(ctx, e, "take profit rejected")
		return err
	}
	if errors.Is(err, errCancelled) {
		return err
	}
	sl := ChildOrder{Role: RoleStopLoss, Side: exit, Type: common.OrderTypeStopLoss, Quantity: qty, StopPrice: nullPrice(o.Params.StopLossPrice)}
	placed := func(lo *LogicalOrder) { lo.Plan.ProtectionPlaced = true }
	if _, err := m.dispatch(ctx, e, adapter, sl, placed); err != nil {
		if common.IsRejected(err) || errors.Is(err, errCancelled) {
			m.haltPlan(ctx, e, "stop loss could not be placed")
			if cerr := m.cancelChild(ctx, e, adapter, takeProfit); cerr != nil {
				m.log.Warn("could not cancel take profit after stop loss failure",
					zap.String("order_id", o.ID), zap.Error(cerr))
			}
		}
		return err
	}
	return nil
}

func (m *Manager) stepTrailing(ctx context.Context, e *entry, adapter common.Adapter) error {
	o := e.snapshot()
	if o.Plan.Triggered || o.Plan.Trail == nil {
		return nil
	}
	q, err := m.venues.Quote(ctx, o.Exchange, o.Symbol)
	if err != nil {
		return err
	}
	if m.live() && q.Synthetic {
		m.log.Debug("ignoring synthetic quote for live trailing stop", zap.String("order_id", o.ID))
		return nil
	}
	price := q.Reference()
	if !price.IsPositive() {
		return nil
	}

	e.mu.Lock()
	trail := e.order.Plan.Trail
	if trail.Update(price) {
		m.log.Debug("trailing stop moved", zap.String("order_id", o.ID), zap.String("stop", trail.Stop.String()))
		m.commitLocked(ctx, e)
	}
	triggered := trail.Triggered(price)
	stop := trail.Stop
	m.release(ctx, e)
	if !triggered {
		return nil
	}

	exit := ChildOrder{Role: RoleExit, Side: o.Side, Type: common.OrderTypeMarket, Quantity: o.Quantity, StopPrice: decimal.NewNullDecimal(stop)}
	if off := o.Params.ExitLimitOffset; off != nil {
		limit := stop.Sub(*off)
		if o.Side == common.SideBuy {
			limit = stop.Add(*off)
		}
		exit.Type = common.OrderTypeLimit
		exit.Price = decimal.NewNullDecimal(limit)
	}
	m.log.Info("trailing stop triggered", zap.String("order_id", o.ID),
		zap.String("price", price.String()), zap.String("stop", stop.String()))
	_, err = m.dispatch(ctx, e, adapter, exit, func(lo *LogicalOrder) { lo.Plan.Triggered = true })
	if common.IsRejected(err) {
		m.haltPlan(ctx, e, "exit rejected")
	}
	return err
}
