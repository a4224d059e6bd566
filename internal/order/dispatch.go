package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

var (
	// errCancelled means the order was cancelled before the child was sent.
	errCancelled = errors.New("order cancelled")
	// errCancelledInFlight means the child was placed but the order was
	// cancelled while the placement was in flight.
	errCancelledInFlight = errors.New("order cancelled during placement")
)

// dispatch records c as UNKNOWN together with the plan mutation, sends it
// and applies the outcome. Recording before sending keeps a crash between
// the two recoverable: the client order id lets reconciliation find it.
// Caller holds e.busy.
func (m *Manager) dispatch(ctx context.Context, e *entry, adapter common.Adapter, c ChildOrder, mutate func(*LogicalOrder)) (ChildOrder, error) {
	now := m.now().UTC()
	c.ID = uuid.NewString()
	c.Status = common.StatusUnknown
	c.FilledQty = decimal.Zero
	c.AvgPrice = decimal.Zero
	c.CreatedAt = now
	c.UpdatedAt = now

	e.mu.Lock()
	if e.cancelled.Load() {
		e.mu.Unlock()
		return c, errCancelled
	}
	c.ParentID = e.order.ID
	c.Symbol = e.order.Symbol
	c.Seq = len(e.order.Children) + 1
	tif := e.order.Params.TimeInForce
	e.order.Children = append(e.order.Children, c)
	e.order.Plan.Started = true
	if mutate != nil {
		mutate(&e.order)
	}
	m.commitLocked(ctx, e)
	m.release(ctx, e)
	m.table.indexChild(c.ID, c.ParentID)

	req := common.OrderRequest{
		Symbol:      c.Symbol,
		Side:        c.Side,
		Type:        c.Type,
		Qty:         c.Quantity,
		TimeInForce: tif,
		ClientID:    c.ID,
	}
	if c.Price.Valid && c.Type.NeedsPrice() {
		req.Price = c.Price.Decimal
	}
	if c.StopPrice.Valid && c.Type.NeedsStop() {
		req.StopPrice = c.StopPrice.Decimal
	}
	if req.Type == common.OrderTypeLimit && req.TimeInForce == "" {
		req.TimeInForce = common.TIFGTC
	}
	nativeID, err := adapter.PlaceOrder(context.WithoutCancel(ctx), req)
	if common.IsDuplicateClientID(err) {
		// An earlier attempt with this client id may be resting on the venue.
		err = &common.ConnectivityError{Exchange: adapter.Name(), Op: "place_order", Err: errors.New(err.Error())}
	}

	log := m.log.With(zap.String("order_id", c.ParentID), zap.String("child_id", c.ID),
		zap.String("role", string(c.Role)), zap.Int("seq", c.Seq))
	e.mu.Lock()
	ch := e.order.child(c.ID)
	switch {
	case err == nil:
		ch.NativeID = nativeID
		ch.Status = common.StatusNew
		log.Info("child placed", zap.String("native_id", nativeID),
			zap.String("type", string(c.Type)), zap.String("quantity", c.Quantity.String()))
	case common.IsRejected(err):
		ch.Status = common.StatusRejected
		log.Warn("child rejected", zap.Error(err))
	default:
		// Outcome unknown; the child stays UNKNOWN until reconciliation
		// looks it up by client order id.
		log.Error("child placement outcome unknown", zap.Error(err))
	}
	ch.UpdatedAt = m.now().UTC()
	placed := *ch
	if err != nil {
		e.outbox = append(e.outbox, m.message(events.EventDispatchError, e.order, err.Error()))
	}
	m.commitLocked(ctx, e)
	m.release(ctx, e)

	if err == nil && e.cancelled.Load() {
		return placed, errCancelledInFlight
	}
	return placed, err
}

// applyState moves a child forward to the venue's view. Regressions are
// left for reconciliation to classify.
func applyState(ch *ChildOrder, st common.OrderState) bool {
	if st.Status == "" || st.Status.Rank() < ch.Status.Rank() || st.FilledQty.LessThan(ch.FilledQty) {
		return false
	}
	if st.Status == ch.Status && st.FilledQty.Equal(ch.FilledQty) && st.AvgPrice.Equal(ch.AvgPrice) {
		return false
	}
	ch.Status = st.Status
	ch.FilledQty = st.FilledQty
	ch.AvgPrice = st.AvgPrice
	ch.Synthetic = ch.Synthetic || st.Synthetic
	if ch.NativeID == "" {
		ch.NativeID = st.NativeID
	}
	return true
}

// refreshChildren polls every live child with a native id and applies
// progress. Caller holds e.busy.
func (m *Manager) refreshChildren(ctx context.Context, e *entry, adapter common.Adapter) bool {
	snap := e.snapshot()
	type update struct {
		id string
		st common.OrderState
	}
	var updates []update
	for _, c := range snap.Children {
		if !c.Status.Live() || c.NativeID == "" {
			continue
		}
		st, err := adapter.GetOrderStatus(context.WithoutCancel(ctx), c.Symbol, c.NativeID)
		if err != nil {
			m.log.Debug("child status poll failed",
				zap.String("order_id", snap.ID), zap.String("child_id", c.ID), zap.Error(err))
			continue
		}
		updates = append(updates, update{id: c.ID, st: st})
	}
	if len(updates) == 0 {
		return false
	}

	e.mu.Lock()
	changed := false
	for _, u := range updates {
		ch := e.order.child(u.id)
		if ch == nil || !ch.Status.Live() {
			continue
		}
		if applyState(ch, u.st) {
			ch.UpdatedAt = m.now().UTC()
			changed = true
		}
	}
	if changed {
		m.commitLocked(ctx, e)
	}
	m.release(ctx, e)
	return changed
}

// cancelChild cancels one live child and refreshes its state so fills that
// raced the cancel are captured. Not-found is an expected race with a fill.
// Caller holds e.busy.
func (m *Manager) cancelChild(ctx context.Context, e *entry, adapter common.Adapter, c ChildOrder) error {
	log := m.log.With(zap.String("order_id", c.ParentID), zap.String("child_id", c.ID))
	if c.NativeID == "" {
		lookup, ok := adapter.(common.ClientOrderLookup)
		if !ok {
			return nil
		}
		st, err := lookup.GetOrderByClientID(context.WithoutCancel(ctx), c.Symbol, c.ID)
		if err != nil {
			log.Debug("unknown child not resolvable yet", zap.Error(err))
			return nil
		}
		e.mu.Lock()
		if ch := e.order.child(c.ID); ch != nil {
			ch.NativeID = st.NativeID
			applyState(ch, st)
			c = *ch
			m.commitLocked(ctx, e)
		}
		m.release(ctx, e)
		if !c.Status.Live() || c.NativeID == "" {
			return nil
		}
	}

	err := adapter.CancelOrder(context.WithoutCancel(ctx), c.Symbol, c.NativeID)
	switch {
	case err == nil:
		log.Info("child cancelled")
	case common.IsNotFound(err):
		log.Info("cancel raced a terminal child", zap.Error(err))
	default:
		log.Warn("child cancel failed", zap.Error(err))
		e.mu.Lock()
		e.outbox = append(e.outbox, m.message(events.EventDispatchError, e.order, err.Error()))
		m.release(ctx, e)
		return err
	}

	st, serr := adapter.GetOrderStatus(context.WithoutCancel(ctx), c.Symbol, c.NativeID)
	e.mu.Lock()
	if ch := e.order.child(c.ID); ch != nil {
		if serr == nil {
			applyState(ch, st)
		}
		if err == nil && ch.Status.Live() {
			ch.Status = common.StatusCancelled
		}
		ch.UpdatedAt = m.now().UTC()
		m.commitLocked(ctx, e)
	}
	m.release(ctx, e)
	return nil
}

// haltPlan stops the plan from sending further children.
func (m *Manager) haltPlan(ctx context.Context, e *entry, reason string) {
	e.mu.Lock()
	if !e.order.Plan.Halted {
		e.order.Plan.Halted = true
		e.order.Plan.HaltReason = reason
		m.log.Warn("plan halted", zap.String("order_id", e.order.ID), zap.String("reason", reason))
		m.commitLocked(ctx, e)
	}
	m.release(ctx, e)
}
