package order

import (
	"context"

	"go.uber.org/zap"
)

// Cancel cancels a logical order and its live children. It is idempotent:
// an order that is already terminal, or cancelled with nothing left to
// cancel, reports Cancelled without touching the venue. A child whose
// placement was in flight is cancelled once the placement returns.
func (m *Manager) Cancel(ctx context.Context, id string) (CancelResult, error) {
	e, err := m.entryFor(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}

	e.mu.Lock()
	o := &e.order
	res := CancelResult{OrderID: o.ID, Cancelled: true, Status: o.Status}
	if o.Status.Terminal() || (o.Plan.Cancelled && !hasCancellable(*o)) {
		e.mu.Unlock()
		return res, nil
	}
	if !o.Plan.Cancelled {
		o.Plan.Cancelled = true
		e.cancelled.Store(true)
		m.log.Info("cancelling order", zap.String("order_id", o.ID), zap.String("type", string(o.Type)))
		m.commitLocked(ctx, e)
	}
	task := e.task
	exchange := o.Exchange
	m.release(ctx, e)
	task.Cancel()

	adapter, err := m.venues.Adapter(exchange)
	if err != nil {
		return res, err
	}

	// Waits for an in-flight placement or poll of the task.
	e.busy.Lock()
	var firstErr error
	for _, c := range e.snapshot().Children {
		if !c.Status.Live() {
			continue
		}
		if err := m.cancelChild(ctx, e, adapter, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.busy.Unlock()
	task.Stop()

	snap := e.snapshot()
	res.Status = snap.Status
	return res, firstErr
}

func hasCancellable(o LogicalOrder) bool {
	for _, c := range o.Children {
		if c.Status.Live() {
			return true
		}
	}
	return false
}
