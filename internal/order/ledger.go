package order

import (
	"context"

	"go.uber.org/zap"

	"execution-core/internal/ledger"
)

var _ ledger.Ledger = (*Manager)(nil)

func toLedger(o LogicalOrder) ledger.Order {
	out := ledger.Order{
		ID:       o.ID,
		Exchange: o.Exchange,
		Symbol:   o.Symbol,
		Type:     string(o.Type),
		Status:   string(o.Status),
		Terminal: o.Status.Terminal(),
		Children: make([]ledger.Child, len(o.Children)),
	}
	for i, c := range o.Children {
		out.Children[i] = ledger.Child{
			ID:        c.ID,
			ParentID:  o.ID,
			Exchange:  o.Exchange,
			Symbol:    c.Symbol,
			NativeID:  c.NativeID,
			Role:      string(c.Role),
			Status:    c.Status,
			Quantity:  c.Quantity,
			FilledQty: c.FilledQty,
			AvgPrice:  c.AvgPrice,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		}
	}
	return out
}

// OpenOrders returns every non-terminal order, in memory or persisted.
func (m *Manager) OpenOrders(ctx context.Context) ([]ledger.Order, error) {
	seen := make(map[string]bool)
	var out []ledger.Order
	for _, o := range m.ListActive(ctx, Filter{}) {
		seen[o.ID] = true
		out = append(out, toLedger(o))
	}
	stored, err := m.store.List(ctx, ListFilter{ActiveOnly: true})
	if err != nil {
		return out, err
	}
	for _, o := range stored {
		if !seen[o.ID] {
			if e, ok := m.table.get(o.ID); ok {
				o = e.snapshot()
				if o.Status.Terminal() {
					continue
				}
			}
			out = append(out, toLedger(o))
		}
	}
	return out, nil
}

// Order resolves a logical or child order id.
func (m *Manager) Order(ctx context.Context, id string) (ledger.Order, error) {
	o, err := m.Get(ctx, id)
	if err != nil {
		return ledger.Order{}, err
	}
	return toLedger(o), nil
}

// Compare lets reconciliation diff and adopt venue state under the order's
// lock. Adopted state is authoritative, so it may move a child backwards.
func (m *Manager) Compare(ctx context.Context, orderID string, fn func([]ledger.Child) []ledger.Adoption) error {
	e, err := m.entryFor(ctx, orderID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	adoptions := fn(toLedger(e.order).Children)
	changed := false
	for _, a := range adoptions {
		ch := e.order.child(a.ChildID)
		if ch == nil {
			continue
		}
		m.log.Info("adopting venue state",
			zap.String("order_id", e.order.ID), zap.String("child_id", ch.ID),
			zap.String("from", string(ch.Status)), zap.String("to", string(a.State.Status)),
			zap.String("filled_qty", a.State.FilledQty.String()))
		ch.Status = a.State.Status
		ch.FilledQty = a.State.FilledQty
		ch.AvgPrice = a.State.AvgPrice
		ch.Synthetic = ch.Synthetic || a.State.Synthetic
		if a.State.NativeID != "" {
			ch.NativeID = a.State.NativeID
		}
		ch.UpdatedAt = m.now().UTC()
		changed = true
	}
	if changed {
		m.commitLocked(ctx, e)
	}
	terminal := e.order.Status.Terminal()
	m.release(ctx, e)
	if changed && !terminal {
		m.spawn(e)
	}
	return nil
}
