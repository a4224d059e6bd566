package paper

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

var tenThousand = decimal.NewFromInt(10000)

func (e *Exchange) matchLocked(symbol string) {
	for _, o := range e.orders {
		if o.req.Symbol == symbol {
			e.matchOrderLocked(o)
		}
	}
}

// matchOrderLocked fills o against the last price when it is marketable.
// Stop variants trigger on the last price crossing StopPrice.
func (e *Exchange) matchOrderLocked(o *simOrder) {
	if o.state.Status.Terminal() {
		return
	}
	m, ok := e.markets[o.req.Symbol]
	if !ok || !m.price.IsPositive() {
		return
	}
	last := m.price
	buy := o.req.Side == common.SideBuy

	switch o.req.Type {
	case common.OrderTypeMarket:
		e.fillLocked(o, o.remaining(), e.slipped(last, buy), m.synthetic)
	case common.OrderTypeLimit:
		if (buy && last.LessThanOrEqual(o.req.Price)) || (!buy && last.GreaterThanOrEqual(o.req.Price)) {
			e.fillLocked(o, o.remaining(), o.req.Price, m.synthetic)
		}
	case common.OrderTypeStopLoss, common.OrderTypeStopLossLimit:
		// Sell stops trigger on a fall, buy stops on a rise.
		if (buy && last.GreaterThanOrEqual(o.req.StopPrice)) || (!buy && last.LessThanOrEqual(o.req.StopPrice)) {
			e.fillLocked(o, o.remaining(), e.triggerPrice(o, last, buy), m.synthetic)
		}
	case common.OrderTypeTakeProfit, common.OrderTypeTakeProfitLimit:
		if (buy && last.LessThanOrEqual(o.req.StopPrice)) || (!buy && last.GreaterThanOrEqual(o.req.StopPrice)) {
			e.fillLocked(o, o.remaining(), e.triggerPrice(o, last, buy), m.synthetic)
		}
	}
}

func (e *Exchange) triggerPrice(o *simOrder, last decimal.Decimal, buy bool) decimal.Decimal {
	if o.req.Type.NeedsPrice() && o.req.Price.IsPositive() {
		return o.req.Price
	}
	return e.slipped(last, buy)
}

func (e *Exchange) slipped(price decimal.Decimal, buy bool) decimal.Decimal {
	if !e.cfg.SlippageBps.IsPositive() {
		return price
	}
	frac := e.cfg.SlippageBps.Div(tenThousand)
	if buy {
		return price.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(frac))
}

func (o *simOrder) remaining() decimal.Decimal {
	return o.state.Qty.Sub(o.state.FilledQty)
}

func (e *Exchange) fillLocked(o *simOrder, qty, price decimal.Decimal, synthetic bool) {
	rem := o.remaining()
	if qty.GreaterThan(rem) {
		qty = rem
	}
	if !qty.IsPositive() {
		return
	}
	notional := o.state.AvgPrice.Mul(o.state.FilledQty).Add(price.Mul(qty))
	o.state.FilledQty = o.state.FilledQty.Add(qty)
	o.state.AvgPrice = notional.Div(o.state.FilledQty)
	o.state.Synthetic = o.state.Synthetic || synthetic
	if o.state.FilledQty.GreaterThanOrEqual(o.state.Qty) {
		o.state.Status = common.StatusFilled
	} else {
		o.state.Status = common.StatusPartiallyFilled
	}
	o.state.UpdatedAt = time.Now()
}
