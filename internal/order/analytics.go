package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

var tenThousand = decimal.NewFromInt(10000)

// Timeframe bounds Analytics by order creation time. Zero bounds are open.
type Timeframe struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Analytics summarizes execution quality over a timeframe.
type Analytics struct {
	Timeframe      Timeframe        `json:"timeframe"`
	TotalOrders    int              `json:"total_orders"`
	ByType         map[Type]int     `json:"by_type"`
	ByStatus       map[Status]int   `json:"by_status"`
	RequestedQty   decimal.Decimal  `json:"requested_qty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FillRate       decimal.Decimal  `json:"fill_rate"`
	ChildOrders    int              `json:"child_orders"`
	FilledChildren int              `json:"filled_children"`
	// AvgSlippageBps is signed so that positive means worse than arrival.
	AvgSlippageBps  decimal.Decimal `json:"avg_slippage_bps"`
	SlippageSamples int             `json:"slippage_samples"`
}

// Analytics is a read-only projection over the orders of this mode.
func (m *Manager) Analytics(ctx context.Context, tf Timeframe) (Analytics, error) {
	orders, err := m.store.List(ctx, ListFilter{From: tf.From, To: tf.To})
	if err != nil {
		return Analytics{}, err
	}
	return summarize(tf, orders), nil
}

func summarize(tf Timeframe, orders []LogicalOrder) Analytics {
	a := Analytics{
		Timeframe:      tf,
		ByType:         make(map[Type]int),
		ByStatus:       make(map[Status]int),
		RequestedQty:   decimal.Zero,
		FilledQty:      decimal.Zero,
		FillRate:       decimal.Zero,
		AvgSlippageBps: decimal.Zero,
	}
	slippage := decimal.Zero
	for _, o := range orders {
		a.TotalOrders++
		a.ByType[o.Type]++
		a.ByStatus[o.Status]++
		a.RequestedQty = a.RequestedQty.Add(o.Quantity)
		filled := ExecutedQty(o)
		a.FilledQty = a.FilledQty.Add(filled)
		for _, c := range o.Children {
			a.ChildOrders++
			if c.Status == common.StatusFilled {
				a.FilledChildren++
			}
		}
		if bps, ok := slippageBps(o); ok {
			slippage = slippage.Add(bps)
			a.SlippageSamples++
		}
	}
	if a.RequestedQty.IsPositive() {
		a.FillRate = a.FilledQty.Div(a.RequestedQty).Round(6)
	}
	if a.SlippageSamples > 0 {
		a.AvgSlippageBps = slippage.Div(decimal.NewFromInt(int64(a.SlippageSamples))).Round(4)
	}
	return a
}

// slippageBps compares the fill-weighted execution price with the arrival
// price. Orders priced off synthetic data are skipped.
func slippageBps(o LogicalOrder) (decimal.Decimal, bool) {
	if !o.ArrivalPrice.Valid || o.ArrivalSynthetic || !o.ArrivalPrice.Decimal.IsPositive() {
		return decimal.Zero, false
	}
	qty, notional := decimal.Zero, decimal.Zero
	for _, c := range o.Children {
		if !c.Role.CountsTowardQuantity() || !c.FilledQty.IsPositive() {
			continue
		}
		qty = qty.Add(c.FilledQty)
		notional = notional.Add(c.FilledQty.Mul(c.AvgPrice))
	}
	if !qty.IsPositive() {
		return decimal.Zero, false
	}
	arrival := o.ArrivalPrice.Decimal
	diff := notional.Div(qty).Sub(arrival)
	if o.Side == common.SideSell {
		diff = diff.Neg()
	}
	return diff.Div(arrival).Mul(tenThousand), true
}
