package risk

import (
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// Trail is a trailing stop for an exit of side ExitSide. A SELL exit
// protects a long position: the anchor tracks the highest price and the stop
// sits below it. A BUY exit mirrors that for shorts. The stop never moves
// in the unfavorable direction.
type Trail struct {
	ExitSide common.Side     `json:"exit_side"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Percent  decimal.Decimal `json:"percent,omitempty"`
	Anchor   decimal.Decimal `json:"anchor"`
	Stop     decimal.Decimal `json:"stop"`
}

// NewTrail starts a trail at the reference price.
func NewTrail(exitSide common.Side, ref, amount, percent decimal.Decimal) Trail {
	t := Trail{ExitSide: exitSide, Amount: amount, Percent: percent, Anchor: ref}
	t.Stop = t.stopFor(ref)
	return t
}

func (t Trail) offset(anchor decimal.Decimal) decimal.Decimal {
	if t.Amount.IsPositive() {
		return t.Amount
	}
	return anchor.Mul(t.Percent).Div(hundred)
}

func (t Trail) stopFor(anchor decimal.Decimal) decimal.Decimal {
	if t.ExitSide == common.SideSell {
		return anchor.Sub(t.offset(anchor))
	}
	return anchor.Add(t.offset(anchor))
}

// Update moves the anchor and stop when price is more favorable than any
// price seen so far and reports whether the stop moved.
func (t *Trail) Update(price decimal.Decimal) bool {
	favorable := (t.ExitSide == common.SideSell && price.GreaterThan(t.Anchor)) ||
		(t.ExitSide == common.SideBuy && price.LessThan(t.Anchor))
	if !favorable {
		return false
	}
	next := t.stopFor(price)
	t.Anchor = price
	if (t.ExitSide == common.SideSell && next.GreaterThan(t.Stop)) ||
		(t.ExitSide == common.SideBuy && next.LessThan(t.Stop)) {
		t.Stop = next
		return true
	}
	return false
}

// Triggered reports whether price crossed the stop.
func (t Trail) Triggered(price decimal.Decimal) bool {
	if t.ExitSide == common.SideSell {
		return price.LessThanOrEqual(t.Stop)
	}
	return price.GreaterThanOrEqual(t.Stop)
}
