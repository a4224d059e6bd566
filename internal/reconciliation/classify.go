package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

const notFound = "NOT_FOUND"

// observation is what the venue reported for one child.
type observation struct {
	state   common.OrderState
	missing bool
	at      time.Time
}

type tolerance struct {
	qty      decimal.Decimal
	pricePct decimal.Decimal
}

// verdict is the comparison of one child with its observation.
type verdict struct {
	child    ledger.Child
	diffs    []FieldDiff
	severity Severity
	// adopt is the state that resolves the discrepancy, nil when it needs
	// an operator.
	adopt   *common.OrderState
	adopted bool
}

func (v verdict) matched() bool { return len(v.diffs) == 0 }

// classify diffs status, filled quantity and average price. The venue is
// the source of truth for fills, so a venue that is ahead of the ledger is
// adoptable; anything that would move the ledger backwards, or that the
// venue cannot account for, is HIGH.
func classify(c ledger.Child, obs observation, tol tolerance) verdict {
	v := verdict{child: c}
	if obs.missing {
		if c.Status == common.StatusUnknown && c.NativeID == "" {
			// The placement never reached the venue.
			v.diffs = []FieldDiff{{Field: "status", Ledger: string(c.Status), Exchange: notFound}}
			v.severity = SeverityMedium
			v.adopt = &common.OrderState{ClientID: c.ID, Status: common.StatusRejected, Qty: c.Quantity,
				FilledQty: c.FilledQty, AvgPrice: c.AvgPrice}
			return v
		}
		v.diffs = []FieldDiff{{Field: "presence", Ledger: string(c.Status), Exchange: notFound}}
		v.severity = SeverityHigh
		return v
	}

	st := obs.state
	if st.Status != c.Status {
		v.diffs = append(v.diffs, FieldDiff{Field: "status", Ledger: string(c.Status), Exchange: string(st.Status)})
	}
	gap := st.FilledQty.Sub(c.FilledQty)
	if gap.Abs().GreaterThan(tol.qty) {
		v.diffs = append(v.diffs, FieldDiff{Field: "filled_qty", Ledger: c.FilledQty.String(), Exchange: st.FilledQty.String()})
	}
	priceOff := c.FilledQty.IsPositive() && st.FilledQty.IsPositive() && priceDiffers(c.AvgPrice, st.AvgPrice, tol.pricePct)
	if priceOff {
		v.diffs = append(v.diffs, FieldDiff{Field: "avg_price", Ledger: c.AvgPrice.String(), Exchange: st.AvgPrice.String()})
	}
	if v.matched() {
		return v
	}

	switch {
	case c.Status.Terminal() && st.Status != c.Status:
		v.severity = SeverityHigh
	case st.Status.Rank() < c.Status.Rank():
		v.severity = SeverityHigh
	case gap.LessThan(tol.qty.Neg()):
		v.severity = SeverityHigh
	case c.Quantity.IsPositive() && st.FilledQty.GreaterThan(c.Quantity.Add(tol.qty)):
		v.severity = SeverityHigh
	case priceOff && gap.Abs().LessThanOrEqual(tol.qty):
		v.severity = SeverityHigh
	case gap.GreaterThan(tol.qty):
		v.severity = SeverityMedium
	default:
		v.severity = SeverityLow
	}
	if v.severity != SeverityHigh {
		adopt := st
		v.adopt = &adopt
	}
	return v
}

func priceDiffers(ledgerPx, venuePx, pct decimal.Decimal) bool {
	if !ledgerPx.IsPositive() {
		return !venuePx.Equal(ledgerPx)
	}
	return venuePx.Sub(ledgerPx).Abs().Div(ledgerPx).Mul(hundred).GreaterThan(pct)
}
