package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

func positive(p *decimal.Decimal) bool { return p != nil && p.IsPositive() }

// Validate checks the request shape. Venue-dependent checks happen in Place.
func (r *PlaceRequest) Validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = common.Side(strings.ToUpper(string(r.Side)))
	r.Type = Type(strings.ToUpper(string(r.Type)))

	if r.Exchange == "" {
		return invalid("exchange", "required")
	}
	if r.Symbol == "" {
		return invalid("symbol", "required")
	}
	if !r.Side.Valid() {
		return invalid("side", "must be BUY or SELL, got %q", r.Side)
	}
	if !r.Quantity.IsPositive() {
		return invalid("quantity", "must be positive")
	}
	p := r.Params
	if p.LimitPrice != nil && !p.LimitPrice.IsPositive() {
		return invalid("limitPrice", "must be positive")
	}

	switch r.Type {
	case TypeOCO:
		if !positive(p.LimitPrice) {
			return invalid("limitPrice", "required for OCO")
		}
		if !positive(p.StopPrice) {
			return invalid("stopPrice", "required for OCO")
		}
		if r.Side == common.SideSell && !p.LimitPrice.GreaterThan(*p.StopPrice) {
			return invalid("limitPrice", "must be above stopPrice for a SELL OCO")
		}
		if r.Side == common.SideBuy && !p.LimitPrice.LessThan(*p.StopPrice) {
			return invalid("limitPrice", "must be below stopPrice for a BUY OCO")
		}
	case TypeIceberg:
		if !positive(p.IcebergQuantity) {
			return invalid("icebergQuantity", "required and must be positive")
		}
		if p.IcebergQuantity.GreaterThan(r.Quantity) {
			return invalid("icebergQuantity", "must not exceed quantity")
		}
	case TypeTWAP, TypeVWAP:
		if p.Slices < 1 {
			return invalid("slices", "must be at least 1")
		}
		if p.Duration <= 0 {
			return invalid("duration", "must be positive")
		}
		if r.Type == TypeVWAP {
			if n := len(p.VolumeProfile); n > 0 && n != p.Slices {
				return invalid("volumeProfile", "has %d weights for %d slices", n, p.Slices)
			}
			for _, w := range p.VolumeProfile {
				if w.IsNegative() {
					return invalid("volumeProfile", "weights must not be negative")
				}
			}
			if p.ProfileTimeframe != "" {
				if _, err := parseTimeframe(p.ProfileTimeframe); err != nil {
					return invalid("profileTimeframe", "%v", err)
				}
			}
			if p.ProfileLookback < 0 {
				return invalid("profileLookback", "must not be negative")
			}
		}
	case TypeBracket:
		if !positive(p.TakeProfitPrice) {
			return invalid("takeProfitPrice", "required for BRACKET")
		}
		if !positive(p.StopLossPrice) {
			return invalid("stopLossPrice", "required for BRACKET")
		}
		if r.Side == common.SideBuy && !p.TakeProfitPrice.GreaterThan(*p.StopLossPrice) {
			return invalid("takeProfitPrice", "must be above stopLossPrice for a BUY bracket")
		}
		if r.Side == common.SideSell && !p.TakeProfitPrice.LessThan(*p.StopLossPrice) {
			return invalid("takeProfitPrice", "must be below stopLossPrice for a SELL bracket")
		}
	case TypeTrailingStop:
		amount, pct := p.TrailingAmount != nil, p.TrailingPercent != nil
		if amount == pct {
			return invalid("trailingAmount", "exactly one of trailingAmount or trailingPercent is required")
		}
		if amount && !p.TrailingAmount.IsPositive() {
			return invalid("trailingAmount", "must be positive")
		}
		if pct && (!p.TrailingPercent.IsPositive() || p.TrailingPercent.GreaterThanOrEqual(decimal.NewFromInt(100))) {
			return invalid("trailingPercent", "must be between 0 and 100")
		}
		if p.ExitLimitOffset != nil && p.ExitLimitOffset.IsNegative() {
			return invalid("exitLimitOffset", "must not be negative")
		}
	default:
		return invalid("type", "unsupported order type %q", r.Type)
	}
	return nil
}

// nativeTypes lists the venue order types the plan will send.
func (r PlaceRequest) nativeTypes() []common.OrderType {
	p := r.Params
	entry := common.OrderTypeMarket
	if positive(p.LimitPrice) {
		entry = common.OrderTypeLimit
	}
	switch r.Type {
	case TypeOCO:
		return []common.OrderType{common.OrderTypeLimit, common.OrderTypeStopLoss}
	case TypeBracket:
		return []common.OrderType{entry, common.OrderTypeLimit, common.OrderTypeStopLoss}
	case TypeTrailingStop:
		if p.ExitLimitOffset != nil {
			return []common.OrderType{common.OrderTypeLimit}
		}
		return []common.OrderType{common.OrderTypeMarket}
	default:
		return []common.OrderType{entry}
	}
}

// priceDependent reports whether the order needs a trustworthy reference
// price: trailing stops, and any plan that sends MARKET children.
func (r PlaceRequest) priceDependent() bool {
	if r.Type == TypeTrailingStop {
		return true
	}
	for _, t := range r.nativeTypes() {
		if t == common.OrderTypeMarket {
			return true
		}
	}
	return false
}
