// Package risk holds pre-trade limits and the trailing stop ratchet.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"execution-core/pkg/config"
)

// Limits defines pre-trade limits. Zero disables a limit.
type Limits struct {
	// MaxOrderQty caps the total quantity of one logical order.
	MaxOrderQty decimal.Decimal
	// MaxNotional caps quantity times reference price when a price is known.
	MaxNotional decimal.Decimal
	// OrdersPerSecond throttles order acceptance.
	OrdersPerSecond float64
}

// FromConfig maps process configuration onto Limits.
func FromConfig(c config.RiskConfig) Limits {
	return Limits{MaxOrderQty: c.MaxOrderQty, MaxNotional: c.MaxNotional, OrdersPerSecond: c.OrdersPerSecond}
}

// Violation describes a breached limit.
type Violation struct {
	Limit  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk limit %s: %s", v.Limit, v.Reason)
}

// Checker enforces Limits.
type Checker struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewChecker creates a Checker. The throttle allows a burst of one order.
func NewChecker(limits Limits) *Checker {
	c := &Checker{limits: limits}
	if limits.OrdersPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(limits.OrdersPerSecond), 1)
	}
	return c
}

// Check evaluates an order of qty at an optional reference price. It never
// blocks: a throttled order is rejected, not delayed.
func (c *Checker) Check(qty, refPrice decimal.Decimal) error {
	if c == nil {
		return nil
	}
	if c.limits.MaxOrderQty.IsPositive() && qty.GreaterThan(c.limits.MaxOrderQty) {
		return &Violation{Limit: "max_order_qty", Reason: fmt.Sprintf("quantity %s exceeds %s", qty, c.limits.MaxOrderQty)}
	}
	if c.limits.MaxNotional.IsPositive() && refPrice.IsPositive() {
		if n := qty.Mul(refPrice); n.GreaterThan(c.limits.MaxNotional) {
			return &Violation{Limit: "max_notional", Reason: fmt.Sprintf("notional %s exceeds %s", n, c.limits.MaxNotional)}
		}
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return &Violation{Limit: "orders_per_second", Reason: "order throttle limit exceeded"}
	}
	return nil
}
