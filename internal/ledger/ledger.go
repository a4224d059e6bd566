// Package ledger is the contract between the component that owns order
// bookkeeping and the reconciliation service that audits it.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Child is one native order as the ledger recorded it.
type Child struct {
	ID        string             `json:"id"`
	ParentID  string             `json:"parent_id"`
	Exchange  string             `json:"exchange"`
	Symbol    string             `json:"symbol"`
	NativeID  string             `json:"native_id"`
	Role      string             `json:"role"`
	Status    common.OrderStatus `json:"status"`
	Quantity  decimal.Decimal    `json:"quantity"`
	FilledQty decimal.Decimal    `json:"filled_qty"`
	AvgPrice  decimal.Decimal    `json:"avg_price"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Order is a logical order with the children that belong to it.
type Order struct {
	ID       string  `json:"id"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Type     string  `json:"type"`
	Status   string  `json:"status"`
	Terminal bool    `json:"terminal"`
	Children []Child `json:"children"`
}

// Adoption replaces the ledger's view of a child with venue state.
type Adoption struct {
	ChildID string
	State   common.OrderState
}

// Ledger exposes the orders of one trading mode for auditing.
type Ledger interface {
	TradingMode() string
	// OpenOrders returns every non-terminal logical order.
	OpenOrders(ctx context.Context) ([]Order, error)
	// Order resolves a logical or child order id.
	Order(ctx context.Context, id string) (Order, error)
	// Compare runs fn under the order's lock with the current children and
	// applies the adoptions it returns before releasing the lock. fn must
	// not block on the network.
	Compare(ctx context.Context, orderID string, fn func(children []Child) []Adoption) error
}
