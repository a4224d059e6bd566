package common

import "context"

// Adapter is the uniform contract over a trading venue. Implementations
// translate transport failures into the typed errors of this package.
type Adapter interface {
	Name() string
	Type() ExchangeType
	Capabilities() Capabilities

	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	GetHistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	GetBalance(ctx context.Context) ([]Balance, error)

	// PlaceOrder returns the venue's native order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, nativeID string) error
	GetOrderStatus(ctx context.Context, symbol, nativeID string) (OrderState, error)
}

// Pinger is implemented by adapters with a cheap connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientOrderLookup is implemented by venues that can find an order by the
// client order id it was placed with.
type ClientOrderLookup interface {
	GetOrderByClientID(ctx context.Context, symbol, clientID string) (OrderState, error)
}
