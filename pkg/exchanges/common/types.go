package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeType selects the adapter implementation for a venue.
type ExchangeType string

const (
	TypeBinanceSpot    ExchangeType = "binance-spot"
	TypeBinanceUSDTFut ExchangeType = "binance-usdtfut"
	TypePaper          ExchangeType = "paper"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType denotes native order types.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	// StatusUnknown marks a placement whose outcome could not be confirmed.
	StatusUnknown OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Live reports whether the order may still be resting on the venue.
func (s OrderStatus) Live() bool {
	return s == StatusNew || s == StatusPartiallyFilled || s == StatusUnknown
}

// Rank orders statuses by progress: open < partially filled < terminal.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusNew, StatusUnknown:
		return 0
	case StatusPartiallyFilled:
		return 1
	default:
		return 2
	}
}

// Capabilities describes what a venue supports and what it costs.
type Capabilities struct {
	OrderTypes        []OrderType     `json:"order_types"`
	TakerFeeBps       decimal.Decimal `json:"taker_fee_bps"`
	MakerFeeBps       decimal.Decimal `json:"maker_fee_bps"`
	RequestsPerSecond float64         `json:"requests_per_second"`
	Burst             int             `json:"burst"`
}

// Supports reports whether t is a native order type of the venue.
func (c Capabilities) Supports(t OrderType) bool {
	if len(c.OrderTypes) == 0 {
		return true
	}
	for _, ot := range c.OrderTypes {
		if ot == t {
			return true
		}
	}
	return false
}

// TakerFee returns the taker fee rate as a fraction.
func (c Capabilities) TakerFee() decimal.Decimal {
	return c.TakerFeeBps.Div(decimal.NewFromInt(10000))
}

// Quote is a top-of-book snapshot. Synthetic marks simulated or fallback
// data that must not drive live decisions.
type Quote struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Time      time.Time       `json:"time"`
	Synthetic bool            `json:"synthetic"`
}

// Mid returns the bid/ask midpoint, or Last when a side is missing.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// Reference returns the price used for price-dependent decisions.
func (q Quote) Reference() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	return q.Mid()
}

// Level is a single price level of an order book.
type Level struct {
	Exchange string          `json:"exchange,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
}

// OrderBook holds bids (descending) and asks (ascending).
type OrderBook struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Time      time.Time `json:"time"`
	Synthetic bool      `json:"synthetic"`
}

// Candle is an OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT variants
	StopPrice   decimal.Decimal // required for STOP_LOSS/TAKE_PROFIT variants
	TimeInForce TimeInForce
	ClientID    string // idempotency key, sent as the venue client order id
}

// NeedsPrice reports whether the order type carries a limit price.
func (t OrderType) NeedsPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLossLimit || t == OrderTypeTakeProfitLimit
}

// NeedsStop reports whether the order type carries a trigger price.
func (t OrderType) NeedsStop() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLossLimit ||
		t == OrderTypeTakeProfit || t == OrderTypeTakeProfitLimit
}

// OrderState is the venue's view of one order.
type OrderState struct {
	NativeID  string          `json:"native_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Status    OrderStatus     `json:"status"`
	Qty       decimal.Decimal `json:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at"`
	// Synthetic is set when fills were priced from simulated market data.
	Synthetic bool `json:"synthetic"`
}
