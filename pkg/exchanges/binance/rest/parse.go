package rest

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// MapStatus normalizes a Binance order status.
func MapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL", "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusCancelled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

// Dec parses a decimal string, treating malformed input as zero.
func Dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseBook decodes a depth snapshot.
func ParseBook(exchange, symbol string, body []byte) (common.OrderBook, error) {
	var raw struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.OrderBook{}, fmt.Errorf("decode depth: %w", err)
	}
	book := common.OrderBook{Exchange: exchange, Symbol: symbol, Time: time.Now()}
	for _, l := range raw.Bids {
		book.Bids = append(book.Bids, common.Level{Exchange: exchange, Price: Dec(l[0]), Qty: Dec(l[1])})
	}
	for _, l := range raw.Asks {
		book.Asks = append(book.Asks, common.Level{Exchange: exchange, Price: Dec(l[0]), Qty: Dec(l[1])})
	}
	return book, nil
}

// ParseBookTicker decodes a best bid/ask ticker.
func ParseBookTicker(exchange string, body []byte) (common.Quote, error) {
	var raw struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.Quote{}, fmt.Errorf("decode book ticker: %w", err)
	}
	q := common.Quote{
		Exchange: exchange,
		Symbol:   raw.Symbol,
		Bid:      Dec(raw.BidPrice),
		Ask:      Dec(raw.AskPrice),
		Time:     time.Now(),
	}
	q.Last = q.Mid()
	return q, nil
}

// ParseKlines decodes kline rows: [openTime, open, high, low, close, volume, ...].
func ParseKlines(body []byte) ([]common.Candle, error) {
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]common.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		openMs, ok := r[0].(float64)
		if !ok {
			continue
		}
		out = append(out, common.Candle{
			OpenTime: time.UnixMilli(int64(openMs)).UTC(),
			Open:     Dec(str(r[1])),
			High:     Dec(str(r[2])),
			Low:      Dec(str(r[3])),
			Close:    Dec(str(r[4])),
			Volume:   Dec(str(r[5])),
		})
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// OrderPayload is the order query response shared by spot and futures.
type OrderPayload struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"` // spot
	AvgPrice            string `json:"avgPrice"`            // futures
	UpdateTime          int64  `json:"updateTime"`
}

// State converts the payload into the common order state.
func (p OrderPayload) State() common.OrderState {
	filled := Dec(p.ExecutedQty)
	avg := Dec(p.AvgPrice)
	if avg.IsZero() && filled.IsPositive() {
		avg = Dec(p.CummulativeQuoteQty).Div(filled)
	}
	st := common.OrderState{
		NativeID:  fmt.Sprintf("%d", p.OrderID),
		ClientID:  p.ClientOrderID,
		Status:    MapStatus(p.Status),
		Qty:       Dec(p.OrigQty),
		FilledQty: filled,
		AvgPrice:  avg,
	}
	if p.UpdateTime > 0 {
		st.UpdatedAt = time.UnixMilli(p.UpdateTime)
	}
	return st
}

// DecodeOrder decodes an order payload.
func DecodeOrder(body []byte) (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode order: %w", err)
	}
	return p, nil
}

// TIF defaults to GTC.
func TIF(tif common.TimeInForce) string {
	if tif == "" {
		return string(common.TIFGTC)
	}
	return string(tif)
}
