package futures_usdt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/binance/rest"
	"execution-core/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials and venue settings.
type Config struct {
	Name         string
	APIKey       string
	APISecret    string
	Testnet      bool
	RecvWindow   int64 // ms
	BaseURL      string
	Capabilities common.Capabilities
	HTTPClient   *http.Client
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg  Config
	rest *rest.Client
}

// NewClient creates a new USDT-M futures adapter.
func NewClient(cfg Config, log *zap.Logger) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.Name == "" {
		cfg.Name = string(common.TypeBinanceUSDTFut)
	}
	if len(cfg.Capabilities.OrderTypes) == 0 {
		cfg.Capabilities.OrderTypes = []common.OrderType{
			common.OrderTypeMarket,
			common.OrderTypeLimit,
			common.OrderTypeStopLoss,
			common.OrderTypeStopLossLimit,
			common.OrderTypeTakeProfit,
			common.OrderTypeTakeProfitLimit,
		}
	}
	return &Client{
		cfg: cfg,
		rest: rest.New(rest.Config{
			Exchange:   cfg.Name,
			BaseURL:    base,
			TimePath:   "/fapi/v1/time",
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			RecvWindow: cfg.RecvWindow,
			WeightCap:  2400, // futures weight/min
			HTTPClient: cfg.HTTPClient,
		}, log),
	}
}

func (c *Client) Name() string                      { return c.cfg.Name }
func (c *Client) Type() common.ExchangeType         { return common.TypeBinanceUSDTFut }
func (c *Client) Capabilities() common.Capabilities { return c.cfg.Capabilities }

// Ping checks REST reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rest.Public(ctx, "ping", "/fapi/v1/ping", nil)
	return err
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.rest.Public(ctx, "get_quote", "/fapi/v1/ticker/bookTicker", params)
	if err != nil {
		return common.Quote{}, err
	}
	return rest.ParseBookTicker(c.cfg.Name, body)
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if depth > 0 {
		params.Set("limit", strconv.Itoa(futuresDepth(depth)))
	}
	body, err := c.rest.Public(ctx, "get_order_book", "/fapi/v1/depth", params)
	if err != nil {
		return common.OrderBook{}, err
	}
	return rest.ParseBook(c.cfg.Name, symbol, body)
}

// futuresDepth rounds up to a limit accepted by /fapi/v1/depth.
func futuresDepth(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if depth <= l {
			return l
		}
	}
	return 1000
}

func (c *Client) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.rest.Public(ctx, "get_candles", "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	return rest.ParseKlines(body)
}

// GetBalance returns futures wallet balances.
func (c *Client) GetBalance(ctx context.Context) ([]common.Balance, error) {
	body, err := c.rest.Signed(ctx, "get_balance", http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode futures balance: %w", err)
	}
	out := make([]common.Balance, 0, len(rows))
	for _, r := range rows {
		total := rest.Dec(r.Balance)
		free := rest.Dec(r.AvailableBalance)
		if total.IsZero() {
			continue
		}
		out = append(out, common.Balance{Asset: r.Asset, Free: free, Locked: total.Sub(free)})
	}
	return out, nil
}

// nativeType maps spot-style order types to their futures names.
func nativeType(t common.OrderType) string {
	switch t {
	case common.OrderTypeStopLoss:
		return "STOP_MARKET"
	case common.OrderTypeStopLossLimit:
		return "STOP"
	case common.OrderTypeTakeProfit:
		return "TAKE_PROFIT_MARKET"
	case common.OrderTypeTakeProfitLimit:
		return "TAKE_PROFIT"
	default:
		return string(t)
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	if !c.cfg.Capabilities.Supports(req.Type) {
		return "", &common.RejectedError{Exchange: c.cfg.Name, Op: "place_order", Message: "unsupported order type " + string(req.Type)}
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", nativeType(req.Type))
	params.Set("quantity", req.Qty.String())
	if req.Type.NeedsPrice() {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", rest.TIF(req.TimeInForce))
	}
	if req.Type.NeedsStop() {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.rest.Signed(ctx, "place_order", http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", err
	}
	p, err := rest.DecodeOrder(body)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(p.OrderID, 10), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, nativeID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", nativeID)
	_, err := c.rest.Signed(ctx, "cancel_order", http.MethodDelete, "/fapi/v1/order", params)
	return err
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, nativeID string) (common.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", nativeID)
	return c.queryOrder(ctx, params)
}

// GetOrderByClientID looks an order up by its client order id.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	return c.queryOrder(ctx, params)
}

func (c *Client) queryOrder(ctx context.Context, params url.Values) (common.OrderState, error) {
	body, err := c.rest.Signed(ctx, "get_order_status", http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderState{}, err
	}
	p, err := rest.DecodeOrder(body)
	if err != nil {
		return common.OrderState{}, err
	}
	return p.State(), nil
}
