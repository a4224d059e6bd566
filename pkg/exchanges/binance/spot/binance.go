package spot

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

// Config holds Binance spot credentials and venue settings.
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

// Client is a Binance spot adapter.
type Client struct {
	cfg  Config
	rest *rest.Client
}

var spotOrderTypes = []common.OrderType{
	common.OrderTypeMarket,
	common.OrderTypeLimit,
	common.OrderTypeStopLoss,
	common.OrderTypeStopLossLimit,
	common.OrderTypeTakeProfit,
	common.OrderTypeTakeProfitLimit,
}

// New creates a spot adapter.
func New(cfg Config, log *zap.Logger) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.Name == "" {
		cfg.Name = string(common.TypeBinanceSpot)
	}
	if len(cfg.Capabilities.OrderTypes) == 0 {
		cfg.Capabilities.OrderTypes = spotOrderTypes
	}
	return &Client{
		cfg: cfg,
		rest: rest.New(rest.Config{
			Exchange:   cfg.Name,
			BaseURL:    base,
			TimePath:   "/api/v3/time",
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			RecvWindow: cfg.RecvWindow,
			WeightCap:  1200,
			HTTPClient: cfg.HTTPClient,
		}, log),
	}
}

func (c *Client) Name() string                      { return c.cfg.Name }
func (c *Client) Type() common.ExchangeType         { return common.TypeBinanceSpot }
func (c *Client) Capabilities() common.Capabilities { return c.cfg.Capabilities }

// Ping checks REST reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rest.Public(ctx, "ping", "/api/v3/ping", nil)
	return err
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.rest.Public(ctx, "get_quote", "/api/v3/ticker/bookTicker", params)
	if err != nil {
		return common.Quote{}, err
	}
	return rest.ParseBookTicker(c.cfg.Name, body)
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if depth > 0 {
		params.Set("limit", strconv.Itoa(depth))
	}
	body, err := c.rest.Public(ctx, "get_order_book", "/api/v3/depth", params)
	if err != nil {
		return common.OrderBook{}, err
	}
	return rest.ParseBook(c.cfg.Name, symbol, body)
}

func (c *Client) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.rest.Public(ctx, "get_candles", "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}
	return rest.ParseKlines(body)
}

// GetBalance returns non-zero balances.
func (c *Client) GetBalance(ctx context.Context) ([]common.Balance, error) {
	body, err := c.rest.Signed(ctx, "get_balance", http.MethodGet, "/api/v3/account", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	out := make([]common.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		bal := common.Balance{Asset: b.Asset, Free: rest.Dec(b.Free), Locked: rest.Dec(b.Locked)}
		if bal.Free.IsZero() && bal.Locked.IsZero() {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	if !c.cfg.Capabilities.Supports(req.Type) {
		return "", &common.RejectedError{Exchange: c.cfg.Name, Op: "place_order", Message: "unsupported order type " + string(req.Type)}
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(req.Type))
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

	body, err := c.rest.Signed(ctx, "place_order", http.MethodPost, "/api/v3/order", params)
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
	_, err := c.rest.Signed(ctx, "cancel_order", http.MethodDelete, "/api/v3/order", params)
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
	body, err := c.rest.Signed(ctx, "get_order_status", http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OrderState{}, err
	}
	p, err := rest.DecodeOrder(body)
	if err != nil {
		return common.OrderState{}, err
	}
	return p.State(), nil
}
