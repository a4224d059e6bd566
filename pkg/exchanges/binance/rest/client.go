package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// Config holds Binance credentials and endpoint selection.
type Config struct {
	Exchange   string // registry name, used in errors
	BaseURL    string
	TimePath   string // e.g. /api/v3/time
	APIKey     string
	APISecret  string
	RecvWindow int64 // ms
	WeightCap  int   // request weight per minute
	HTTPClient *http.Client
}

// Client performs public and signed Binance REST calls and maps failures
// into the common error taxonomy.
type Client struct {
	cfg      Config
	http     *http.Client
	timeSync *common.TimeSync
	weights  *common.WeightTracker
	log      *zap.Logger
}

// New creates a REST client.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.WeightCap == 0 {
		cfg.WeightCap = 1200
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		weights: common.NewWeightTracker(cfg.WeightCap, time.Minute, log),
		log:     log,
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, log)
	return c
}

// HasCredentials reports whether signed endpoints can be used.
func (c *Client) HasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// Public performs an unsigned GET.
func (c *Client) Public(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(op, req)
}

// Signed signs params and performs the request. GET and DELETE carry the
// signature in the query string, other methods in a form body.
func (c *Client) Signed(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if !c.HasCredentials() {
		return nil, &common.RejectedError{Exchange: c.cfg.Exchange, Op: op, Message: "API key/secret required"}
	}
	if c.timeSync.Stale() {
		if err := c.timeSync.Sync(ctx); err != nil {
			c.log.Debug("time sync failed", zap.Error(err))
		}
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req     *http.Request
		err     error
		encoded = params.Encode()
	)
	endpoint := c.cfg.BaseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	if wait := c.weights.Backoff(); wait > 0 {
		return nil, &common.RateLimitError{Exchange: c.cfg.Exchange, Op: op, RetryAfter: wait}
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &common.ConnectivityError{Exchange: c.cfg.Exchange, Op: op, Err: err}
	}
	defer res.Body.Close()
	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.ConnectivityError{Exchange: c.cfg.Exchange, Op: op, Err: err}
	}
	if res.StatusCode >= 300 {
		return nil, c.classify(op, res, body)
	}
	return body, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Binance error codes with special handling.
const (
	codeTimestampOutsideWindow = -1021
	codeTooManyRequests        = -1003
	codeCancelRejected         = -2011
	codeNoSuchOrder            = -2013
)

func (c *Client) classify(op string, res *http.Response, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot || ae.Code == codeTooManyRequests:
		var retryAfter time.Duration
		if s, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(s) * time.Second
		}
		return &common.RateLimitError{Exchange: c.cfg.Exchange, Op: op, RetryAfter: retryAfter}
	case res.StatusCode >= 500:
		return &common.ConnectivityError{Exchange: c.cfg.Exchange, Op: op,
			Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))}
	case ae.Code == codeNoSuchOrder:
		return fmt.Errorf("%s %s: %w", c.cfg.Exchange, op, common.ErrOrderNotFound)
	case ae.Code == codeCancelRejected && strings.Contains(strings.ToLower(ae.Msg), "unknown order"):
		return fmt.Errorf("%s %s: %w", c.cfg.Exchange, op, common.ErrOrderNotFound)
	case ae.Code == codeTimestampOutsideWindow:
		// Force a resync; the retry picks up the new offset.
		c.timeSync.Invalidate()
		return &common.ConnectivityError{Exchange: c.cfg.Exchange, Op: op, Err: errors.New(ae.Msg)}
	default:
		msg := ae.Msg
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &common.RejectedError{Exchange: c.cfg.Exchange, Op: op, Code: ae.Code, Message: msg}
	}
}

// ServerTime fetches server time (ms).
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.Public(ctx, "server_time", c.cfg.TimePath, nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// Weights exposes the request weight tracker.
func (c *Client) Weights() *common.WeightTracker { return c.weights }

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
