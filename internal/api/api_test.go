package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/registry"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/paper"
)

type fixture struct {
	srv   *httptest.Server
	bus   *events.Bus
	sim   *paper.Exchange
	paper *order.Manager
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	database, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus()
	regCfg := registry.DefaultConfig()
	regCfg.HealthInterval = 0
	regCfg.Retry.MaxRetries = 0
	reg := registry.New(regCfg, registry.WithSink(bus))
	sim := paper.New(paper.Config{Name: "sim"}, nil)
	sim.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	require.NoError(t, reg.Register(ctx, sim))

	mgr := order.NewManager(order.Config{TradingMode: "paper", PollInterval: 10 * time.Millisecond},
		reg, order.NewSQLStore(database, "paper"), order.WithSink(bus))
	t.Cleanup(mgr.Stop)

	rcfg := reconciliation.DefaultConfig()
	rcfg.QueriesPerSecond = 0
	rec, err := reconciliation.NewService(rcfg, reg,
		[]reconciliation.Mode{{Ledger: mgr, Records: database.Mode("paper")}},
		reconciliation.WithSink(bus))
	require.NoError(t, err)
	t.Cleanup(func() { rec.Stop() })

	deps := Deps{
		Bus:      bus,
		Orders:   map[string]*order.Manager{"paper": mgr},
		Recon:    rec,
		Registry: reg,
		Monitor:  monitor.New(bus),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	s := NewServer(deps, SystemMeta{Version: "test", DefaultMode: "paper"})
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, bus: bus, sim: sim, paper: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, payload any, out any) int {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	Field string `json:"field"`
}

func twap() map[string]any {
	return map[string]any{
		"exchange": "sim",
		"symbol":   "BTCUSDT",
		"side":     "BUY",
		"type":     "TWAP",
		"quantity": "10",
		"params":   map[string]any{"slices": 5, "duration": "1h"},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"paper"}, body["modes"])
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)

	var placed struct {
		OrderID string              `json:"orderId"`
		Plan    []order.PlannedStep `json:"plan"`
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/orders", twap(), &placed))
	require.NotEmpty(t, placed.OrderID)
	assert.Len(t, placed.Plan, 5)

	var got order.LogicalOrder
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/orders/"+placed.OrderID, nil, &got))
	assert.Equal(t, order.TypeTWAP, got.Type)
	assert.Equal(t, "paper", got.TradingMode)

	var active []order.LogicalOrder
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/orders?type=twap", nil, &active))
	require.Len(t, active, 1)
	assert.Equal(t, placed.OrderID, active[0].ID)

	var cancelled order.CancelResult
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/orders/"+placed.OrderID, nil, &cancelled))
	assert.True(t, cancelled.Cancelled)
	assert.True(t, cancelled.Status.Terminal())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/orders", nil, &active))
	assert.Empty(t, active)

	var a order.Analytics
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/orders/analytics", nil, &a))
	assert.Equal(t, 1, a.TotalOrders)
	assert.Equal(t, 1, a.ByType[order.TypeTWAP])
}

func TestOrderErrors(t *testing.T) {
	f := newFixture(t)

	bad := twap()
	bad["quantity"] = "0"
	var e apiError
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/orders", bad, &e))
	assert.Equal(t, "INVALID_REQUEST", e.Code)
	assert.Equal(t, "quantity", e.Field)

	unknown := twap()
	unknown["trading_mode"] = "live"
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/orders", unknown, &e))
	assert.Equal(t, "UNKNOWN_MODE", e.Code)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/orders/nope", nil, &e))
	assert.Equal(t, "NOT_FOUND", e.Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/orders/nope", nil, &e))

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/orders/analytics?from=yesterday", nil, &e))
}

func TestReconciliationEndpoints(t *testing.T) {
	f := newFixture(t)

	var placed struct {
		OrderID string `json:"orderId"`
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/orders", twap(), &placed))

	var sweeps []reconciliation.SweepResult
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reconciliation/run", nil, &sweeps))
	require.Len(t, sweeps, 1)
	assert.Equal(t, "paper", sweeps[0].TradingMode)

	var res reconciliation.OrderResult
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reconciliation/paper/orders/"+placed.OrderID, nil, &res))
	assert.Equal(t, placed.OrderID, res.OrderID)

	var history []reconciliation.Record
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/reconciliation/paper/history?limit=10", nil, &history))
	assert.NotEmpty(t, history)

	var e apiError
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/reconciliation/live/history", nil, &e))
	assert.Equal(t, "UNKNOWN_MODE", e.Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/reconciliation/paper/records/r1/resolve", map[string]any{}, &e))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/reconciliation/paper/records/r1/resolve",
		map[string]any{"action": "written_off"}, &e))

	var state map[string]bool
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reconciliation/start", nil, &state))
	assert.True(t, state["running"])
	assert.True(t, state["started"])
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reconciliation/start", nil, &state))
	assert.False(t, state["started"])
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reconciliation/stop", nil, &state))
	assert.False(t, state["running"])

	var metrics map[string]json.RawMessage
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/metrics", nil, &metrics))
	assert.Contains(t, metrics, "reconciliation")
	assert.Contains(t, metrics, "system")
}

func TestMarketEndpoints(t *testing.T) {
	f := newFixture(t)

	var book registry.UnifiedBook
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/market/btcusdt/book?depth=5", nil, &book))
	assert.Equal(t, "BTCUSDT", book.Symbol)
	assert.Equal(t, []string{"sim"}, book.Venues)
	assert.NotEmpty(t, book.Bids)

	var opps []registry.ArbitrageOpportunity
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/market/BTCUSDT/arbitrage", nil, &opps))
	assert.Empty(t, opps, "one venue cannot arbitrage itself")

	var est registry.ExecutionEstimate
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/market/BTCUSDT/best-venue?side=BUY&quantity=0.5", nil, &est))
	assert.Equal(t, "sim", est.Best.Exchange)

	var e apiError
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/market/BTCUSDT/best-venue?side=HOLD&quantity=1", nil, &e))
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/market/BTCUSDT/best-venue?side=BUY", nil, &e))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/market/BTCUSDT/book?venues=ghost", nil, &e))
}

func TestExchangeEndpoints(t *testing.T) {
	f := newFixture(t)

	var list []registry.Exchange
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/exchanges", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sim", list[0].Name)

	var probe map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/exchanges/sim/test", nil, &probe))
	assert.Equal(t, true, probe["ok"])

	var e apiError
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/exchanges/ghost/test", nil, &e))
	assert.Equal(t, "EXCHANGE_NOT_FOUND", e.Code)
}

func TestRateLimitPerIP(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.RateLimit = 0.001; d.Burst = 1 })
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, nil))
	var e apiError
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/health", nil, &e))
	assert.Equal(t, "RATE_LIMITED", e.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestWebsocketStreamsEvents(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?events=high_discrepancy_alert"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				f.bus.Publish(events.Stamp(events.Message{Event: events.EventOrderUpdate, ReferenceID: "skip"}))
				f.bus.Publish(events.Stamp(events.Message{Event: events.EventHighDiscrepancy, ReferenceID: "c-1"}))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg events.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventHighDiscrepancy, msg.Event)
	assert.Equal(t, "c-1", msg.ReferenceID)
}
