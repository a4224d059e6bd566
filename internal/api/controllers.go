package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/registry"
	"execution-core/pkg/exchanges/common"
)

type placeOrderRequest struct {
	order.PlaceRequest
	TradingMode string `json:"trading_mode"`
}

type listOrdersQuery struct {
	Mode     string `form:"mode"`
	Symbol   string `form:"symbol"`
	Type     string `form:"type"`
	Exchange string `form:"exchange"`
}

type analyticsQuery struct {
	Mode string `form:"mode"`
	From string `form:"from"`
	To   string `form:"to"`
}

type marketQuery struct {
	Venues       string `form:"venues"`
	Depth        int    `form:"depth"`
	MinProfitPct string `form:"min_profit_pct"`
	Side         string `form:"side"`
	Quantity     string `form:"quantity"`
}

func (q marketQuery) names() []string {
	if q.Venues == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(q.Venues, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	var verr *order.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "error": err.Error(), "field": verr.Field})
	case errors.Is(err, order.ErrNotFound), errors.Is(err, reconciliation.ErrRecordNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, registry.ErrExchangeNotFound):
		respondError(c, http.StatusNotFound, "EXCHANGE_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrSyntheticMarketData), errors.Is(err, reconciliation.ErrSyntheticState):
		respondError(c, http.StatusConflict, "SYNTHETIC_MARKET_DATA", err.Error())
	case errors.Is(err, reconciliation.ErrUnknownMode):
		respondError(c, http.StatusBadRequest, "UNKNOWN_MODE", err.Error())
	case errors.Is(err, reconciliation.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, registry.ErrNoVenues), errors.Is(err, registry.ErrInsufficientLiquidity):
		respondError(c, http.StatusUnprocessableEntity, "NO_VENUE", err.Error())
	case common.IsRejected(err):
		respondError(c, http.StatusUnprocessableEntity, "REJECTED", err.Error())
	case common.IsRetryable(err):
		respondError(c, http.StatusBadGateway, "VENUE_UNAVAILABLE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) modes() []string {
	out := make([]string, 0, len(s.Orders))
	for m := range s.Orders {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// manager resolves the order manager of mode, falling back to the default.
func (s *Server) manager(c *gin.Context, mode string) (*order.Manager, bool) {
	if mode == "" {
		mode = s.Meta.DefaultMode
	}
	m, ok := s.Orders[strings.ToLower(mode)]
	if !ok {
		respondError(c, http.StatusBadRequest, "UNKNOWN_MODE", fmt.Sprintf("trading mode %q is not enabled", mode))
		return nil, false
	}
	return m, true
}

// placeOrder submits an advanced order.
func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload: "+err.Error())
		return
	}
	mode := req.TradingMode
	if mode == "" {
		mode = c.Query("mode")
	}
	m, ok := s.manager(c, mode)
	if !ok {
		return
	}
	res, err := m.Place(c.Request.Context(), req.PlaceRequest)
	if err != nil && res.OrderID == "" {
		writeError(c, err)
		return
	}
	body := gin.H{"orderId": res.OrderID, "status": res.Status, "plan": res.Plan, "trading_mode": m.TradingMode()}
	if err != nil {
		// Accepted, but the first dispatch failed; the order is still tracked.
		body["dispatch_error"] = err.Error()
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) listActiveOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	m, ok := s.manager(c, q.Mode)
	if !ok {
		return
	}
	orders := m.ListActive(c.Request.Context(), order.Filter{
		Symbol:   q.Symbol,
		Type:     order.Type(strings.ToUpper(q.Type)),
		Exchange: q.Exchange,
	})
	if orders == nil {
		orders = []order.LogicalOrder{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	m, ok := s.manager(c, c.Query("mode"))
	if !ok {
		return
	}
	o, err := m.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	m, ok := s.manager(c, c.Query("mode"))
	if !ok {
		return
	}
	res, err := m.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if res.OrderID == "" {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orderId": res.OrderID, "cancelled": res.Cancelled, "status": res.Status, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) getAnalytics(c *gin.Context) {
	var q analyticsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	from, err := parseTime(q.From)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "from must be RFC3339")
		return
	}
	to, err := parseTime(q.To)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "to must be RFC3339")
		return
	}
	m, ok := s.manager(c, q.Mode)
	if !ok {
		return
	}
	a, err := m.Analytics(c.Request.Context(), order.Timeframe{From: from, To: to})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) getMetrics(c *gin.Context) {
	body := gin.H{}
	if s.Recon != nil {
		body["reconciliation"] = s.Recon.Metrics()
	}
	if s.Monitor != nil {
		body["system"] = s.Monitor.Metrics().GetSnapshot()
		body["alerts"] = s.Monitor.RecentAlerts()
	}
	if s.Registry != nil {
		body["exchanges"] = s.Registry.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listExchanges(c *gin.Context) {
	c.JSON(http.StatusOK, s.Registry.List())
}

func (s *Server) testExchange(c *gin.Context) {
	ex, err := s.Registry.TestConnection(c.Request.Context(), c.Param("name"))
	if errors.Is(err, registry.ErrExchangeNotFound) {
		writeError(c, err)
		return
	}
	body := gin.H{"exchange": ex, "ok": err == nil}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) bindMarket(c *gin.Context) (marketQuery, bool) {
	var q marketQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return q, false
	}
	return q, true
}

func (s *Server) unifiedBook(c *gin.Context) {
	q, ok := s.bindMarket(c)
	if !ok {
		return
	}
	book, err := s.Registry.UnifiedOrderBook(c.Request.Context(), strings.ToUpper(c.Param("symbol")), q.Depth, q.names()...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) arbitrage(c *gin.Context) {
	q, ok := s.bindMarket(c)
	if !ok {
		return
	}
	minPct := decimal.Zero
	if q.MinProfitPct != "" {
		v, err := decimal.NewFromString(q.MinProfitPct)
		if err != nil || v.IsNegative() {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "min_profit_pct must be a non-negative number")
			return
		}
		minPct = v
	}
	opps, err := s.Registry.DetectArbitrage(c.Request.Context(), strings.ToUpper(c.Param("symbol")), minPct, q.names()...)
	if err != nil {
		writeError(c, err)
		return
	}
	if opps == nil {
		opps = []registry.ArbitrageOpportunity{}
	}
	c.JSON(http.StatusOK, opps)
}

func (s *Server) bestVenue(c *gin.Context) {
	q, ok := s.bindMarket(c)
	if !ok {
		return
	}
	qty, err := decimal.NewFromString(q.Quantity)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "quantity is required")
		return
	}
	side := common.Side(strings.ToUpper(q.Side))
	if !side.Valid() {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "side must be BUY or SELL")
		return
	}
	est, err := s.Registry.BestExecutionVenue(c.Request.Context(), strings.ToUpper(c.Param("symbol")), side, qty, q.names()...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}
