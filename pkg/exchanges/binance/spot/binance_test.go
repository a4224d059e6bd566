package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"serverTime": 1700000000000}`))
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{Name: "binance", APIKey: "k", APISecret: "s", BaseURL: srv.URL}, nil)
}

func TestGetOrderStatusComputesAveragePrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.Equal(t, "k", r.Header.Get("X-MBX-APIKEY"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"c-1","status":"PARTIALLY_FILLED",
			"origQty":"2","executedQty":"0.5","cummulativeQuoteQty":"50"}`))
	})

	st, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", st.NativeID)
	assert.Equal(t, common.StatusPartiallyFilled, st.Status)
	assert.True(t, st.AvgPrice.Equal(decimal.NewFromInt(100)))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"unknown order", http.StatusBadRequest, `{"code":-2013,"msg":"Order does not exist."}`, func(t *testing.T, err error) {
			assert.True(t, common.IsNotFound(err))
		}},
		{"rejected", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance"}`, func(t *testing.T, err error) {
			assert.True(t, common.IsRejected(err))
		}},
		{"throttled", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, func(t *testing.T, err error) {
			_, ok := common.IsRateLimited(err)
			assert.True(t, ok)
		}},
		{"server error", http.StatusBadGateway, `bad gateway`, func(t *testing.T, err error) {
			assert.True(t, common.IsConnectivity(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "1")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestPlaceOrderSendsLimitParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "LIMIT", r.PostForm.Get("type"))
		assert.Equal(t, "105", r.PostForm.Get("price"))
		assert.Equal(t, "GTC", r.PostForm.Get("timeInForce"))
		assert.Equal(t, "child-1", r.PostForm.Get("newClientOrderId"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"status":"NEW"}`))
	})

	id, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeLimit,
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(105), ClientID: "child-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}

func TestGetOrderBookAndCandles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/depth"):
			_, _ = w.Write([]byte(`{"bids":[["100.5","2"]],"asks":[["101","1.5"]]}`))
		case strings.HasSuffix(r.URL.Path, "/klines"):
			_, _ = w.Write([]byte(`[[1700000000000,"1","2","0.5","1.5","123.4",1700000059999]]`))
		}
	})

	book, err := c.GetOrderBook(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	assert.True(t, book.Asks[0].Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, "binance", book.Bids[0].Exchange)

	candles, err := c.GetHistoricalCandles(context.Background(), "BTCUSDT", "1h", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Volume.Equal(decimal.RequireFromString("123.4")))
}
