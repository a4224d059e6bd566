package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyAdapter struct {
	calls   atomic.Int32
	failFor int32
	failErr error
	block   bool
}

func (f *flakyAdapter) Name() string               { return "flaky" }
func (f *flakyAdapter) Type() ExchangeType         { return TypePaper }
func (f *flakyAdapter) Capabilities() Capabilities { return Capabilities{} }

func (f *flakyAdapter) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return Quote{}, ctx.Err()
	}
	if n <= f.failFor {
		return Quote{}, f.failErr
	}
	return Quote{Symbol: symbol}, nil
}

func (f *flakyAdapter) GetOrderBook(context.Context, string, int) (OrderBook, error) {
	return OrderBook{}, nil
}
func (f *flakyAdapter) GetHistoricalCandles(context.Context, string, string, int) ([]Candle, error) {
	return nil, nil
}
func (f *flakyAdapter) GetBalance(context.Context) ([]Balance, error) { return nil, nil }
func (f *flakyAdapter) PlaceOrder(context.Context, OrderRequest) (string, error) {
	f.calls.Add(1)
	return "", f.failErr
}
func (f *flakyAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (f *flakyAdapter) GetOrderStatus(context.Context, string, string) (OrderState, error) {
	f.calls.Add(1)
	return OrderState{}, ErrOrderNotFound
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		CallTimeout:      50 * time.Millisecond,
		MaxRetries:       2,
		RateLimitRetries: 3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		Multiplier:       2,
	}
}

func TestResilientRetriesConnectivity(t *testing.T) {
	inner := &flakyAdapter{failFor: 2, failErr: &ConnectivityError{Exchange: "flaky", Op: "get_quote", Err: errors.New("reset")}}
	r := WithResilience(inner, fastPolicy())

	q, err := r.GetQuote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestResilientExhaustionSurfacesConnectivity(t *testing.T) {
	inner := &flakyAdapter{failFor: 100, failErr: &ConnectivityError{Exchange: "flaky", Op: "get_quote", Err: errors.New("down")}}
	r := WithResilience(inner, fastPolicy())

	_, err := r.GetQuote(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
	assert.EqualValues(t, 3, inner.calls.Load(), "one attempt plus MaxRetries")
}

func TestResilientRateLimitHasOwnBudget(t *testing.T) {
	inner := &flakyAdapter{failFor: 3, failErr: &RateLimitError{Exchange: "flaky", RetryAfter: time.Millisecond}}
	r := WithResilience(inner, fastPolicy())

	_, err := r.GetQuote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.EqualValues(t, 4, inner.calls.Load())
}

func TestResilientNeverRetriesRejection(t *testing.T) {
	inner := &flakyAdapter{failErr: &RejectedError{Exchange: "flaky", Code: -2010, Message: "insufficient balance"}}
	r := WithResilience(inner, fastPolicy())

	_, err := r.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT"})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestResilientDuplicateClientIDIsNotARefusal(t *testing.T) {
	dup := &RejectedError{Exchange: "flaky", Code: -2010, Message: "Duplicate order sent."}
	assert.True(t, IsDuplicateClientID(dup))
	assert.False(t, IsDuplicateClientID(&RejectedError{Code: -2010, Message: "insufficient balance"}))
	assert.False(t, IsDuplicateClientID(&ConnectivityError{Err: errors.New("duplicate")}))

	inner := &flakyAdapter{failErr: dup}
	r := WithResilience(inner, fastPolicy())

	// flakyAdapter cannot look orders up, so the outcome stays open.
	_, err := r.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", ClientID: "c-1"})
	require.Error(t, err)
	assert.False(t, IsRejected(err))
	var ce *ConnectivityError
	assert.ErrorAs(t, err, &ce)
	assert.EqualValues(t, 1, inner.calls.Load())

	// Without a client id there is nothing to look up.
	_, err = r.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT"})
	assert.True(t, IsRejected(err))
}

func TestResilientNotFoundPassesThrough(t *testing.T) {
	inner := &flakyAdapter{}
	r := WithResilience(inner, fastPolicy())

	_, err := r.GetOrderStatus(context.Background(), "BTCUSDT", "1")
	assert.True(t, IsNotFound(err))
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestResilientTimeoutIsConnectivity(t *testing.T) {
	inner := &flakyAdapter{block: true}
	policy := fastPolicy()
	policy.MaxRetries = 1
	r := WithResilience(inner, policy)

	start := time.Now()
	_, err := r.GetQuote(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
	assert.EqualValues(t, 2, inner.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusFilled.Terminal())
	assert.False(t, StatusPartiallyFilled.Terminal())
	assert.True(t, StatusUnknown.Live())
	assert.Less(t, StatusNew.Rank(), StatusPartiallyFilled.Rank())
	assert.Less(t, StatusPartiallyFilled.Rank(), StatusCancelled.Rank())
	assert.Equal(t, SideSell, SideBuy.Opposite())
}
