package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HealthInterval = 0
	cfg.Retry.MaxRetries = 0
	cfg.Retry.InitialBackoff = 0
	return cfg
}

func TestRegisterRemoveKeepsStoredRow(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer database.Close()

	r := New(testConfig(), WithStore(database))
	require.NoError(t, r.Register(ctx, paper.New(paper.Config{Name: "sim-a"}, nil)))
	err = r.Register(ctx, paper.New(paper.Config{Name: "sim-a"}, nil))
	assert.ErrorIs(t, err, ErrExchangeExists)

	ex, err := r.Get("sim-a")
	require.NoError(t, err)
	assert.Equal(t, common.TypePaper, ex.Type)
	assert.Equal(t, StatusConnected, ex.Status)

	a, err := r.Adapter("sim-a")
	require.NoError(t, err)
	_, wrapped := a.(*common.Resilient)
	assert.True(t, wrapped)

	require.NoError(t, r.Remove(ctx, "sim-a"))
	_, err = r.Get("sim-a")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
	assert.ErrorIs(t, r.Remove(ctx, "sim-a"), ErrExchangeNotFound)

	row, err := database.GetExchange(ctx, "sim-a")
	require.NoError(t, err)
	assert.True(t, row.RemovedAt.Valid)
}

func TestConnectionProbeStatusTransitions(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	statusCh, unsub := bus.Subscribe(8, events.EventExchangeStatus)
	defer unsub()

	sim := paper.New(paper.Config{Name: "sim"}, nil)
	r := New(testConfig(), WithSink(bus))
	require.NoError(t, r.Register(ctx, sim))

	down := &common.ConnectivityError{Exchange: "sim", Op: "ping", Err: errors.New("refused")}
	sim.FailNext("ping", down, down, down)

	ex, err := r.TestConnection(ctx, "sim")
	require.Error(t, err)
	assert.Equal(t, StatusDegraded, ex.Status)
	_, _ = r.TestConnection(ctx, "sim")
	ex, _ = r.TestConnection(ctx, "sim")
	assert.Equal(t, StatusDisconnected, ex.Status)
	assert.Equal(t, 3, ex.Failures)

	failed := r.TestAll(ctx)
	assert.Empty(t, failed)
	ex, _ = r.Get("sim")
	assert.Equal(t, StatusConnected, ex.Status)
	assert.Equal(t, 0, ex.Failures)

	assert.Len(t, statusCh, 3)
	assert.Equal(t, Stats{Total: 1, Connected: 1}, r.Stats())
}

func TestQuoteFallsBackToCachedQuoteFlaggedSynthetic(t *testing.T) {
	ctx := context.Background()
	sim := paper.New(paper.Config{Name: "sim"}, nil)
	sim.SetFeedPrice("BTCUSDT", d("100"))
	r := New(testConfig())
	require.NoError(t, r.Register(ctx, sim))

	q, err := r.Quote(ctx, "sim", "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, q.Synthetic)

	sim.FailNext("get_quote", &common.RejectedError{Exchange: "sim", Code: -1, Message: "maintenance"})
	q, err = r.Quote(ctx, "sim", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, q.Synthetic)
	assert.True(t, q.Last.Equal(d("100")))

	sim.FailNext("get_quote", &common.RejectedError{Exchange: "sim", Code: -1})
	_, err = r.Quote(ctx, "sim", "ETHUSDT")
	assert.True(t, common.IsRejected(err))
}

func TestRegisterSpecThroughFactory(t *testing.T) {
	ctx := context.Background()
	resolver := &crypto.Resolver{Lookup: func(k string) string {
		if k == "BINANCE_KEY" {
			return "key"
		}
		return ""
	}}
	r := New(testConfig(), WithFactory(NewFactory(resolver)))

	require.NoError(t, r.RegisterSpec(ctx, config.ExchangeSpec{Name: "upstream", Type: "paper"}))
	require.NoError(t, r.RegisterSpec(ctx, config.ExchangeSpec{
		Name: "sim", Type: "paper", TakerFeeBps: d("7.5"),
		Paper: config.PaperSpec{MarketData: "upstream"},
	}))
	require.NoError(t, r.RegisterSpec(ctx, config.ExchangeSpec{
		Name: "binance", Type: "binance-spot", APIKeyRef: "env:BINANCE_KEY", APISecretRef: "literal-secret",
	}))

	ex, err := r.Get("sim")
	require.NoError(t, err)
	assert.True(t, ex.Capabilities.TakerFeeBps.Equal(d("7.5")))
	bin, _ := r.Get("binance")
	assert.Equal(t, common.TypeBinanceSpot, bin.Type)
	assert.Equal(t, "env:BINANCE_KEY,literal-secret", bin.CredentialsRef)

	err = r.RegisterSpec(ctx, config.ExchangeSpec{Name: "x", Type: "kraken"})
	assert.ErrorContains(t, err, "unsupported exchange type")
	err = r.RegisterSpec(ctx, config.ExchangeSpec{Name: "y", Type: "binance-spot", APIKeyRef: "env:MISSING"})
	assert.ErrorIs(t, err, crypto.ErrUnresolved)
	err = r.RegisterSpec(ctx, config.ExchangeSpec{Name: "z", Type: "paper", Paper: config.PaperSpec{MarketData: "nowhere"}})
	assert.Error(t, err)

	assert.Len(t, r.List(), 3)
}
