package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func sampleOrder(id string) (LogicalOrderRow, []ChildOrderRow) {
	now := time.Now()
	o := LogicalOrderRow{
		ID: id, Type: "TWAP", Exchange: "paper", Symbol: "BTCUSDT", Side: "BUY",
		Quantity: decimal.NewFromInt(10), Params: `{}`, Plan: `{}`, Status: "WORKING",
		ArrivalPrice: decimal.NewNullDecimal(decimal.RequireFromString("100.25")),
		CreatedAt:    now, UpdatedAt: now,
	}
	children := []ChildOrderRow{{
		ID: id + "-1", Exchange: "paper", NativeID: "1", Role: "SLICE", Seq: 1, Symbol: "BTCUSDT",
		Side: "BUY", Type: "MARKET", Quantity: decimal.NewFromInt(2), Status: "FILLED",
		FilledQty: decimal.NewFromInt(2), AvgPrice: decimal.RequireFromString("100.5"),
		CreatedAt: now, UpdatedAt: now,
	}}
	return o, children
}

func TestQueriesRequireTradingMode(t *testing.T) {
	database := newTestDB(t)
	q := database.Mode("")
	ctx := context.Background()

	o, children := sampleOrder("o-1")
	assert.ErrorIs(t, q.SaveOrder(ctx, o, children), ErrTradingModeRequired)
	_, _, err := q.GetOrder(ctx, "o-1")
	assert.ErrorIs(t, err, ErrTradingModeRequired)
	_, err = q.ListRecords(ctx, "", 10)
	assert.ErrorIs(t, err, ErrTradingModeRequired)
}

func TestOrdersAreIsolatedByMode(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	paper := database.Mode("paper")
	live := database.Mode("live")

	o, children := sampleOrder("o-1")
	require.NoError(t, paper.SaveOrder(ctx, o, children))

	got, kids, err := paper.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "paper", got.TradingMode)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.ArrivalPrice.Valid)
	require.Len(t, kids, 1)
	assert.True(t, kids[0].AvgPrice.Equal(decimal.RequireFromString("100.5")))
	assert.False(t, kids[0].Price.Valid)

	_, _, err = live.GetOrder(ctx, "o-1")
	assert.ErrorIs(t, err, ErrNotFound)

	parent, err := paper.ParentOf(ctx, "o-1-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", parent)
}

func TestSaveOrderUpdatesChildren(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	q := database.Mode("paper")

	o, children := sampleOrder("o-2")
	children[0].Status = "NEW"
	children[0].FilledQty = decimal.Zero
	require.NoError(t, q.SaveOrder(ctx, o, children))

	o.Status = "FILLED"
	children[0].Status = "FILLED"
	children[0].FilledQty = decimal.NewFromInt(2)
	require.NoError(t, q.SaveOrder(ctx, o, children))

	got, kids, err := q.GetOrder(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, "FILLED", got.Status)
	assert.Equal(t, "FILLED", kids[0].Status)

	open, err := q.ListOrders(ctx, OrderFilter{NotStatuses: []string{"FILLED"}})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRecordTransitionsAreGuarded(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	q := database.Mode("paper")

	require.NoError(t, q.InsertRecord(ctx, ReconciliationRecord{
		ID: "r-1", Exchange: "paper", ReferenceID: "c-1", ParentID: "o-1",
		Status: "DISCREPANCY", Severity: "HIGH", Details: `[]`,
	}))

	err := q.UpdateRecord(ctx, "r-1", RecordUpdate{FromStatus: "MATCHED", ToStatus: "RESOLVED", ResolutionAction: "x"})
	assert.ErrorIs(t, err, ErrStaleStatus)

	require.NoError(t, q.UpdateRecord(ctx, "r-1", RecordUpdate{FromStatus: "DISCREPANCY", ToStatus: "RESOLVED", ResolutionAction: "manual_override"}))
	r, err := q.GetRecord(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "RESOLVED", r.Status)
	assert.Equal(t, "HIGH", r.Severity)
	assert.Equal(t, sql.NullString{String: "manual_override", Valid: true}, r.ResolutionAction)
	assert.True(t, r.ResolvedAt.Valid)

	latest, err := q.LatestRecord(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", latest.ID)

	n, err := q.CountRecords(ctx, "RESOLVED")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExchangeSoftDelete(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertExchange(ctx, ExchangeRow{ID: "e1", Name: "paper", Type: "paper", Status: "connected", Capabilities: "{}"}))
	require.NoError(t, database.MarkExchangeRemoved(ctx, "paper"))

	row, err := database.GetExchange(ctx, "paper")
	require.NoError(t, err)
	assert.True(t, row.RemovedAt.Valid)
}

func TestAuditEventsBatch(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.InsertAuditEvents(ctx, []AuditEvent{
		{ID: "a1", Type: "discrepancy_detected", Payload: "{}"},
		{ID: "a2", Type: "high_discrepancy_alert", Payload: "{}"},
	}))
	events, err := database.ListAuditEvents(ctx, "high_discrepancy_alert", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a2", events[0].ID)
}
