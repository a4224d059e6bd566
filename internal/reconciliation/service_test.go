package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

const symbol = "BTCUSDT"

// memLedger is an in-memory ledger whose children only change through
// Compare or the test itself.
type memLedger struct {
	mode string

	mu     sync.Mutex
	orders map[string]*ledger.Order
}

func newMemLedger(mode string) *memLedger {
	return &memLedger{mode: mode, orders: make(map[string]*ledger.Order)}
}

func (l *memLedger) TradingMode() string { return l.mode }

func (l *memLedger) add(o ledger.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = &o
}

func (l *memLedger) setChild(orderID string, c ledger.Child) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.orders[orderID]
	for i := range o.Children {
		if o.Children[i].ID == c.ID {
			o.Children[i] = c
		}
	}
}

func (l *memLedger) child(orderID, childID string) ledger.Child {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.orders[orderID].Children {
		if c.ID == childID {
			return c
		}
	}
	return ledger.Child{}
}

func copyOrder(o *ledger.Order) ledger.Order {
	out := *o
	out.Children = append([]ledger.Child(nil), o.Children...)
	return out
}

func (l *memLedger) OpenOrders(context.Context) ([]ledger.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Order
	for _, o := range l.orders {
		if !o.Terminal {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

func (l *memLedger) Order(_ context.Context, id string) (ledger.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.orders {
		if o.ID == id {
			return copyOrder(o), nil
		}
		for _, c := range o.Children {
			if c.ID == id {
				return copyOrder(o), nil
			}
		}
	}
	return ledger.Order{}, fmt.Errorf("order %s: not found", id)
}

func (l *memLedger) Compare(_ context.Context, orderID string, fn func([]ledger.Child) []ledger.Adoption) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return errors.New("not found")
	}
	for _, a := range fn(append([]ledger.Child(nil), o.Children...)) {
		for i := range o.Children {
			c := &o.Children[i]
			if c.ID != a.ChildID {
				continue
			}
			c.Status = a.State.Status
			c.FilledQty = a.State.FilledQty
			c.AvgPrice = a.State.AvgPrice
			if a.State.NativeID != "" {
				c.NativeID = a.State.NativeID
			}
			c.UpdatedAt = time.Now()
		}
	}
	return nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (r *recorder) Emit(_ context.Context, msg events.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) count(ev events.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Event == ev {
			n++
		}
	}
	return n
}

type venues map[string]common.Adapter

func (v venues) Adapter(name string) (common.Adapter, error) {
	a, ok := v[name]
	if !ok {
		return nil, fmt.Errorf("exchange %q not registered", name)
	}
	return a, nil
}

type fixture struct {
	svc    *Service
	ex     *paper.Exchange
	ledger *memLedger
	sink   *recorder
}

func newFixture(t *testing.T, mode string, mutate ...func(*Config)) *fixture {
	t.Helper()
	database, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ex := paper.New(paper.Config{Name: "sim"}, nil)
	ex.SetPrice(symbol, d("100"))

	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.QueriesPerSecond = 0
	for _, fn := range mutate {
		fn(&cfg)
	}
	f := &fixture{ex: ex, ledger: newMemLedger(mode), sink: &recorder{}}
	f.svc, err = NewService(cfg, venues{"sim": ex}, []Mode{{Ledger: f.ledger, Records: database.Mode(mode)}}, WithSink(f.sink))
	require.NoError(t, err)
	t.Cleanup(func() { f.svc.Stop() })
	return f
}

var past = time.Now().Add(-time.Hour)

// rest places a resting limit buy on the paper venue and records it in the
// ledger as a single child order.
func (f *fixture) rest(t *testing.T, orderID string) ledger.Child {
	t.Helper()
	childID := orderID + "-c1"
	nativeID, err := f.ex.PlaceOrder(context.Background(), common.OrderRequest{Symbol: symbol, Side: common.SideBuy,
		Type: common.OrderTypeLimit, Qty: d("1"), Price: d("90"), ClientID: childID})
	require.NoError(t, err)
	c := ledger.Child{ID: childID, ParentID: orderID, Exchange: "sim", Symbol: symbol, NativeID: nativeID, Role: "SLICE",
		Status: common.StatusNew, Quantity: d("1"), FilledQty: d("0"), AvgPrice: d("0"), CreatedAt: past, UpdatedAt: past}
	f.ledger.add(ledger.Order{ID: orderID, Exchange: "sim", Symbol: symbol, Type: "ICEBERG", Status: "WORKING",
		Children: []ledger.Child{c}})
	return c
}

func (f *fixture) history(t *testing.T, mode string) []Record {
	t.Helper()
	recs, err := f.svc.History(context.Background(), mode, 0)
	require.NoError(t, err)
	return recs
}

func TestSweepRecordsMatchOnce(t *testing.T) {
	f := newFixture(t, "paper")
	f.rest(t, "o1")

	for i := 0; i < 2; i++ {
		res := f.svc.RunReconciliation(context.Background())
		require.Len(t, res, 1)
		assert.Equal(t, 1, res[0].Orders)
		assert.Equal(t, 1, res[0].Matched)
		assert.Zero(t, res[0].Discrepancies)
	}
	recs := f.history(t, "paper")
	require.Len(t, recs, 1, "a repeated match touches the same record")
	assert.Equal(t, StatusMatched, recs[0].Status)
	assert.Equal(t, "o1", recs[0].ParentID)
}

func TestSweepAdoptsVenueFill(t *testing.T) {
	f := newFixture(t, "paper")
	c := f.rest(t, "o1")
	require.NoError(t, f.ex.Fill(c.NativeID, d("1"), d("90")))

	res := f.svc.RunReconciliation(context.Background())[0]
	assert.Equal(t, 1, res.Discrepancies)
	assert.Equal(t, 1, res.Resolved)

	got := f.ledger.child("o1", c.ID)
	assert.Equal(t, common.StatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(d("1")))
	assert.True(t, got.AvgPrice.Equal(d("90")))

	recs := f.history(t, "paper")
	require.Len(t, recs, 1)
	assert.Equal(t, StatusResolved, recs[0].Status)
	assert.Equal(t, SeverityMedium, recs[0].Severity)
	assert.Equal(t, ActionAdoptedExchangeState, recs[0].ResolutionAction)
	require.NotNil(t, recs[0].ResolvedAt)
	assert.Equal(t, 1, f.sink.count(events.EventDiscrepancyDetected))
	assert.Equal(t, 1, f.sink.count(events.EventDiscrepancyResolved))

	m := f.svc.Metrics()
	assert.EqualValues(t, 1, m.Found)
	assert.EqualValues(t, 1, m.Resolved)
	assert.Zero(t, m.Outstanding)
}

func TestAutoResolveDisabledLeavesDiscrepancyOpen(t *testing.T) {
	f := newFixture(t, "paper", func(c *Config) { c.AutoResolve = false })
	c := f.rest(t, "o1")
	require.NoError(t, f.ex.Fill(c.NativeID, d("1"), d("90")))

	res := f.svc.RunReconciliation(context.Background())[0]
	assert.Equal(t, 1, res.Discrepancies)
	assert.Zero(t, res.Resolved)
	assert.Equal(t, common.StatusNew, f.ledger.child("o1", c.ID).Status)
	assert.Equal(t, 1, f.svc.Metrics().Outstanding)
}

func TestDiscrepancyNeverReturnsToMatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "paper")
	c := f.rest(t, "o1")

	// Ledger says filled, venue says cancelled.
	filled := c
	filled.Status, filled.FilledQty, filled.AvgPrice = common.StatusFilled, d("1"), d("90")
	f.ledger.setChild("o1", filled)
	require.NoError(t, f.ex.CancelOrder(ctx, symbol, c.NativeID))

	res := f.svc.RunReconciliation(ctx)[0]
	assert.Equal(t, 1, res.HighSeverity)
	assert.Zero(t, res.Resolved)
	assert.Equal(t, common.StatusFilled, f.ledger.child("o1", c.ID).Status, "high severity is never adopted")
	assert.Equal(t, 1, f.sink.count(events.EventHighDiscrepancy))

	// The venue now agrees with the ledger, the open record stays open.
	require.NoError(t, f.ex.OverrideState(c.NativeID, common.OrderState{Status: common.StatusFilled, FilledQty: d("1"), AvgPrice: d("90")}))
	res = f.svc.RunReconciliation(ctx)[0]
	assert.Equal(t, 1, res.Matched)
	recs := f.history(t, "paper")
	require.Len(t, recs, 1)
	assert.Equal(t, StatusDiscrepancy, recs[0].Status)
	assert.Equal(t, SeverityHigh, recs[0].Severity)
	assert.Equal(t, "status", recs[0].Details[0].Field)
	assert.Equal(t, 1, f.sink.count(events.EventHighDiscrepancy), "no repeated alert for an open record")

	_, err := f.svc.ResolveManually(ctx, "paper", recs[0].ID, "", false)
	require.ErrorIs(t, err, ErrInvalidTransition)

	resolved, err := f.svc.ResolveManually(ctx, "paper", recs[0].ID, "operator_verified", false)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, "operator_verified", resolved.ResolutionAction)

	_, err = f.svc.ResolveManually(ctx, "paper", recs[0].ID, "again", false)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Only a fresh pass produces a new MATCHED record.
	f.svc.RunReconciliation(ctx)
	recs = f.history(t, "paper")
	require.Len(t, recs, 2)
	assert.Equal(t, StatusMatched, recs[0].Status)
	assert.Equal(t, StatusResolved, recs[1].Status)
}

func TestMissingOrderIsHighSeverity(t *testing.T) {
	f := newFixture(t, "paper")
	c := f.rest(t, "o1")
	f.ex.Forget(c.NativeID)

	res := f.svc.RunReconciliation(context.Background())[0]
	assert.Equal(t, 1, res.HighSeverity)
	recs := f.history(t, "paper")
	require.Len(t, recs, 1)
	assert.Equal(t, "presence", recs[0].Details[0].Field)
	assert.Equal(t, notFound, recs[0].Details[0].Exchange)
}

func TestUnknownChildren(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "paper", func(c *Config) { c.UnknownGrace = time.Minute })

	// Placed on the venue, but the response was lost.
	_, err := f.ex.PlaceOrder(ctx, common.OrderRequest{Symbol: symbol, Side: common.SideBuy, Type: common.OrderTypeMarket,
		Qty: d("1"), ClientID: "lost-c1"})
	require.NoError(t, err)
	f.ledger.add(ledger.Order{ID: "lost", Exchange: "sim", Symbol: symbol, Status: "WORKING", Children: []ledger.Child{{
		ID: "lost-c1", Symbol: symbol, Status: common.StatusUnknown, Quantity: d("1"), CreatedAt: past, UpdatedAt: past}}})

	// Never reached the venue.
	f.ledger.add(ledger.Order{ID: "ghost", Exchange: "sim", Symbol: symbol, Status: "WORKING", Children: []ledger.Child{{
		ID: "ghost-c1", Symbol: symbol, Status: common.StatusUnknown, Quantity: d("1"), CreatedAt: past, UpdatedAt: past}}})

	// Too recent to look up.
	f.ledger.add(ledger.Order{ID: "fresh", Exchange: "sim", Symbol: symbol, Status: "WORKING", Children: []ledger.Child{{
		ID: "fresh-c1", Symbol: symbol, Status: common.StatusUnknown, Quantity: d("1"), CreatedAt: time.Now(), UpdatedAt: past}}})

	res := f.svc.RunReconciliation(ctx)[0]
	assert.Equal(t, 3, res.Orders)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.Resolved)

	lost := f.ledger.child("lost", "lost-c1")
	assert.Equal(t, common.StatusFilled, lost.Status)
	assert.NotEmpty(t, lost.NativeID)

	ghost := f.ledger.child("ghost", "ghost-c1")
	assert.Equal(t, common.StatusRejected, ghost.Status)

	assert.Equal(t, common.StatusUnknown, f.ledger.child("fresh", "fresh-c1").Status)
}

func TestLiveModeBlocksSyntheticState(t *testing.T) {
	ctx := context.Background()
	live := newFixture(t, "live")
	c := live.rest(t, "o1")
	require.NoError(t, live.ex.Fill(c.NativeID, d("1"), d("90")))

	res := live.svc.RunReconciliation(ctx)[0]
	assert.Equal(t, 1, res.Blocked)
	assert.Zero(t, res.Checked)
	assert.Equal(t, common.StatusNew, live.ledger.child("o1", c.ID).Status)
	assert.Equal(t, 1, live.sink.count(events.EventReconciliationError))
	assert.Empty(t, live.history(t, "live"))

	_, err := live.svc.ReconcileOrder(ctx, "live", "o1")
	assert.ErrorIs(t, err, ErrSyntheticState)

	// Fills priced off a real feed are adjudicated.
	live.ex.SetFeedPrice(symbol, d("100"))
	c2 := live.rest(t, "o2")
	require.NoError(t, live.ex.Fill(c2.NativeID, d("1"), d("90")))
	out, err := live.svc.ReconcileOrder(ctx, "live", "o2")
	require.NoError(t, err)
	assert.True(t, out.Discrepancy)
	assert.True(t, out.Resolved)

	paperMode := newFixture(t, "paper")
	c3 := paperMode.rest(t, "o3")
	require.NoError(t, paperMode.ex.Fill(c3.NativeID, d("1"), d("90")))
	out, err = paperMode.svc.ReconcileOrder(ctx, "paper", "o3")
	require.NoError(t, err)
	assert.True(t, out.Resolved)
}

func TestReconcileOrderByChildID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "paper")
	c := f.rest(t, "o1")

	out, err := f.svc.ReconcileOrder(ctx, "paper", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "o1", out.OrderID)
	assert.False(t, out.Discrepancy)
	assert.False(t, out.Resolved)

	_, err = f.svc.ReconcileOrder(ctx, "shadow", "o1")
	assert.ErrorIs(t, err, ErrUnknownMode)
	_, err = f.svc.History(ctx, "shadow", 10)
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestQueryFailureIsReported(t *testing.T) {
	f := newFixture(t, "paper")
	f.rest(t, "o1")
	f.ex.FailNext("get_order_status", &common.ConnectivityError{Exchange: "sim", Op: "get_order_status", Err: errors.New("timeout")})

	res := f.svc.RunReconciliation(context.Background())[0]
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.Checked)
	assert.Equal(t, 1, f.sink.count(events.EventReconciliationError))
	assert.EqualValues(t, 1, f.svc.Metrics().Errors)
}

func TestManualResolutionAdoptsVenueState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "paper", func(c *Config) { c.AutoResolve = false })
	c := f.rest(t, "o1")
	require.NoError(t, f.ex.Fill(c.NativeID, d("0.5"), d("90")))

	f.svc.RunReconciliation(ctx)
	recs := f.history(t, "paper")
	require.Len(t, recs, 1)
	require.Equal(t, StatusDiscrepancy, recs[0].Status)

	rec, err := f.svc.ResolveManually(ctx, "paper", recs[0].ID, "operator_adopted", true)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, rec.Status)
	got := f.ledger.child("o1", c.ID)
	assert.Equal(t, common.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(d("0.5")))

	_, err = f.svc.ResolveManually(ctx, "paper", "nope", "x", false)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestStartStopLoops(t *testing.T) {
	f := newFixture(t, "paper")
	f.rest(t, "o1")

	assert.True(t, f.svc.Start(context.Background()))
	assert.False(t, f.svc.Start(context.Background()), "already running")
	assert.True(t, f.svc.Running())
	require.Eventually(t, func() bool { return f.svc.Metrics().Sweeps >= 2 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.svc.Stop())
	assert.False(t, f.svc.Stop())
	assert.False(t, f.svc.Metrics().Running)
	sweeps := f.svc.Metrics().Sweeps
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sweeps, f.svc.Metrics().Sweeps)
}

func TestDuplicateModeRejected(t *testing.T) {
	l := newMemLedger("paper")
	_, err := NewService(DefaultConfig(), venues{}, []Mode{{Ledger: l}, {Ledger: l}})
	assert.Error(t, err)
}
