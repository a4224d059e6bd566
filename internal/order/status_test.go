package order

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }

func child(role Role, qty, filled string, st common.OrderStatus) ChildOrder {
	return ChildOrder{Role: role, Quantity: d(qty), FilledQty: d(filled), Status: st}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name  string
		order LogicalOrder
		want  Status
	}{
		{"not started", LogicalOrder{Type: TypeTWAP, Quantity: d("10")}, StatusPending},
		{"cancelled before start", LogicalOrder{Type: TypeTWAP, Quantity: d("10"), Plan: PlanState{Cancelled: true}}, StatusCancelled},
		{"live child", LogicalOrder{Type: TypeOCO, Quantity: d("1"), Plan: PlanState{Started: true},
			Children: []ChildOrder{child(RoleLeg, "1", "0", common.StatusNew)}}, StatusWorking},
		{"unknown child counts as live", LogicalOrder{Type: TypeIceberg, Quantity: d("1"), Plan: PlanState{Started: true},
			Children: []ChildOrder{child(RoleSlice, "1", "0", common.StatusUnknown)}}, StatusWorking},
		{"slices still scheduled", LogicalOrder{Type: TypeTWAP, Quantity: d("4"),
			Plan:     PlanState{Started: true, SliceSizes: []decimal.Decimal{d("2"), d("2")}, NextSlice: 1},
			Children: []ChildOrder{child(RoleSlice, "2", "2", common.StatusFilled)}}, StatusWorking},
		{"all slices filled", LogicalOrder{Type: TypeTWAP, Quantity: d("4"),
			Plan: PlanState{Started: true, SliceSizes: []decimal.Decimal{d("2"), d("2")}, NextSlice: 2},
			Children: []ChildOrder{
				child(RoleSlice, "2", "2", common.StatusFilled),
				child(RoleSlice, "2", "2", common.StatusFilled),
			}}, StatusFilled},
		{"cancelled with fills", LogicalOrder{Type: TypeTWAP, Quantity: d("4"),
			Plan:     PlanState{Started: true, Cancelled: true, SliceSizes: []decimal.Decimal{d("2"), d("2")}, NextSlice: 1},
			Children: []ChildOrder{child(RoleSlice, "2", "2", common.StatusFilled)}}, StatusPartiallyCancelled},
		{"cancelled without fills", LogicalOrder{Type: TypeOCO, Quantity: d("1"), Plan: PlanState{Started: true, Cancelled: true},
			Children: []ChildOrder{
				child(RoleLeg, "1", "0", common.StatusCancelled),
				child(RoleLeg, "1", "0", common.StatusCancelled),
			}}, StatusCancelled},
		{"rejected without fills", LogicalOrder{Type: TypeIceberg, Quantity: d("5"), Plan: PlanState{Started: true, Halted: true},
			Children: []ChildOrder{child(RoleSlice, "5", "0", common.StatusRejected)}}, StatusFailed},
		{"venue cancelled slice halts iceberg", LogicalOrder{Type: TypeIceberg, Quantity: d("5"), Plan: PlanState{Started: true, Halted: true},
			Children: []ChildOrder{
				child(RoleSlice, "2", "2", common.StatusFilled),
				child(RoleSlice, "2", "1", common.StatusCancelled),
			}}, StatusPartiallyCancelled},
		{"oco winning leg", LogicalOrder{Type: TypeOCO, Quantity: d("1"), Plan: PlanState{Started: true},
			Children: []ChildOrder{
				child(RoleLeg, "1", "1", common.StatusFilled),
				child(RoleLeg, "1", "0", common.StatusCancelled),
			}}, StatusFilled},
		{"bracket waits for protection", LogicalOrder{Type: TypeBracket, Quantity: d("1"), Plan: PlanState{Started: true},
			Children: []ChildOrder{child(RoleEntry, "1", "1", common.StatusFilled)}}, StatusWorking},
		{"bracket closed by take profit", LogicalOrder{Type: TypeBracket, Quantity: d("1"), Plan: PlanState{Started: true, ProtectionPlaced: true},
			Children: []ChildOrder{
				child(RoleEntry, "1", "1", common.StatusFilled),
				child(RoleTakeProfit, "1", "1", common.StatusFilled),
				child(RoleStopLoss, "1", "0", common.StatusCancelled),
			}}, StatusFilled},
		{"trailing stop armed", LogicalOrder{Type: TypeTrailingStop, Quantity: d("1"), Plan: PlanState{Started: true}}, StatusWorking},
		{"trailing stop cancelled before trigger", LogicalOrder{Type: TypeTrailingStop, Quantity: d("1"),
			Plan: PlanState{Started: true, Cancelled: true}}, StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.order.clone()
			assert.Equal(t, tc.want, DeriveStatus(tc.order))
			assert.Equal(t, tc.want, DeriveStatus(tc.order), "same input, same status")
			assert.Equal(t, before, tc.order, "derivation must not mutate the order")
		})
	}
}

func TestBracketProtectionDoesNotConsumeQuantity(t *testing.T) {
	o := LogicalOrder{Type: TypeBracket, Quantity: d("1"), Children: []ChildOrder{
		child(RoleEntry, "1", "1", common.StatusFilled),
		child(RoleTakeProfit, "1", "1", common.StatusFilled),
	}}
	assert.True(t, ExecutedQty(o).Equal(d("1")))
}

func TestValidate(t *testing.T) {
	base := func(typ Type, side common.Side, p Params) PlaceRequest {
		return PlaceRequest{Exchange: "sim", Symbol: "btcusdt", Side: side, Type: typ, Quantity: d("1"), Params: p}
	}
	cases := []struct {
		name  string
		req   PlaceRequest
		field string
	}{
		{"sell oco limit below stop", base(TypeOCO, common.SideSell, Params{LimitPrice: dp("90"), StopPrice: dp("95")}), "limitPrice"},
		{"buy oco limit above stop", base(TypeOCO, common.SideBuy, Params{LimitPrice: dp("100"), StopPrice: dp("95")}), "limitPrice"},
		{"oco without stop", base(TypeOCO, common.SideSell, Params{LimitPrice: dp("105")}), "stopPrice"},
		{"iceberg above quantity", base(TypeIceberg, common.SideBuy, Params{IcebergQuantity: dp("2")}), "icebergQuantity"},
		{"twap without slices", base(TypeTWAP, common.SideBuy, Params{Duration: Duration(time.Minute)}), "slices"},
		{"twap without duration", base(TypeTWAP, common.SideBuy, Params{Slices: 2}), "duration"},
		{"vwap profile length", base(TypeVWAP, common.SideBuy, Params{Slices: 2, Duration: Duration(time.Minute),
			VolumeProfile: []decimal.Decimal{d("1")}}), "volumeProfile"},
		{"buy bracket inverted", base(TypeBracket, common.SideBuy, Params{TakeProfitPrice: dp("90"), StopLossPrice: dp("95")}), "takeProfitPrice"},
		{"sell bracket inverted", base(TypeBracket, common.SideSell, Params{TakeProfitPrice: dp("110"), StopLossPrice: dp("105")}), "takeProfitPrice"},
		{"trailing with both", base(TypeTrailingStop, common.SideSell, Params{TrailingAmount: dp("1"), TrailingPercent: dp("1")}), "trailingAmount"},
		{"trailing with neither", base(TypeTrailingStop, common.SideSell, Params{}), "trailingAmount"},
		{"unknown type", base("STOP_HUNT", common.SideSell, Params{}), "type"},
		{"bad side", base(TypeTWAP, "HOLD", Params{Slices: 1, Duration: Duration(time.Minute)}), "side"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	ok := base(TypeOCO, common.SideSell, Params{LimitPrice: dp("105"), StopPrice: dp("95")})
	require.NoError(t, ok.Validate())
	assert.Equal(t, "BTCUSDT", ok.Symbol)
}

func TestSplitWeighted(t *testing.T) {
	parts := splitWeighted(d("10"), equalWeights(5), 8)
	require.Len(t, parts, 5)
	for _, p := range parts {
		assert.True(t, p.Equal(d("2")), p.String())
	}

	parts = splitWeighted(d("1"), equalWeights(3), 2)
	assert.Equal(t, []string{"0.33", "0.33", "0.34"}, []string{parts[0].String(), parts[1].String(), parts[2].String()})

	parts = splitWeighted(d("6"), []decimal.Decimal{d("1"), d("2"), d("3")}, 8)
	assert.True(t, parts[0].Equal(d("1")))
	assert.True(t, parts[2].Equal(d("3")))

	parts = splitWeighted(d("4"), []decimal.Decimal{decimal.Zero, decimal.Zero}, 8)
	assert.True(t, parts[0].Equal(d("2")), "zero profile falls back to equal weights")
}

func TestVolumeWeightsBucketByTimeOfDay(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var candles []common.Candle
	for i := 0; i < 2; i++ {
		base := day.Add(time.Duration(i) * 24 * time.Hour)
		candles = append(candles,
			common.Candle{OpenTime: base.Add(9 * time.Hour), Volume: d("30")},
			common.Candle{OpenTime: base.Add(10 * time.Hour), Volume: d("10")},
		)
	}
	due := []time.Time{
		day.Add(72*time.Hour + 9*time.Hour + 15*time.Minute),
		day.Add(72*time.Hour + 10*time.Hour + 15*time.Minute),
		day.Add(72*time.Hour + 11*time.Hour),
	}
	w := volumeWeights(candles, time.Hour, due)
	require.Len(t, w, 3)
	assert.True(t, w[0].Equal(d("30")))
	assert.True(t, w[1].Equal(d("10")))
	assert.True(t, w[2].Equal(d("20")), "empty bucket takes the mean")

	assert.Nil(t, volumeWeights(nil, time.Hour, due))
}

func TestParseTimeframe(t *testing.T) {
	for in, want := range map[string]time.Duration{"1m": time.Minute, "4h": 4 * time.Hour, "1d": 24 * time.Hour, "1w": 7 * 24 * time.Hour} {
		got, err := parseTimeframe(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseTimeframe("fortnight")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	orders := []LogicalOrder{
		{Type: TypeTWAP, Side: common.SideBuy, Quantity: d("2"), Status: StatusFilled,
			ArrivalPrice: decimal.NewNullDecimal(d("100")),
			Children: []ChildOrder{
				{Role: RoleSlice, FilledQty: d("1"), AvgPrice: d("100"), Status: common.StatusFilled},
				{Role: RoleSlice, FilledQty: d("1"), AvgPrice: d("102"), Status: common.StatusFilled},
			}},
		{Type: TypeIceberg, Side: common.SideSell, Quantity: d("2"), Status: StatusPartiallyCancelled,
			ArrivalPrice: decimal.NewNullDecimal(d("100")),
			Children: []ChildOrder{
				{Role: RoleSlice, FilledQty: d("1"), AvgPrice: d("99"), Status: common.StatusFilled},
				{Role: RoleSlice, FilledQty: d("0"), Status: common.StatusCancelled},
			}},
		{Type: TypeOCO, Side: common.SideSell, Quantity: d("1"), Status: StatusCancelled,
			ArrivalPrice: decimal.NewNullDecimal(d("100")), ArrivalSynthetic: true},
	}
	a := summarize(Timeframe{}, orders)
	assert.Equal(t, 3, a.TotalOrders)
	assert.Equal(t, 1, a.ByType[TypeOCO])
	assert.Equal(t, 1, a.ByStatus[StatusPartiallyCancelled])
	assert.True(t, a.RequestedQty.Equal(d("5")))
	assert.True(t, a.FilledQty.Equal(d("3")))
	assert.True(t, a.FillRate.Equal(d("0.6")), a.FillRate.String())
	assert.Equal(t, 4, a.ChildOrders)
	assert.Equal(t, 3, a.FilledChildren)
	assert.Equal(t, 2, a.SlippageSamples)
	assert.True(t, a.AvgSlippageBps.Equal(d("100")), a.AvgSlippageBps.String())
}

func TestDurationJSON(t *testing.T) {
	var p Params
	require.NoError(t, jsonUnmarshal(`{"slices":3,"duration":"90s"}`, &p))
	assert.Equal(t, 90*time.Second, p.Duration.Std())
	require.NoError(t, jsonUnmarshal(`{"duration":120}`, &p))
	assert.Equal(t, 2*time.Minute, p.Duration.Std())
	assert.Error(t, jsonUnmarshal(`{"duration":"soon"}`, &p))
}
