package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/risk"
	"execution-core/pkg/exchanges/common"
)

const (
	defaultProfileTimeframe = "1h"
	defaultProfileLookback  = 168
)

func parseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if strings.HasSuffix(tf, "d") || strings.HasSuffix(tf, "w") {
		n, err := strconv.Atoi(tf[:len(tf)-1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad timeframe %q", tf)
		}
		unit := 24 * time.Hour
		if strings.HasSuffix(tf, "w") {
			unit *= 7
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(tf)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	return d, nil
}

// splitWeighted divides qty proportionally to weights, rounding each part
// down to precision. The last part absorbs the rounding so the parts sum
// to qty exactly.
func splitWeighted(qty decimal.Decimal, weights []decimal.Decimal, precision int32) []decimal.Decimal {
	n := len(weights)
	if n == 0 {
		return nil
	}
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !total.IsPositive() {
		weights = equalWeights(n)
		total = decimal.NewFromInt(int64(n))
	}
	out := make([]decimal.Decimal, n)
	used := decimal.Zero
	for i := 0; i < n-1; i++ {
		part := qty.Mul(weights[i]).Div(total).RoundDown(precision)
		out[i] = part
		used = used.Add(part)
	}
	out[n-1] = qty.Sub(used)
	return out
}

func equalWeights(n int) []decimal.Decimal {
	w := make([]decimal.Decimal, n)
	for i := range w {
		w[i] = decimal.NewFromInt(1)
	}
	return w
}

// volumeWeights buckets historical candles by time of day and weighs each
// scheduled slice by the average volume of the bucket it falls into.
// Buckets without history take the overall mean.
func volumeWeights(candles []common.Candle, tf time.Duration, due []time.Time) []decimal.Decimal {
	if len(candles) == 0 || tf <= 0 {
		return nil
	}
	bucket := func(t time.Time) int64 {
		t = t.UTC()
		sinceMidnight := t.Sub(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC))
		return int64(sinceMidnight / tf)
	}
	sums := make(map[int64]decimal.Decimal)
	counts := make(map[int64]int64)
	all := decimal.Zero
	for _, c := range candles {
		b := bucket(c.OpenTime)
		sums[b] = sums[b].Add(c.Volume)
		counts[b]++
		all = all.Add(c.Volume)
	}
	if !all.IsPositive() {
		return nil
	}
	mean := all.Div(decimal.NewFromInt(int64(len(candles))))
	out := make([]decimal.Decimal, len(due))
	for i, t := range due {
		b := bucket(t)
		if counts[b] == 0 {
			out[i] = mean
			continue
		}
		out[i] = sums[b].Div(decimal.NewFromInt(counts[b]))
	}
	return out
}

// buildPlan fills the initial plan state of o. VWAP may fetch candles.
func (m *Manager) buildPlan(ctx context.Context, adapter common.Adapter, o *LogicalOrder, ref decimal.Decimal, now time.Time) {
	p := o.Params
	o.Plan.StartedAt = now
	switch o.Type {
	case TypeTWAP:
		o.Plan.Interval = Duration(p.Duration.Std() / time.Duration(p.Slices))
		o.Plan.SliceSizes = splitWeighted(o.Quantity, equalWeights(p.Slices), m.cfg.QtyPrecision)
	case TypeVWAP:
		o.Plan.Interval = Duration(p.Duration.Std() / time.Duration(p.Slices))
		o.Plan.SliceSizes = splitWeighted(o.Quantity, m.vwapWeights(ctx, adapter, o), m.cfg.QtyPrecision)
	case TypeTrailingStop:
		var amount, pct decimal.Decimal
		if p.TrailingAmount != nil {
			amount = *p.TrailingAmount
		}
		if p.TrailingPercent != nil {
			pct = *p.TrailingPercent
		}
		t := risk.NewTrail(o.Side, ref, amount, pct)
		o.Plan.Trail = &t
	}
}

func (m *Manager) vwapWeights(ctx context.Context, adapter common.Adapter, o *LogicalOrder) []decimal.Decimal {
	p := o.Params
	if len(p.VolumeProfile) == p.Slices {
		return p.VolumeProfile
	}
	tfName := p.ProfileTimeframe
	if tfName == "" {
		tfName = defaultProfileTimeframe
	}
	lookback := p.ProfileLookback
	if lookback == 0 {
		lookback = defaultProfileLookback
	}
	tf, err := parseTimeframe(tfName)
	if err != nil {
		return equalWeights(p.Slices)
	}
	candles, err := adapter.GetHistoricalCandles(ctx, o.Symbol, tfName, lookback)
	if err != nil {
		m.log.Warn("volume profile unavailable, using equal weights",
			zap.String("order_id", o.ID), zap.String("symbol", o.Symbol), zap.Error(err))
		return equalWeights(p.Slices)
	}
	due := make([]time.Time, p.Slices)
	for i := range due {
		due[i] = o.Plan.DueAt(i)
	}
	if w := volumeWeights(candles, tf, due); w != nil {
		return w
	}
	return equalWeights(p.Slices)
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// describePlan lists the children the plan intends to send.
func describePlan(o LogicalOrder) []PlannedStep {
	p := o.Params
	entryType := common.OrderTypeMarket
	if positive(p.LimitPrice) {
		entryType = common.OrderTypeLimit
	}
	exit := o.Side.Opposite()
	switch o.Type {
	case TypeOCO:
		return []PlannedStep{
			{Seq: 1, Role: RoleLeg, Side: o.Side, Type: common.OrderTypeLimit, Quantity: o.Quantity, Price: p.LimitPrice},
			{Seq: 2, Role: RoleLeg, Side: o.Side, Type: common.OrderTypeStopLoss, Quantity: o.Quantity, StopPrice: p.StopPrice},
		}
	case TypeIceberg:
		var out []PlannedStep
		left := o.Quantity
		for seq := 1; left.IsPositive(); seq++ {
			q := decimal.Min(*p.IcebergQuantity, left)
			out = append(out, PlannedStep{Seq: seq, Role: RoleSlice, Side: o.Side, Type: entryType, Quantity: q,
				Price: p.LimitPrice, Condition: "previous slice filled"})
			left = left.Sub(q)
		}
		if len(out) > 0 {
			out[0].Condition = ""
		}
		return out
	case TypeTWAP, TypeVWAP:
		out := make([]PlannedStep, len(o.Plan.SliceSizes))
		for i, q := range o.Plan.SliceSizes {
			due := o.Plan.DueAt(i)
			out[i] = PlannedStep{Seq: i + 1, Role: RoleSlice, Side: o.Side, Type: entryType, Quantity: q, Price: p.LimitPrice, DueAt: &due}
		}
		return out
	case TypeBracket:
		return []PlannedStep{
			{Seq: 1, Role: RoleEntry, Side: o.Side, Type: entryType, Quantity: o.Quantity, Price: p.LimitPrice},
			{Seq: 2, Role: RoleTakeProfit, Side: exit, Type: common.OrderTypeLimit, Quantity: o.Quantity, Price: p.TakeProfitPrice, Condition: "entry filled"},
			{Seq: 3, Role: RoleStopLoss, Side: exit, Type: common.OrderTypeStopLoss, Quantity: o.Quantity, StopPrice: p.StopLossPrice, Condition: "entry filled"},
		}
	case TypeTrailingStop:
		step := PlannedStep{Seq: 1, Role: RoleExit, Side: o.Side, Type: common.OrderTypeMarket, Quantity: o.Quantity}
		if o.Plan.Trail != nil {
			step.StopPrice = ptr(o.Plan.Trail.Stop)
			step.Condition = "price crosses trailing stop"
		}
		if p.ExitLimitOffset != nil {
			step.Type = common.OrderTypeLimit
		}
		return []PlannedStep{step}
	}
	return nil
}
