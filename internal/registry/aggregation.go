package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

var (
	ErrNoVenues              = errors.New("no venues available")
	ErrInsufficientLiquidity = errors.New("no venue can absorb the requested quantity")
)

var hundred = decimal.NewFromInt(100)

// UnifiedBook merges the ladders of several venues for one symbol. Each
// level keeps the venue it came from.
type UnifiedBook struct {
	Symbol    string            `json:"symbol"`
	Bids      []common.Level    `json:"bids"`
	Asks      []common.Level    `json:"asks"`
	Venues    []string          `json:"venues"`
	Failed    map[string]string `json:"failed,omitempty"`
	Synthetic bool              `json:"synthetic"`
	Time      time.Time         `json:"time"`
}

type venueBook struct {
	name string
	caps common.Capabilities
	book common.OrderBook
	err  error
}

func (r *Registry) targets(names []string) ([]string, error) {
	if len(names) == 0 {
		names = r.names()
	}
	if len(names) == 0 {
		return nil, ErrNoVenues
	}
	return names, nil
}

// fetchBooks queries every venue concurrently; failures are returned per venue.
func (r *Registry) fetchBooks(ctx context.Context, symbol string, depth int, names []string) []venueBook {
	p := pool.NewWithResults[venueBook]().WithMaxGoroutines(len(names))
	for _, name := range names {
		p.Go(func() venueBook {
			vb := venueBook{name: name}
			a, err := r.Adapter(name)
			if err != nil {
				vb.err = err
				return vb
			}
			vb.caps = a.Capabilities()
			vb.book, vb.err = a.GetOrderBook(ctx, symbol, depth)
			return vb
		})
	}
	out := p.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// UnifiedOrderBook merges the books of names (all venues when empty). Bids
// are sorted descending and asks ascending; ties keep venue name order.
// Failing venues are reported; the call fails only when every venue fails.
func (r *Registry) UnifiedOrderBook(ctx context.Context, symbol string, depth int, names ...string) (UnifiedBook, error) {
	names, err := r.targets(names)
	if err != nil {
		return UnifiedBook{}, err
	}
	if depth <= 0 {
		depth = r.cfg.BookDepth
	}
	ub := UnifiedBook{Symbol: symbol, Time: time.Now().UTC()}
	var lastErr error
	for _, vb := range r.fetchBooks(ctx, symbol, depth, names) {
		if vb.err != nil {
			if ub.Failed == nil {
				ub.Failed = make(map[string]string)
			}
			ub.Failed[vb.name] = vb.err.Error()
			lastErr = vb.err
			r.log.Debug("order book fetch failed", zap.String("exchange", vb.name), zap.Error(vb.err))
			continue
		}
		ub.Venues = append(ub.Venues, vb.name)
		ub.Synthetic = ub.Synthetic || vb.book.Synthetic
		ub.Bids = append(ub.Bids, tag(vb.book.Bids, vb.name)...)
		ub.Asks = append(ub.Asks, tag(vb.book.Asks, vb.name)...)
	}
	if len(ub.Venues) == 0 {
		return ub, fmt.Errorf("unified order book %s: all venues failed: %w", symbol, lastErr)
	}
	sort.SliceStable(ub.Bids, func(i, j int) bool { return ub.Bids[i].Price.GreaterThan(ub.Bids[j].Price) })
	sort.SliceStable(ub.Asks, func(i, j int) bool { return ub.Asks[i].Price.LessThan(ub.Asks[j].Price) })
	return ub, nil
}

func tag(levels []common.Level, venue string) []common.Level {
	out := make([]common.Level, len(levels))
	for i, l := range levels {
		l.Exchange = venue
		out[i] = l
	}
	return out
}

// ArbitrageOpportunity is a buy-low/sell-high pair across two venues.
// Profit figures are per unit.
type ArbitrageOpportunity struct {
	Symbol       string          `json:"symbol"`
	BuyExchange  string          `json:"buy_exchange"`
	SellExchange string          `json:"sell_exchange"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	SellPrice    decimal.Decimal `json:"sell_price"`
	GrossProfit  decimal.Decimal `json:"gross_profit"`
	Fees         decimal.Decimal `json:"fees"`
	NetProfit    decimal.Decimal `json:"net_profit"`
	NetProfitPct decimal.Decimal `json:"net_profit_pct"`
	Synthetic    bool            `json:"synthetic"`
}

type venueQuote struct {
	name  string
	fee   decimal.Decimal
	quote common.Quote
	err   error
}

// DetectArbitrage compares the best bid of every venue with the best ask of
// every other venue, net of taker fees on both legs, and returns the pairs
// whose net profit percentage is at least minProfitPct, best first.
func (r *Registry) DetectArbitrage(ctx context.Context, symbol string, minProfitPct decimal.Decimal, names ...string) ([]ArbitrageOpportunity, error) {
	names, err := r.targets(names)
	if err != nil {
		return nil, err
	}
	p := pool.NewWithResults[venueQuote]().WithMaxGoroutines(len(names))
	for _, name := range names {
		p.Go(func() venueQuote {
			vq := venueQuote{name: name}
			a, err := r.Adapter(name)
			if err != nil {
				vq.err = err
				return vq
			}
			vq.fee = a.Capabilities().TakerFee()
			vq.quote, vq.err = r.Quote(ctx, name, symbol)
			return vq
		})
	}
	var quotes []venueQuote
	for _, vq := range p.Wait() {
		if vq.err != nil {
			r.log.Debug("quote fetch failed", zap.String("exchange", vq.name), zap.Error(vq.err))
			continue
		}
		if !vq.quote.Bid.IsPositive() || !vq.quote.Ask.IsPositive() {
			continue
		}
		quotes = append(quotes, vq)
	}

	var out []ArbitrageOpportunity
	for _, buy := range quotes {
		for _, sell := range quotes {
			if buy.name == sell.name {
				continue
			}
			ask, bid := buy.quote.Ask, sell.quote.Bid
			gross := bid.Sub(ask)
			fees := ask.Mul(buy.fee).Add(bid.Mul(sell.fee))
			net := gross.Sub(fees)
			if !net.IsPositive() {
				continue
			}
			pct := net.Div(ask).Mul(hundred)
			if pct.LessThan(minProfitPct) {
				continue
			}
			out = append(out, ArbitrageOpportunity{
				Symbol:       symbol,
				BuyExchange:  buy.name,
				SellExchange: sell.name,
				BuyPrice:     ask,
				SellPrice:    bid,
				GrossProfit:  gross,
				Fees:         fees,
				NetProfit:    net,
				NetProfitPct: pct,
				Synthetic:    buy.quote.Synthetic || sell.quote.Synthetic,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NetProfit.GreaterThan(out[j].NetProfit) })
	return out, nil
}

// VenueCost is the estimated cost of executing a quantity on one venue.
type VenueCost struct {
	Exchange     string          `json:"exchange"`
	VWAP         decimal.Decimal `json:"vwap"`
	TopPrice     decimal.Decimal `json:"top_price"`
	TopDepth     decimal.Decimal `json:"top_depth"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	PriceImpact  decimal.Decimal `json:"price_impact"`
	Fees         decimal.Decimal `json:"fees"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	Sufficient   bool            `json:"sufficient"`
	Synthetic    bool            `json:"synthetic"`
	Error        string          `json:"error,omitempty"`
}

// ExecutionEstimate is the result of a best-execution search.
type ExecutionEstimate struct {
	Symbol   string          `json:"symbol"`
	Side     common.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Best     VenueCost       `json:"best"`
	Venues   []VenueCost     `json:"venues"`
}

// BestExecutionVenue walks each venue's book for qty and picks the venue
// with the lowest price impact plus taker fees. Impact is measured against
// the best top of book across all venues. Costs within CostEpsilon are
// tied and the venue with more quantity at its top level wins.
func (r *Registry) BestExecutionVenue(ctx context.Context, symbol string, side common.Side, qty decimal.Decimal, names ...string) (ExecutionEstimate, error) {
	est := ExecutionEstimate{Symbol: symbol, Side: side, Quantity: qty}
	if !side.Valid() {
		return est, fmt.Errorf("best execution: invalid side %q", side)
	}
	if !qty.IsPositive() {
		return est, fmt.Errorf("best execution: quantity must be positive")
	}
	names, err := r.targets(names)
	if err != nil {
		return est, err
	}

	books := r.fetchBooks(ctx, symbol, r.cfg.BookDepth, names)
	var (
		bestTop decimal.Decimal
		haveTop bool
	)
	for _, vb := range books {
		if vb.err != nil {
			continue
		}
		ladder := ladderFor(vb.book, side)
		if len(ladder) == 0 {
			continue
		}
		top := ladder[0].Price
		if !haveTop || (side == common.SideBuy && top.LessThan(bestTop)) || (side == common.SideSell && top.GreaterThan(bestTop)) {
			bestTop, haveTop = top, true
		}
	}

	for _, vb := range books {
		vc := VenueCost{Exchange: vb.name}
		if vb.err != nil {
			vc.Error = vb.err.Error()
			est.Venues = append(est.Venues, vc)
			continue
		}
		vc.Synthetic = vb.book.Synthetic
		ladder := ladderFor(vb.book, side)
		if len(ladder) == 0 {
			vc.Error = "empty book"
			est.Venues = append(est.Venues, vc)
			continue
		}
		vc.TopPrice, vc.TopDepth = ladder[0].Price, ladder[0].Qty
		filled, notional := walk(ladder, qty)
		vc.AvailableQty = filled
		vc.Sufficient = filled.GreaterThanOrEqual(qty)
		if filled.IsPositive() {
			vc.VWAP = notional.Div(filled)
			vc.PriceImpact = notional.Sub(bestTop.Mul(filled)).Abs()
			vc.Fees = notional.Mul(vb.caps.TakerFee())
			vc.TotalCost = vc.PriceImpact.Add(vc.Fees)
		}
		est.Venues = append(est.Venues, vc)
	}

	sort.SliceStable(est.Venues, func(i, j int) bool {
		a, b := est.Venues[i], est.Venues[j]
		if a.Sufficient != b.Sufficient {
			return a.Sufficient
		}
		return a.TotalCost.LessThan(b.TotalCost)
	})

	found := false
	for _, vc := range est.Venues {
		if !vc.Sufficient {
			continue
		}
		if !found {
			est.Best, found = vc, true
			continue
		}
		if vc.TotalCost.Sub(est.Best.TotalCost).Abs().LessThanOrEqual(r.cfg.CostEpsilon) && vc.TopDepth.GreaterThan(est.Best.TopDepth) {
			est.Best = vc
		}
	}
	if !found {
		return est, ErrInsufficientLiquidity
	}
	return est, nil
}

func ladderFor(book common.OrderBook, side common.Side) []common.Level {
	if side == common.SideBuy {
		return book.Asks
	}
	return book.Bids
}

// walk consumes ladder levels until qty is reached, returning the filled
// quantity and its notional.
func walk(ladder []common.Level, qty decimal.Decimal) (filled, notional decimal.Decimal) {
	for _, l := range ladder {
		if filled.GreaterThanOrEqual(qty) {
			break
		}
		take := decimal.Min(l.Qty, qty.Sub(filled))
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(l.Price))
	}
	return filled, notional
}
