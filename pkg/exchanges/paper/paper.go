package paper

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// Config configures the simulated venue.
type Config struct {
	Name         string
	Capabilities common.Capabilities
	// MarketData, when set, drives prices from a real venue's quotes.
	MarketData  common.Adapter
	StartPrices map[string]decimal.Decimal
	SlippageBps decimal.Decimal
	TickSize    decimal.Decimal
	LevelQty    decimal.Decimal
	Levels      int
	// Step is the random walk amplitude used by Run.
	Step decimal.Decimal
}

type market struct {
	price     decimal.Decimal
	synthetic bool
	updated   time.Time
}

type simOrder struct {
	req   common.OrderRequest
	state common.OrderState
}

// Exchange is an in-memory venue that fills orders against a price feed.
// Prices come from SetPrice, the random walk in Run, or the MarketData
// venue; fills priced from anything but MarketData are flagged synthetic.
type Exchange struct {
	cfg Config
	log *zap.Logger
	rng *rand.Rand

	mu        sync.Mutex
	markets   map[string]*market
	books     map[string]common.OrderBook
	candles   map[string][]common.Candle
	orders    map[string]*simOrder
	byClient  map[string]string
	balances  map[string]common.Balance
	failures  map[string][]error
	calls     map[string]int
	autoMatch bool
	seq       int64
}

// New creates a paper venue.
func New(cfg Config, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = string(common.TypePaper)
	}
	if cfg.TickSize.IsZero() {
		cfg.TickSize = decimal.RequireFromString("0.01")
	}
	if cfg.LevelQty.IsZero() {
		cfg.LevelQty = decimal.NewFromInt(1)
	}
	if cfg.Levels == 0 {
		cfg.Levels = 10
	}
	if cfg.Step.IsZero() {
		cfg.Step = decimal.RequireFromString("0.5")
	}
	e := &Exchange{
		cfg:       cfg,
		log:       log.With(zap.String("exchange", cfg.Name)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		markets:   make(map[string]*market),
		books:     make(map[string]common.OrderBook),
		candles:   make(map[string][]common.Candle),
		orders:    make(map[string]*simOrder),
		byClient:  make(map[string]string),
		balances:  make(map[string]common.Balance),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
		autoMatch: true,
	}
	for sym, p := range cfg.StartPrices {
		e.markets[sym] = &market{price: p, synthetic: true, updated: time.Now()}
	}
	return e
}

func (e *Exchange) Name() string                      { return e.cfg.Name }
func (e *Exchange) Type() common.ExchangeType         { return common.TypePaper }
func (e *Exchange) Capabilities() common.Capabilities { return e.cfg.Capabilities }

// Ping always succeeds unless a failure is queued for "ping".
func (e *Exchange) Ping(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("ping")
}

// enter counts the call and pops a queued failure. Caller holds e.mu.
func (e *Exchange) enter(op string) error {
	e.calls[op]++
	if q := e.failures[op]; len(q) > 0 {
		err := q[0]
		e.failures[op] = q[1:]
		return err
	}
	return nil
}

// FailNext queues errors returned by the next calls of op
// (e.g. "place_order", "cancel_order", "get_order_status", "get_quote").
func (e *Exchange) FailNext(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// SetAutoMatch toggles filling resting orders when the price crosses them.
func (e *Exchange) SetAutoMatch(on bool) {
	e.mu.Lock()
	e.autoMatch = on
	e.mu.Unlock()
}

// SetPrice moves the synthetic price of symbol and matches resting orders.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setPriceLocked(symbol, price, true)
}

// SetFeedPrice moves the price as if it came from a real market-data feed,
// so quotes and fills derived from it are not flagged synthetic.
func (e *Exchange) SetFeedPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setPriceLocked(symbol, price, false)
}

func (e *Exchange) setPriceLocked(symbol string, price decimal.Decimal, synthetic bool) {
	m, ok := e.markets[symbol]
	if !ok {
		m = &market{}
		e.markets[symbol] = m
	}
	m.price = price
	m.synthetic = synthetic
	m.updated = time.Now()
	if e.autoMatch {
		e.matchLocked(symbol)
	}
}

// SetOrderBook pins the book returned for symbol.
func (e *Exchange) SetOrderBook(book common.OrderBook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book.Exchange = e.cfg.Name
	for i := range book.Bids {
		book.Bids[i].Exchange = e.cfg.Name
	}
	for i := range book.Asks {
		book.Asks[i].Exchange = e.cfg.Name
	}
	e.books[book.Symbol] = book
}

// SetCandles pins the candle history returned for symbol.
func (e *Exchange) SetCandles(symbol string, candles []common.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles[symbol] = candles
}

// SetBalance sets an asset balance.
func (e *Exchange) SetBalance(b common.Balance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[b.Asset] = b
}

// Run advances a random walk on every known symbol until ctx is done.
// With MarketData set, it polls the upstream venue instead.
func (e *Exchange) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if e.cfg.MarketData != nil {
				e.pollUpstream(ctx)
				continue
			}
			e.mu.Lock()
			for sym, m := range e.markets {
				noise := decimal.NewFromFloat(e.rng.Float64()*2 - 1).Mul(e.cfg.Step)
				next := m.price.Add(noise)
				if next.IsPositive() {
					e.setPriceLocked(sym, next, true)
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Exchange) pollUpstream(ctx context.Context) {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.markets))
	for sym := range e.markets {
		symbols = append(symbols, sym)
	}
	e.mu.Unlock()
	for _, sym := range symbols {
		if _, err := e.GetQuote(ctx, sym); err != nil {
			e.log.Debug("upstream quote failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func (e *Exchange) GetQuote(ctx context.Context, symbol string) (common.Quote, error) {
	if up := e.cfg.MarketData; up != nil {
		q, err := up.GetQuote(ctx, symbol)
		if err != nil {
			return common.Quote{}, err
		}
		e.mu.Lock()
		if err := e.enter("get_quote"); err != nil {
			e.mu.Unlock()
			return common.Quote{}, err
		}
		e.setPriceLocked(symbol, q.Reference(), q.Synthetic)
		e.mu.Unlock()
		q.Exchange = e.cfg.Name
		return q, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_quote"); err != nil {
		return common.Quote{}, err
	}
	m, ok := e.markets[symbol]
	if !ok {
		return common.Quote{}, e.noMarket("get_quote", symbol)
	}
	return common.Quote{
		Exchange:  e.cfg.Name,
		Symbol:    symbol,
		Bid:       m.price.Sub(e.cfg.TickSize),
		Ask:       m.price.Add(e.cfg.TickSize),
		Last:      m.price,
		Time:      m.updated,
		Synthetic: m.synthetic,
	}, nil
}

func (e *Exchange) noMarket(op, symbol string) error {
	return &common.RejectedError{Exchange: e.cfg.Name, Op: op, Code: -1121, Message: "no market data for " + symbol}
}

func (e *Exchange) GetOrderBook(ctx context.Context, symbol string, depth int) (common.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_order_book"); err != nil {
		return common.OrderBook{}, err
	}
	if book, ok := e.books[symbol]; ok {
		return truncate(book, depth), nil
	}
	m, ok := e.markets[symbol]
	if !ok {
		return common.OrderBook{}, e.noMarket("get_order_book", symbol)
	}
	levels := e.cfg.Levels
	if depth > 0 && depth < levels {
		levels = depth
	}
	book := common.OrderBook{Exchange: e.cfg.Name, Symbol: symbol, Time: time.Now(), Synthetic: m.synthetic}
	for i := 1; i <= levels; i++ {
		off := e.cfg.TickSize.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, common.Level{Exchange: e.cfg.Name, Price: m.price.Sub(off), Qty: e.cfg.LevelQty})
		book.Asks = append(book.Asks, common.Level{Exchange: e.cfg.Name, Price: m.price.Add(off), Qty: e.cfg.LevelQty})
	}
	return book, nil
}

func truncate(book common.OrderBook, depth int) common.OrderBook {
	if depth <= 0 {
		return book
	}
	if len(book.Bids) > depth {
		book.Bids = book.Bids[:depth]
	}
	if len(book.Asks) > depth {
		book.Asks = book.Asks[:depth]
	}
	return book
}

func (e *Exchange) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	e.mu.Lock()
	if err := e.enter("get_candles"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	pinned, ok := e.candles[symbol]
	e.mu.Unlock()
	if ok {
		if limit > 0 && len(pinned) > limit {
			pinned = pinned[len(pinned)-limit:]
		}
		return append([]common.Candle(nil), pinned...), nil
	}
	if e.cfg.MarketData != nil {
		return e.cfg.MarketData.GetHistoricalCandles(ctx, symbol, timeframe, limit)
	}
	return nil, nil
}

func (e *Exchange) GetBalance(context.Context) ([]common.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_balance"); err != nil {
		return nil, err
	}
	out := make([]common.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, b)
	}
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("place_order"); err != nil {
		return "", err
	}
	if !req.Qty.IsPositive() {
		return "", &common.RejectedError{Exchange: e.cfg.Name, Op: "place_order", Code: -1013, Message: "invalid quantity"}
	}
	if !e.cfg.Capabilities.Supports(req.Type) {
		return "", &common.RejectedError{Exchange: e.cfg.Name, Op: "place_order", Code: -1116, Message: "unsupported order type " + string(req.Type)}
	}
	if req.ClientID != "" {
		if _, dup := e.byClient[req.ClientID]; dup {
			return "", &common.RejectedError{Exchange: e.cfg.Name, Op: "place_order", Code: -2010, Message: "duplicate order sent"}
		}
	}
	if req.Type == common.OrderTypeMarket {
		if _, ok := e.markets[req.Symbol]; !ok {
			return "", e.noMarket("place_order", req.Symbol)
		}
	}

	e.seq++
	id := strconv.FormatInt(e.seq, 10)
	o := &simOrder{
		req: req,
		state: common.OrderState{
			NativeID:  id,
			ClientID:  req.ClientID,
			Status:    common.StatusNew,
			Qty:       req.Qty,
			UpdatedAt: time.Now(),
		},
	}
	e.orders[id] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = id
	}
	if e.autoMatch {
		e.matchOrderLocked(o)
	}
	return id, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, nativeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("cancel_order"); err != nil {
		return err
	}
	o, ok := e.orders[nativeID]
	if !ok || o.state.Status.Terminal() {
		return fmt.Errorf("%s cancel %s: %w", e.cfg.Name, nativeID, common.ErrOrderNotFound)
	}
	o.state.Status = common.StatusCancelled
	o.state.UpdatedAt = time.Now()
	return nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, nativeID string) (common.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_order_status"); err != nil {
		return common.OrderState{}, err
	}
	o, ok := e.orders[nativeID]
	if !ok {
		return common.OrderState{}, fmt.Errorf("%s order %s: %w", e.cfg.Name, nativeID, common.ErrOrderNotFound)
	}
	return o.state, nil
}

// GetOrderByClientID looks an order up by its client order id.
func (e *Exchange) GetOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get_order_by_client_id"); err != nil {
		return common.OrderState{}, err
	}
	id, ok := e.byClient[clientID]
	if !ok {
		return common.OrderState{}, fmt.Errorf("%s client order %s: %w", e.cfg.Name, clientID, common.ErrOrderNotFound)
	}
	return e.orders[id].state, nil
}

// Fill executes qty of a resting order at price, as if a counterparty traded.
func (e *Exchange) Fill(nativeID string, qty, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[nativeID]
	if !ok || o.state.Status.Terminal() {
		return fmt.Errorf("%s fill %s: %w", e.cfg.Name, nativeID, common.ErrOrderNotFound)
	}
	synthetic := true
	if m, ok := e.markets[o.req.Symbol]; ok {
		synthetic = m.synthetic
	}
	e.fillLocked(o, qty, price, synthetic)
	return nil
}

// OverrideState replaces the venue's view of an order, for simulating
// divergence between the venue and a local ledger.
func (e *Exchange) OverrideState(nativeID string, st common.OrderState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[nativeID]
	if !ok {
		return fmt.Errorf("%s override %s: %w", e.cfg.Name, nativeID, common.ErrOrderNotFound)
	}
	st.NativeID = nativeID
	st.ClientID = o.state.ClientID
	if st.Qty.IsZero() {
		st.Qty = o.state.Qty
	}
	st.UpdatedAt = time.Now()
	o.state = st
	return nil
}

// Forget drops an order, as if the venue lost it.
func (e *Exchange) Forget(nativeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[nativeID]; ok {
		delete(e.byClient, o.state.ClientID)
		delete(e.orders, nativeID)
	}
}

// Orders returns a snapshot of every order the venue knows about.
func (e *Exchange) Orders() []common.OrderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.OrderState, 0, len(e.orders))
	for i := int64(1); i <= e.seq; i++ {
		if o, ok := e.orders[strconv.FormatInt(i, 10)]; ok {
			out = append(out, o.state)
		}
	}
	return out
}
