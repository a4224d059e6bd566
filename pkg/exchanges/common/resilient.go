package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds every adapter call.
type RetryPolicy struct {
	CallTimeout      time.Duration
	MaxRetries       int
	RateLimitRetries int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
}

// DefaultRetryPolicy returns conservative defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		CallTimeout:      10 * time.Second,
		MaxRetries:       3,
		RateLimitRetries: 5,
		InitialBackoff:   200 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		Multiplier:       2,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

// CallObserver receives the outcome of every attempt.
type CallObserver func(exchange, op string, latency time.Duration, err error)

// Resilient decorates an Adapter with per-attempt timeouts, a request
// limiter and exponential backoff on connectivity and rate-limit failures.
type Resilient struct {
	inner   Adapter
	policy  RetryPolicy
	limiter *rate.Limiter
	log     *zap.Logger
	observe CallObserver
}

// ResilientOption customizes WithResilience.
type ResilientOption func(*Resilient)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) ResilientOption {
	return func(r *Resilient) {
		if l != nil {
			r.log = l
		}
	}
}

// WithObserver registers a per-attempt observer.
func WithObserver(fn CallObserver) ResilientOption {
	return func(r *Resilient) { r.observe = fn }
}

// WithLimiter overrides the limiter derived from the adapter capabilities.
func WithLimiter(l *rate.Limiter) ResilientOption {
	return func(r *Resilient) { r.limiter = l }
}

// WithResilience wraps inner. Rejections and not-found errors pass through
// unchanged; exhausted retries surface as *ConnectivityError.
func WithResilience(inner Adapter, policy RetryPolicy, opts ...ResilientOption) *Resilient {
	r := &Resilient{inner: inner, policy: policy, log: zap.NewNop()}
	if caps := inner.Capabilities(); caps.RequestsPerSecond > 0 {
		burst := caps.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(caps.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("exchange", inner.Name()))
	return r
}

// Unwrap returns the decorated adapter.
func (r *Resilient) Unwrap() Adapter { return r.inner }

func invoke[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	bo := r.policy.newBackOff()
	connFailures, throttled := 0, 0
	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return zero, &ConnectivityError{Exchange: r.inner.Name(), Op: op, Err: err}
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
		start := time.Now()
		v, err := fn(attemptCtx)
		cancel()
		if r.observe != nil {
			r.observe(r.inner.Name(), op, time.Since(start), err)
		}
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && !IsConnectivity(err) {
			err = &ConnectivityError{Exchange: r.inner.Name(), Op: op, Err: err}
		}

		var wait time.Duration
		if rl, ok := IsRateLimited(err); ok {
			throttled++
			if throttled > r.policy.RateLimitRetries {
				return zero, r.exhausted(op, throttled+connFailures, err)
			}
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = bo.NextBackOff()
			}
		} else if IsConnectivity(err) {
			connFailures++
			if connFailures > r.policy.MaxRetries {
				return zero, r.exhausted(op, throttled+connFailures, err)
			}
			wait = bo.NextBackOff()
		} else {
			return zero, err
		}
		if wait == backoff.Stop {
			return zero, r.exhausted(op, throttled+connFailures, err)
		}

		r.log.Debug("retrying adapter call",
			zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return zero, &ConnectivityError{Exchange: r.inner.Name(), Op: op, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

func (r *Resilient) exhausted(op string, attempts int, err error) error {
	r.log.Warn("adapter retries exhausted", zap.String("op", op), zap.Int("attempts", attempts), zap.Error(err))
	return &ConnectivityError{
		Exchange: r.inner.Name(),
		Op:       op,
		Err:      fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err),
	}
}

func (r *Resilient) Name() string               { return r.inner.Name() }
func (r *Resilient) Type() ExchangeType         { return r.inner.Type() }
func (r *Resilient) Capabilities() Capabilities { return r.inner.Capabilities() }

func (r *Resilient) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	return invoke(ctx, r, "get_quote", func(ctx context.Context) (Quote, error) {
		return r.inner.GetQuote(ctx, symbol)
	})
}

func (r *Resilient) GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	return invoke(ctx, r, "get_order_book", func(ctx context.Context) (OrderBook, error) {
		return r.inner.GetOrderBook(ctx, symbol, depth)
	})
}

func (r *Resilient) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return invoke(ctx, r, "get_candles", func(ctx context.Context) ([]Candle, error) {
		return r.inner.GetHistoricalCandles(ctx, symbol, timeframe, limit)
	})
}

func (r *Resilient) GetBalance(ctx context.Context) ([]Balance, error) {
	return invoke(ctx, r, "get_balance", func(ctx context.Context) ([]Balance, error) {
		return r.inner.GetBalance(ctx)
	})
}

// PlaceOrder retries are safe as long as req.ClientID is set: venues reject
// a duplicate client order id. A rejection that follows a lost response, or
// names the client id as a duplicate, says nothing about the first attempt,
// so the order is looked up by client id instead. When the lookup cannot
// settle it the outcome is reported as unknown.
func (r *Resilient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	uncertain := false
	id, err := invoke(ctx, r, "place_order", func(ctx context.Context) (string, error) {
		id, err := r.inner.PlaceOrder(ctx, req)
		if err != nil && !IsRejected(err) {
			if _, throttled := IsRateLimited(err); !throttled {
				uncertain = true
			}
		}
		return id, err
	})
	if err == nil || req.ClientID == "" || !IsRejected(err) {
		return id, err
	}
	if !uncertain && !IsDuplicateClientID(err) {
		return id, err
	}
	return r.recoverPlacement(ctx, req, err)
}

func (r *Resilient) recoverPlacement(ctx context.Context, req OrderRequest, rejected error) (string, error) {
	st, err := r.GetOrderByClientID(ctx, req.Symbol, req.ClientID)
	if err == nil && st.NativeID != "" {
		r.log.Info("placement recovered by client id",
			zap.String("client_id", req.ClientID), zap.String("native_id", st.NativeID))
		return st.NativeID, nil
	}
	if err == nil {
		err = errors.New("no native id")
	}
	r.log.Warn("placement outcome unknown after retry",
		zap.String("client_id", req.ClientID), zap.NamedError("rejection", rejected), zap.Error(err))
	// Neither error is wrapped: the result must not read as a final refusal.
	return "", &ConnectivityError{
		Exchange: r.inner.Name(),
		Op:       "place_order",
		Err:      fmt.Errorf("retried placement refused (%v), lookup by client id: %v", rejected, err),
	}
}

func (r *Resilient) CancelOrder(ctx context.Context, symbol, nativeID string) error {
	_, err := invoke(ctx, r, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.CancelOrder(ctx, symbol, nativeID)
	})
	return err
}

func (r *Resilient) GetOrderStatus(ctx context.Context, symbol, nativeID string) (OrderState, error) {
	return invoke(ctx, r, "get_order_status", func(ctx context.Context) (OrderState, error) {
		return r.inner.GetOrderStatus(ctx, symbol, nativeID)
	})
}

// Ping probes the inner adapter once, without retries.
func (r *Resilient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := r.inner.GetBalance(ctx)
	return err
}

// GetOrderByClientID forwards to the inner adapter when it supports lookups.
func (r *Resilient) GetOrderByClientID(ctx context.Context, symbol, clientID string) (OrderState, error) {
	lookup, ok := r.inner.(ClientOrderLookup)
	if !ok {
		return OrderState{}, ErrUnsupported
	}
	return invoke(ctx, r, "get_order_by_client_id", func(ctx context.Context) (OrderState, error) {
		return lookup.GetOrderByClientID(ctx, symbol, clientID)
	})
}

// Close closes the inner adapter if it holds resources.
func (r *Resilient) Close() error {
	if c, ok := r.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
