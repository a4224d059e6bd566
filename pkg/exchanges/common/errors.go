package common

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrOrderNotFound is returned when the venue has no record of an order.
var ErrOrderNotFound = errors.New("order not found")

// ErrUnsupported is returned for operations a venue does not offer.
var ErrUnsupported = errors.New("operation not supported")

// ConnectivityError is a transport failure or timeout. Placement outcomes
// behind it are unknown.
type ConnectivityError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: connectivity: %v", e.Exchange, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RateLimitError signals venue throttling.
type RateLimitError struct {
	Exchange   string
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s %s: rate limited, retry after %s", e.Exchange, e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s %s: rate limited", e.Exchange, e.Op)
}

// RejectedError is a business rejection. Never retried.
type RejectedError struct {
	Exchange string
	Op       string
	Code     int
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s: rejected (%d): %s", e.Exchange, e.Op, e.Code, e.Message)
}

// IsConnectivity reports whether err is a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRateLimited reports whether err is a RateLimitError and returns it.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	ok := errors.As(err, &rl)
	return rl, ok
}

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsDuplicateClientID reports whether err is a rejection of a client order
// id the venue has already accepted. Binance answers -2010 "Duplicate order
// sent." for it.
func IsDuplicateClientID(err error) bool {
	var re *RejectedError
	if !errors.As(err, &re) {
		return false
	}
	return strings.Contains(strings.ToLower(re.Message), "duplicate")
}

// IsNotFound reports whether err means the venue has no such order.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsRetryable reports whether a call failing with err may be attempted again.
func IsRetryable(err error) bool {
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	return IsConnectivity(err)
}
