package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WeightTracker follows a venue's request weight budget as reported in
// response headers (Binance X-MBX-USED-WEIGHT-1M).
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           *zap.Logger
}

// NewWeightTracker creates a tracker for limit weight per resetInterval.
func NewWeightTracker(limit int, resetInterval time.Duration, log *zap.Logger) *WeightTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
}

// UpdateFromHeader records the used weight reported by the venue.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	if pct >= 95 {
		w.log.Warn("request weight critical", zap.Int("used", w.usedWeight), zap.Int("limit", w.limit))
	} else if pct >= 80 {
		w.log.Info("request weight high", zap.Int("used", w.usedWeight), zap.Int("limit", w.limit))
	}
}

// Usage returns the current usage within the window.
func (w *WeightTracker) Usage() (used, limit int, pct float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}

// Backoff returns how long to hold off before the next request, zero when
// the budget has room.
func (w *WeightTracker) Backoff() time.Duration {
	_, _, pct := w.Usage()
	if pct < 90 {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Until(w.lastReset.Add(w.resetInterval))
}
