package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"execution-core/pkg/exchanges/common"
)

const numShards = 16

// QuoteCache keeps the last good quote per exchange and symbol, sharded to
// keep lock contention low under concurrent routing queries.
type QuoteCache struct {
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	quote    common.Quote
	storedAt time.Time
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func key(exchange, symbol string) string { return exchange + "|" + symbol }

func (c *QuoteCache) shard(k string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[h.Sum32()%numShards]
}

// Set stores q under its exchange and symbol.
func (c *QuoteCache) Set(q common.Quote) {
	k := key(q.Exchange, q.Symbol)
	s := c.shard(k)
	s.mu.Lock()
	s.items[k] = quoteEntry{quote: q, storedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the cached quote and its age.
func (c *QuoteCache) Get(exchange, symbol string) (common.Quote, time.Duration, bool) {
	k := key(exchange, symbol)
	s := c.shard(k)
	s.mu.RLock()
	e, ok := s.items[k]
	s.mu.RUnlock()
	if !ok {
		return common.Quote{}, 0, false
	}
	return e.quote, time.Since(e.storedAt), true
}

// Fallback returns the cached quote flagged synthetic, if younger than maxAge.
func (c *QuoteCache) Fallback(exchange, symbol string, maxAge time.Duration) (common.Quote, bool) {
	q, age, ok := c.Get(exchange, symbol)
	if !ok || (maxAge > 0 && age > maxAge) {
		return common.Quote{}, false
	}
	q.Synthetic = true
	return q, true
}

// DeleteExchange drops every entry of exchange.
func (c *QuoteCache) DeleteExchange(exchange string) int {
	removed := 0
	prefix := exchange + "|"
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Cleanup removes entries older than maxAge.
func (c *QuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.storedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns total items across all shards.
func (c *QuoteCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
