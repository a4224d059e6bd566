package order

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/scheduler"
)

// entry is one active order. mu guards the fields below it and is never
// held across network calls. busy serializes plan actions (placement,
// polling, cancellation) so one order never has two in flight.
type entry struct {
	busy      sync.Mutex
	cancelled atomic.Bool

	mu     sync.Mutex
	order  LogicalOrder
	task   *scheduler.Task
	doneAt time.Time
	outbox []events.Message
}

func (e *entry) snapshot() LogicalOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.clone()
}

// table indexes active orders by logical and child id.
type table struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	children map[string]string
}

func newTable() *table {
	return &table{entries: make(map[string]*entry), children: make(map[string]string)}
}

func (t *table) put(o LogicalOrder) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[o.ID]; ok {
		return e, false
	}
	e := &entry{order: o}
	e.cancelled.Store(o.Plan.Cancelled)
	t.entries[o.ID] = e
	for _, c := range o.Children {
		t.children[c.ID] = o.ID
	}
	return e, true
}

func (t *table) indexChild(childID, orderID string) {
	t.mu.Lock()
	t.children[childID] = orderID
	t.mu.Unlock()
}

func (t *table) get(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[id]; ok {
		return e, true
	}
	if parent, ok := t.children[id]; ok {
		e, ok := t.entries[parent]
		return e, ok
	}
	return nil, false
}

func (t *table) all() []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// sweep removes terminal entries older than retention and returns their ids.
func (t *table) sweep(now time.Time, retention time.Duration) []string {
	expired := make(map[string][]string)
	for _, e := range t.all() {
		e.mu.Lock()
		if !e.doneAt.IsZero() && now.Sub(e.doneAt) >= retention {
			childIDs := make([]string, len(e.order.Children))
			for i, c := range e.order.Children {
				childIDs[i] = c.ID
			}
			expired[e.order.ID] = childIDs
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(expired))
	for id, childIDs := range expired {
		delete(t.entries, id)
		for _, c := range childIDs {
			delete(t.children, c)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
