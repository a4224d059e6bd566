package events

import (
	"context"
	"time"
)

// Event enumerates the topics emitted by the execution core.
type Event string

const (
	EventDiscrepancyDetected Event = "discrepancy_detected"
	EventDiscrepancyResolved Event = "discrepancy_resolved"
	EventHighDiscrepancy     Event = "high_discrepancy_alert"
	EventReconciliationError Event = "reconciliation_error"

	EventOrderAccepted  Event = "order.accepted"
	EventOrderUpdate    Event = "order.update"
	EventOrderFilled    Event = "order.filled"
	EventOrderCancelled Event = "order.cancelled"
	EventOrderFailed    Event = "order.failed"
	EventDispatchError  Event = "order.dispatch_error"

	EventExchangeStatus Event = "exchange.status"
)

// AllEvents lists every topic, used by subscribers that want everything.
var AllEvents = []Event{
	EventDiscrepancyDetected, EventDiscrepancyResolved, EventHighDiscrepancy, EventReconciliationError,
	EventOrderAccepted, EventOrderUpdate, EventOrderFilled, EventOrderCancelled, EventOrderFailed,
	EventDispatchError, EventExchangeStatus,
}

// Audit reports whether e belongs in the audit trail.
func (e Event) Audit() bool {
	switch e {
	case EventOrderUpdate, EventExchangeStatus:
		return false
	}
	return true
}

// Message is one structured event.
type Message struct {
	ID          string         `json:"id"`
	Event       Event          `json:"event"`
	TradingMode string         `json:"trading_mode,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Time        time.Time      `json:"time"`
}

// Sink receives events. Emit must not block on slow consumers.
type Sink interface {
	Emit(ctx context.Context, msg Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message)

func (f SinkFunc) Emit(ctx context.Context, msg Message) { f(ctx, msg) }

// Nop discards events.
var Nop Sink = SinkFunc(func(context.Context, Message) {})
