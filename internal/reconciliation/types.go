package reconciliation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/config"
)

var (
	// ErrUnknownMode is returned for a trading mode without a ledger.
	ErrUnknownMode = errors.New("unknown trading mode")
	// ErrInvalidTransition is returned when a record cannot move to the
	// requested status.
	ErrInvalidTransition = errors.New("invalid reconciliation record transition")
	// ErrRecordNotFound is returned for an unknown record id.
	ErrRecordNotFound = errors.New("reconciliation record not found")
	// ErrSyntheticState is returned when live-mode reconciliation would
	// adjudicate venue state derived from synthetic market data.
	ErrSyntheticState = errors.New("synthetic venue state cannot be adjudicated in live mode")
)

// Status is the lifecycle of a record. It only moves forward:
// MATCHED -> DISCREPANCY -> RESOLVED.
type Status string

const (
	StatusMatched     Status = "MATCHED"
	StatusDiscrepancy Status = "DISCREPANCY"
	StatusResolved    Status = "RESOLVED"
)

// Severity classifies a discrepancy.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ActionAdoptedExchangeState is the resolution of an automatic adoption.
const ActionAdoptedExchangeState = "adopted_exchange_state"

// FieldDiff is one field on which ledger and venue disagree.
type FieldDiff struct {
	Field    string `json:"field"`
	Ledger   string `json:"ledger"`
	Exchange string `json:"exchange"`
}

// Record is the outcome of checking one child order against its venue.
type Record struct {
	ID               string      `json:"id"`
	TradingMode      string      `json:"trading_mode"`
	Exchange         string      `json:"exchange"`
	ReferenceID      string      `json:"reference_id"`
	ParentID         string      `json:"parent_id"`
	Status           Status      `json:"status"`
	Severity         Severity    `json:"severity,omitempty"`
	Details          []FieldDiff `json:"details,omitempty"`
	ResolutionAction string      `json:"resolution_action,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CheckedAt        time.Time   `json:"checked_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
}

// SweepResult counts what one pass over a mode (or one order) found.
type SweepResult struct {
	TradingMode   string        `json:"trading_mode"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Orders        int           `json:"orders"`
	Checked       int           `json:"checked"`
	Matched       int           `json:"matched"`
	Discrepancies int           `json:"discrepancies"`
	Detected      int           `json:"detected"`
	Resolved      int           `json:"resolved"`
	HighSeverity  int           `json:"high_severity"`
	Blocked       int           `json:"blocked"`
	Errors        int           `json:"errors"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Orders += o.Orders
	r.Checked += o.Checked
	r.Matched += o.Matched
	r.Discrepancies += o.Discrepancies
	r.Detected += o.Detected
	r.Resolved += o.Resolved
	r.HighSeverity += o.HighSeverity
	r.Blocked += o.Blocked
	r.Errors += o.Errors
}

// OrderResult is the outcome of reconciling one order on demand.
type OrderResult struct {
	OrderID     string      `json:"order_id"`
	Discrepancy bool        `json:"discrepancy"`
	Resolved    bool        `json:"resolved"`
	Result      SweepResult `json:"result"`
}

// Config tunes the service.
type Config struct {
	Interval          time.Duration
	QtyTolerance      decimal.Decimal
	PriceTolerancePct decimal.Decimal
	AutoResolve       bool
	MaxConcurrent     int
	QueriesPerSecond  float64
	// UnknownGrace is how long a child may stay UNKNOWN before it is
	// looked up by client order id.
	UnknownGrace time.Duration
	HistoryLimit int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		QtyTolerance:      decimal.New(1, -8),
		PriceTolerancePct: decimal.New(1, -1),
		AutoResolve:       true,
		MaxConcurrent:     4,
		QueriesPerSecond:  5,
		UnknownGrace:      time.Minute,
		HistoryLimit:      100,
	}
}

// FromConfig maps process configuration onto Config.
func FromConfig(c config.ReconciliationConfig) Config {
	return Config{
		Interval:          c.Interval,
		QtyTolerance:      c.QtyTolerance,
		PriceTolerancePct: c.PriceTolerancePct,
		AutoResolve:       c.AutoResolve,
		MaxConcurrent:     c.MaxConcurrent,
		QueriesPerSecond:  c.QueriesPerSecond,
		UnknownGrace:      c.UnknownGrace,
		HistoryLimit:      c.HistoryLimit,
	}
}
