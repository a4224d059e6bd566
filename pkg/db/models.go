package db

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRow is a registered venue.
type ExchangeRow struct {
	ID             string
	Name           string
	Type           string
	CredentialsRef string
	Status         string
	Capabilities   string // JSON
	Failures       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RemovedAt      sql.NullTime
}

// LogicalOrderRow is an advanced order as persisted.
type LogicalOrderRow struct {
	ID               string
	TradingMode      string
	Type             string
	Exchange         string
	Symbol           string
	Side             string
	Quantity         decimal.Decimal
	Params           string // JSON
	Plan             string // JSON
	Status           string
	ArrivalPrice     decimal.NullDecimal
	ArrivalSynthetic bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ChildOrderRow is a native order placed on behalf of a logical order.
type ChildOrderRow struct {
	ID          string
	ParentID    string
	TradingMode string
	Exchange    string
	NativeID    string
	Role        string
	Seq         int
	Symbol      string
	Side        string
	Type        string
	Quantity    decimal.Decimal
	Price       decimal.NullDecimal
	StopPrice   decimal.NullDecimal
	Status      string
	FilledQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	Synthetic   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReconciliationRecord is the outcome of checking one child order against
// its venue.
type ReconciliationRecord struct {
	ID               string
	TradingMode      string
	Exchange         string
	ReferenceID      string
	ParentID         string
	Status           string
	Severity         string
	Details          string // JSON
	ResolutionAction sql.NullString
	CreatedAt        time.Time
	CheckedAt        time.Time
	ResolvedAt       sql.NullTime
}

// AuditEvent is an append-only audit entry.
type AuditEvent struct {
	ID          string
	Type        string
	TradingMode string
	ReferenceID string
	Severity    string
	Payload     string // JSON
	CreatedAt   time.Time
}
