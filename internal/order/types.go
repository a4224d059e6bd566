package order

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"execution-core/internal/risk"
	"execution-core/pkg/exchanges/common"
)

var (
	// ErrNotFound is returned for unknown logical order ids.
	ErrNotFound = errors.New("order not found")
	// ErrSyntheticMarketData rejects live orders priced off simulated or
	// fallback quotes.
	ErrSyntheticMarketData = errors.New("synthetic market data cannot drive live orders")
)

// ValidationError reports malformed input. Nothing was sent to a venue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Type is an emulated advanced order type.
type Type string

const (
	TypeOCO          Type = "OCO"
	TypeIceberg      Type = "ICEBERG"
	TypeTWAP         Type = "TWAP"
	TypeVWAP         Type = "VWAP"
	TypeBracket      Type = "BRACKET"
	TypeTrailingStop Type = "TRAILING_STOP"
)

// Types lists every supported advanced order type.
var Types = []Type{TypeOCO, TypeIceberg, TypeTWAP, TypeVWAP, TypeBracket, TypeTrailingStop}

// Status is the derived status of a logical order.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusWorking            Status = "WORKING"
	StatusFilled             Status = "FILLED"
	StatusPartiallyCancelled Status = "PARTIALLY_CANCELLED"
	StatusCancelled          Status = "CANCELLED"
	StatusFailed             Status = "FAILED"
)

// Terminal reports whether the order will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusPartiallyCancelled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

var terminalStatuses = []string{
	string(StatusFilled), string(StatusPartiallyCancelled), string(StatusCancelled), string(StatusFailed),
}

// Role is the part a child order plays in its logical order.
type Role string

const (
	RoleLeg        Role = "LEG"
	RoleSlice      Role = "SLICE"
	RoleEntry      Role = "ENTRY"
	RoleTakeProfit Role = "TAKE_PROFIT"
	RoleStopLoss   Role = "STOP_LOSS"
	RoleExit       Role = "EXIT"
)

// CountsTowardQuantity reports whether fills of this role consume the
// logical quantity. Bracket protection closes the entry position instead.
func (r Role) CountsTowardQuantity() bool {
	return r != RoleTakeProfit && r != RoleStopLoss
}

// Duration is a time.Duration that reads "90s" strings or plain seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Params are the type-specific inputs of an advanced order.
type Params struct {
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`

	IcebergQuantity *decimal.Decimal `json:"icebergQuantity,omitempty"`

	Slices           int               `json:"slices,omitempty"`
	Duration         Duration          `json:"duration,omitempty"`
	VolumeProfile    []decimal.Decimal `json:"volumeProfile,omitempty"`
	ProfileTimeframe string            `json:"profileTimeframe,omitempty"`
	ProfileLookback  int               `json:"profileLookback,omitempty"`

	TakeProfitPrice *decimal.Decimal `json:"takeProfitPrice,omitempty"`
	StopLossPrice   *decimal.Decimal `json:"stopLossPrice,omitempty"`

	TrailingAmount  *decimal.Decimal `json:"trailingAmount,omitempty"`
	TrailingPercent *decimal.Decimal `json:"trailingPercent,omitempty"`
	ExitLimitOffset *decimal.Decimal `json:"exitLimitOffset,omitempty"`

	TimeInForce common.TimeInForce `json:"timeInForce,omitempty"`
}

// PlaceRequest is a logical order submitted to the manager.
type PlaceRequest struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Side     common.Side     `json:"side"`
	Type     Type            `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Params   Params          `json:"params"`
}

// PlanState is the mutable execution state of a logical order. Together
// with the children it fully determines the derived status.
type PlanState struct {
	Started    bool   `json:"started"`
	Cancelled  bool   `json:"cancelled"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`

	// TWAP and VWAP schedule.
	SliceSizes []decimal.Decimal `json:"slice_sizes,omitempty"`
	Interval   Duration          `json:"interval,omitempty"`
	NextSlice  int               `json:"next_slice"`
	StartedAt  time.Time         `json:"started_at"`

	// Trailing stop.
	Trail     *risk.Trail `json:"trail,omitempty"`
	Triggered bool        `json:"triggered,omitempty"`

	// Bracket.
	ProtectionPlaced bool `json:"protection_placed,omitempty"`

	// OCO and bracket protection: the leg that filled.
	WinnerID string `json:"winner_id,omitempty"`
}

// DueAt returns when TWAP/VWAP slice i is scheduled.
func (p PlanState) DueAt(i int) time.Time {
	return p.StartedAt.Add(time.Duration(i) * p.Interval.Std())
}

// ChildOrder is a native order placed for a logical order. ID doubles as
// the venue client order id.
type ChildOrder struct {
	ID        string              `json:"id"`
	ParentID  string              `json:"parent_id"`
	NativeID  string              `json:"native_id,omitempty"`
	Role      Role                `json:"role"`
	Seq       int                 `json:"seq"`
	Symbol    string              `json:"symbol"`
	Side      common.Side         `json:"side"`
	Type      common.OrderType    `json:"type"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stop_price"`
	Status    common.OrderStatus  `json:"status"`
	FilledQty decimal.Decimal     `json:"filled_qty"`
	AvgPrice  decimal.Decimal     `json:"avg_price"`
	Synthetic bool                `json:"synthetic"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// LogicalOrder is an advanced order and its children.
type LogicalOrder struct {
	ID               string              `json:"id"`
	TradingMode      string              `json:"trading_mode"`
	Exchange         string              `json:"exchange"`
	Symbol           string              `json:"symbol"`
	Side             common.Side         `json:"side"`
	Type             Type                `json:"type"`
	Quantity         decimal.Decimal     `json:"quantity"`
	Params           Params              `json:"params"`
	Plan             PlanState           `json:"plan"`
	Status           Status              `json:"status"`
	FilledQty        decimal.Decimal     `json:"filled_qty"`
	ArrivalPrice     decimal.NullDecimal `json:"arrival_price"`
	ArrivalSynthetic bool                `json:"arrival_synthetic"`
	Children         []ChildOrder        `json:"children"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func (o *LogicalOrder) child(id string) *ChildOrder {
	for i := range o.Children {
		if o.Children[i].ID == id {
			return &o.Children[i]
		}
	}
	return nil
}

func (o *LogicalOrder) byRole(r Role) *ChildOrder {
	for i := len(o.Children) - 1; i >= 0; i-- {
		if o.Children[i].Role == r {
			return &o.Children[i]
		}
	}
	return nil
}

func (o LogicalOrder) clone() LogicalOrder {
	o.Children = append([]ChildOrder(nil), o.Children...)
	o.Plan.SliceSizes = append([]decimal.Decimal(nil), o.Plan.SliceSizes...)
	if o.Plan.Trail != nil {
		t := *o.Plan.Trail
		o.Plan.Trail = &t
	}
	return o
}

// PlannedStep describes one child the plan intends to send.
type PlannedStep struct {
	Seq       int              `json:"seq"`
	Role      Role             `json:"role"`
	Side      common.Side      `json:"side"`
	Type      common.OrderType `json:"type"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
	DueAt     *time.Time       `json:"due_at,omitempty"`
	Condition string           `json:"condition,omitempty"`
}

// PlaceResult is returned once a plan is accepted and its first action
// dispatched.
type PlaceResult struct {
	OrderID string        `json:"orderId"`
	Status  Status        `json:"status"`
	Plan    []PlannedStep `json:"plan"`
}

// CancelResult reports the outcome of Cancel.
type CancelResult struct {
	OrderID   string `json:"orderId"`
	Cancelled bool   `json:"cancelled"`
	Status    Status `json:"status"`
}

// Filter narrows ListActive. Empty fields match everything.
type Filter struct {
	Symbol   string
	Type     Type
	Exchange string
}

func (f Filter) match(o *LogicalOrder) bool {
	return (f.Symbol == "" || f.Symbol == o.Symbol) &&
		(f.Type == "" || f.Type == o.Type) &&
		(f.Exchange == "" || f.Exchange == o.Exchange)
}
