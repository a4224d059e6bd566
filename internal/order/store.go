package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Store persists logical orders with their children.
type Store interface {
	Save(ctx context.Context, o LogicalOrder) error
	Load(ctx context.Context, id string) (LogicalOrder, error)
	ParentOf(ctx context.Context, childID string) (string, error)
	List(ctx context.Context, f ListFilter) ([]LogicalOrder, error)
}

// ListFilter narrows Store.List.
type ListFilter struct {
	ActiveOnly bool
	From, To   time.Time
	Limit      int
}

// SQLStore keeps orders in the trading-mode scoped SQLite ledger.
type SQLStore struct {
	q *db.ModeQueries
}

// NewSQLStore scopes a store to one trading mode.
func NewSQLStore(database *db.Database, mode string) *SQLStore {
	return &SQLStore{q: database.Mode(mode)}
}

func (s *SQLStore) Save(ctx context.Context, o LogicalOrder) error {
	row, children, err := toRows(o)
	if err != nil {
		return err
	}
	return s.q.SaveOrder(ctx, row, children)
}

func (s *SQLStore) Load(ctx context.Context, id string) (LogicalOrder, error) {
	row, children, err := s.q.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return LogicalOrder{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return LogicalOrder{}, err
	}
	return fromRows(row, children)
}

func (s *SQLStore) ParentOf(ctx context.Context, childID string) (string, error) {
	id, err := s.q.ParentOf(ctx, childID)
	if errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("%w: child %s", ErrNotFound, childID)
	}
	return id, err
}

func (s *SQLStore) List(ctx context.Context, f ListFilter) ([]LogicalOrder, error) {
	filter := db.OrderFilter{From: f.From, To: f.To, Limit: f.Limit}
	if f.ActiveOnly {
		filter.NotStatuses = terminalStatuses
	}
	rows, err := s.q.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]LogicalOrder, 0, len(rows))
	for _, row := range rows {
		children, err := s.q.ChildrenOf(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		o, err := fromRows(row, children)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func toRows(o LogicalOrder) (db.LogicalOrderRow, []db.ChildOrderRow, error) {
	params, err := json.Marshal(o.Params)
	if err != nil {
		return db.LogicalOrderRow{}, nil, fmt.Errorf("encode params: %w", err)
	}
	plan, err := json.Marshal(o.Plan)
	if err != nil {
		return db.LogicalOrderRow{}, nil, fmt.Errorf("encode plan: %w", err)
	}
	row := db.LogicalOrderRow{
		ID:               o.ID,
		TradingMode:      o.TradingMode,
		Type:             string(o.Type),
		Exchange:         o.Exchange,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Quantity:         o.Quantity,
		Params:           string(params),
		Plan:             string(plan),
		Status:           string(o.Status),
		ArrivalPrice:     o.ArrivalPrice,
		ArrivalSynthetic: o.ArrivalSynthetic,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	children := make([]db.ChildOrderRow, len(o.Children))
	for i, c := range o.Children {
		children[i] = db.ChildOrderRow{
			ID:          c.ID,
			ParentID:    o.ID,
			TradingMode: o.TradingMode,
			Exchange:    o.Exchange,
			NativeID:    c.NativeID,
			Role:        string(c.Role),
			Seq:         c.Seq,
			Symbol:      c.Symbol,
			Side:        string(c.Side),
			Type:        string(c.Type),
			Quantity:    c.Quantity,
			Price:       c.Price,
			StopPrice:   c.StopPrice,
			Status:      string(c.Status),
			FilledQty:   c.FilledQty,
			AvgPrice:    c.AvgPrice,
			Synthetic:   c.Synthetic,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		}
	}
	return row, children, nil
}

func fromRows(row db.LogicalOrderRow, children []db.ChildOrderRow) (LogicalOrder, error) {
	o := LogicalOrder{
		ID:               row.ID,
		TradingMode:      row.TradingMode,
		Exchange:         row.Exchange,
		Symbol:           row.Symbol,
		Side:             common.Side(row.Side),
		Type:             Type(row.Type),
		Quantity:         row.Quantity,
		Status:           Status(row.Status),
		ArrivalPrice:     row.ArrivalPrice,
		ArrivalSynthetic: row.ArrivalSynthetic,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.Params != "" {
		if err := json.Unmarshal([]byte(row.Params), &o.Params); err != nil {
			return LogicalOrder{}, fmt.Errorf("decode params of %s: %w", row.ID, err)
		}
	}
	if row.Plan != "" {
		if err := json.Unmarshal([]byte(row.Plan), &o.Plan); err != nil {
			return LogicalOrder{}, fmt.Errorf("decode plan of %s: %w", row.ID, err)
		}
	}
	for _, c := range children {
		o.Children = append(o.Children, ChildOrder{
			ID:        c.ID,
			ParentID:  c.ParentID,
			NativeID:  c.NativeID,
			Role:      Role(c.Role),
			Seq:       c.Seq,
			Symbol:    c.Symbol,
			Side:      common.Side(c.Side),
			Type:      common.OrderType(c.Type),
			Quantity:  c.Quantity,
			Price:     c.Price,
			StopPrice: c.StopPrice,
			Status:    common.OrderStatus(c.Status),
			FilledQty: c.FilledQty,
			AvgPrice:  c.AvgPrice,
			Synthetic: c.Synthetic,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	o.FilledQty = ExecutedQty(o)
	return o, nil
}
