// Package db provides the trading-mode scoped ledger on SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTradingModeRequired = errors.New("trading_mode is required for ledger isolation")
	ErrNotFound            = errors.New("record not found")
	ErrStaleStatus         = errors.New("record status changed concurrently")
)

// ModeQueries scopes every ledger query to one trading mode so paper, live
// and shadow books never see each other's rows.
type ModeQueries struct {
	db   *sql.DB
	mode string
}

// Mode returns queries scoped to the given trading mode.
func (d *Database) Mode(mode string) *ModeQueries {
	return &ModeQueries{db: d.DB, mode: mode}
}

// TradingMode returns the scope of q.
func (q *ModeQueries) TradingMode() string { return q.mode }

func (q *ModeQueries) check() error {
	if q.mode == "" {
		return ErrTradingModeRequired
	}
	return nil
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

// SaveOrder upserts a logical order and all of its children in one transaction.
func (q *ModeQueries) SaveOrder(ctx context.Context, o LogicalOrderRow, children []ChildOrderRow) error {
	if err := q.check(); err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save order: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO logical_orders (
			id, trading_mode, order_type, exchange, symbol, side, quantity, params, plan, status,
			arrival_price, arrival_synthetic, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan = excluded.plan,
			status = excluded.status,
			arrival_price = excluded.arrival_price,
			arrival_synthetic = excluded.arrival_synthetic,
			updated_at = excluded.updated_at
		WHERE logical_orders.trading_mode = excluded.trading_mode
	`, o.ID, q.mode, o.Type, o.Exchange, o.Symbol, o.Side, o.Quantity, o.Params, o.Plan, o.Status,
		o.ArrivalPrice, o.ArrivalSynthetic, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert logical order %s: %w", o.ID, err)
	}

	for _, c := range children {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO child_orders (
				id, parent_id, trading_mode, exchange, native_id, role, seq, symbol, side, order_type,
				quantity, price, stop_price, status, filled_qty, avg_price, synthetic, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				native_id = excluded.native_id,
				status = excluded.status,
				filled_qty = excluded.filled_qty,
				avg_price = excluded.avg_price,
				synthetic = excluded.synthetic,
				updated_at = excluded.updated_at
			WHERE child_orders.trading_mode = excluded.trading_mode
		`, c.ID, o.ID, q.mode, c.Exchange, c.NativeID, c.Role, c.Seq, c.Symbol, c.Side, c.Type,
			c.Quantity, c.Price, c.StopPrice, c.Status, c.FilledQty, c.AvgPrice, c.Synthetic,
			c.CreatedAt.UTC(), c.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert child order %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

const logicalColumns = `id, trading_mode, order_type, exchange, symbol, side, quantity, params, plan, status,
	arrival_price, arrival_synthetic, created_at, updated_at`

func scanLogical(s interface{ Scan(...any) error }) (LogicalOrderRow, error) {
	var o LogicalOrderRow
	err := s.Scan(&o.ID, &o.TradingMode, &o.Type, &o.Exchange, &o.Symbol, &o.Side, &o.Quantity, &o.Params,
		&o.Plan, &o.Status, &o.ArrivalPrice, &o.ArrivalSynthetic, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// GetOrder loads a logical order and its children.
func (q *ModeQueries) GetOrder(ctx context.Context, id string) (LogicalOrderRow, []ChildOrderRow, error) {
	if err := q.check(); err != nil {
		return LogicalOrderRow{}, nil, err
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+logicalColumns+` FROM logical_orders WHERE id = ? AND trading_mode = ?`, id, q.mode)
	o, err := scanLogical(row)
	if errors.Is(err, sql.ErrNoRows) {
		return o, nil, ErrNotFound
	}
	if err != nil {
		return o, nil, fmt.Errorf("get logical order %s: %w", id, err)
	}
	children, err := q.ChildrenOf(ctx, id)
	return o, children, err
}

// ParentOf returns the logical order id owning a child order.
func (q *ModeQueries) ParentOf(ctx context.Context, childID string) (string, error) {
	if err := q.check(); err != nil {
		return "", err
	}
	var parent string
	err := q.db.QueryRowContext(ctx, `SELECT parent_id FROM child_orders WHERE id = ? AND trading_mode = ?`, childID, q.mode).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return parent, err
}

// ChildrenOf returns the children of a logical order in sequence order.
func (q *ModeQueries) ChildrenOf(ctx context.Context, parentID string) ([]ChildOrderRow, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, parent_id, trading_mode, exchange, native_id, role, seq, symbol, side, order_type,
			quantity, price, stop_price, status, filled_qty, avg_price, synthetic, created_at, updated_at
		FROM child_orders WHERE parent_id = ? AND trading_mode = ?
		ORDER BY seq ASC
	`, parentID, q.mode)
	if err != nil {
		return nil, fmt.Errorf("query child orders: %w", err)
	}
	defer rows.Close()

	var out []ChildOrderRow
	for rows.Next() {
		var c ChildOrderRow
		if err := rows.Scan(&c.ID, &c.ParentID, &c.TradingMode, &c.Exchange, &c.NativeID, &c.Role, &c.Seq,
			&c.Symbol, &c.Side, &c.Type, &c.Quantity, &c.Price, &c.StopPrice, &c.Status, &c.FilledQty,
			&c.AvgPrice, &c.Synthetic, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan child order: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Statuses    []string
	NotStatuses []string
	From, To    time.Time
	Limit       int
}

// ListOrders returns logical orders (without children) matching f, oldest first.
func (q *ModeQueries) ListOrders(ctx context.Context, f OrderFilter) ([]LogicalOrderRow, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	where := []string{"trading_mode = ?"}
	args := []any{q.mode}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if len(f.NotStatuses) > 0 {
		where = append(where, "status NOT IN ("+placeholders(len(f.NotStatuses))+")")
		for _, s := range f.NotStatuses {
			args = append(args, s)
		}
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UTC())
	}
	query := `SELECT ` + logicalColumns + ` FROM logical_orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logical orders: %w", err)
	}
	defer rows.Close()

	var out []LogicalOrderRow
	for rows.Next() {
		o, err := scanLogical(rows)
		if err != nil {
			return nil, fmt.Errorf("scan logical order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
