package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertAuditEvents writes a batch of audit events in one transaction.
func (d *Database) InsertAuditEvents(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (id, event_type, trading_mode, reference_id, severity, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Type, e.TradingMode, e.ReferenceID, e.Severity, e.Payload, created.UTC()); err != nil {
			return fmt.Errorf("insert audit event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// ListAuditEvents returns the newest events, optionally filtered by type.
func (d *Database) ListAuditEvents(ctx context.Context, eventType string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if eventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, eventType)
	}
	q := `SELECT id, event_type, trading_mode, reference_id, severity, payload, created_at FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.TradingMode, &e.ReferenceID, &e.Severity, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
