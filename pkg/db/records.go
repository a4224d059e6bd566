package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `id, trading_mode, exchange, reference_id, parent_id, status, severity, details,
	resolution_action, created_at, checked_at, resolved_at`

func scanRecord(s interface{ Scan(...any) error }) (ReconciliationRecord, error) {
	var r ReconciliationRecord
	err := s.Scan(&r.ID, &r.TradingMode, &r.Exchange, &r.ReferenceID, &r.ParentID, &r.Status, &r.Severity,
		&r.Details, &r.ResolutionAction, &r.CreatedAt, &r.CheckedAt, &r.ResolvedAt)
	return r, err
}

// InsertRecord appends a reconciliation record.
func (q *ModeQueries) InsertRecord(ctx context.Context, r ReconciliationRecord) error {
	if err := q.check(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.CheckedAt.IsZero() {
		r.CheckedAt = r.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, q.mode, r.Exchange, r.ReferenceID, r.ParentID, r.Status, r.Severity, r.Details,
		r.ResolutionAction, r.CreatedAt.UTC(), r.CheckedAt.UTC(), r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert reconciliation record: %w", err)
	}
	return nil
}

// GetRecord loads a record by id.
func (q *ModeQueries) GetRecord(ctx context.Context, id string) (ReconciliationRecord, error) {
	if err := q.check(); err != nil {
		return ReconciliationRecord{}, err
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM reconciliation_records WHERE id = ? AND trading_mode = ?`, id, q.mode)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// LatestRecord returns the newest record for a reference id.
func (q *ModeQueries) LatestRecord(ctx context.Context, referenceID string) (ReconciliationRecord, error) {
	if err := q.check(); err != nil {
		return ReconciliationRecord{}, err
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM reconciliation_records
		WHERE trading_mode = ? AND reference_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, q.mode, referenceID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// RecordUpdate describes a status transition or refresh of a record.
type RecordUpdate struct {
	FromStatus       string
	ToStatus         string
	Severity         string
	Details          string
	ResolutionAction string
	At               time.Time
}

// UpdateRecord applies u only if the record is still in u.FromStatus, so
// concurrent writers cannot move a record backwards.
func (q *ModeQueries) UpdateRecord(ctx context.Context, id string, u RecordUpdate) error {
	if err := q.check(); err != nil {
		return err
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	var (
		action   sql.NullString
		resolved sql.NullTime
	)
	if u.ResolutionAction != "" {
		action = sql.NullString{String: u.ResolutionAction, Valid: true}
		resolved = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE reconciliation_records SET
			status = ?,
			severity = COALESCE(NULLIF(?, ''), severity),
			details = COALESCE(NULLIF(?, ''), details),
			resolution_action = COALESCE(?, resolution_action),
			resolved_at = COALESCE(?, resolved_at),
			checked_at = ?
		WHERE id = ? AND trading_mode = ? AND status = ?
	`, u.ToStatus, u.Severity, u.Details, action, resolved, at.UTC(), id, q.mode, u.FromStatus)
	if err != nil {
		return fmt.Errorf("update reconciliation record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListRecords returns the newest records, optionally filtered by status.
func (q *ModeQueries) ListRecords(ctx context.Context, status string, limit int) ([]ReconciliationRecord, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM reconciliation_records WHERE trading_mode = ?`
	args := []any{q.mode}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation records: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords counts records in status.
func (q *ModeQueries) CountRecords(ctx context.Context, status string) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reconciliation_records WHERE trading_mode = ? AND status = ?
	`, q.mode, status).Scan(&n)
	return n, err
}
