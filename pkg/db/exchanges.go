package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertExchange inserts or updates a venue row by name and clears removed_at.
func (d *Database) UpsertExchange(ctx context.Context, e ExchangeRow) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exchanges (
			id, name, exchange_type, credentials_ref, status, capabilities, failures, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			exchange_type = excluded.exchange_type,
			credentials_ref = excluded.credentials_ref,
			status = excluded.status,
			capabilities = excluded.capabilities,
			failures = excluded.failures,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			removed_at = NULL
	`, e.ID, e.Name, e.Type, e.CredentialsRef, e.Status, e.Capabilities, e.Failures, e.LastError, e.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("upsert exchange %s: %w", e.Name, err)
	}
	return nil
}

// UpdateExchangeStatus records the outcome of a connectivity probe.
func (d *Database) UpdateExchangeStatus(ctx context.Context, name, status string, failures int, lastError string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE exchanges SET status = ?, failures = ?, last_error = ?, updated_at = ?
		WHERE name = ? AND removed_at IS NULL
	`, status, failures, lastError, time.Now().UTC(), name)
	return err
}

// MarkExchangeRemoved soft-deletes a venue row.
func (d *Database) MarkExchangeRemoved(ctx context.Context, name string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE exchanges SET removed_at = ?, updated_at = ? WHERE name = ? AND removed_at IS NULL
	`, time.Now().UTC(), time.Now().UTC(), name)
	return err
}

// GetExchange loads a venue row by name, including removed ones.
func (d *Database) GetExchange(ctx context.Context, name string) (ExchangeRow, error) {
	var e ExchangeRow
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, name, exchange_type, credentials_ref, status, capabilities, failures, last_error,
			created_at, updated_at, removed_at
		FROM exchanges WHERE name = ?
	`, name).Scan(&e.ID, &e.Name, &e.Type, &e.CredentialsRef, &e.Status, &e.Capabilities, &e.Failures,
		&e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.RemovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}
