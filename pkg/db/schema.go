package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS exchanges (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    exchange_type TEXT NOT NULL,
    credentials_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    capabilities TEXT NOT NULL DEFAULT '{}',
    failures INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    removed_at DATETIME
);

CREATE TABLE IF NOT EXISTS logical_orders (
    id TEXT PRIMARY KEY,
    trading_mode TEXT NOT NULL,
    order_type TEXT NOT NULL,
    exchange TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    plan TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    arrival_price TEXT,
    arrival_synthetic INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logical_orders_mode_status ON logical_orders(trading_mode, status);
CREATE INDEX IF NOT EXISTS idx_logical_orders_mode_created ON logical_orders(trading_mode, created_at);

CREATE TABLE IF NOT EXISTS child_orders (
    id TEXT PRIMARY KEY,
    parent_id TEXT NOT NULL,
    trading_mode TEXT NOT NULL,
    exchange TEXT NOT NULL,
    native_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    seq INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT,
    stop_price TEXT,
    status TEXT NOT NULL,
    filled_qty TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY(parent_id) REFERENCES logical_orders(id)
);

CREATE INDEX IF NOT EXISTS idx_child_orders_parent ON child_orders(parent_id, seq);

CREATE TABLE IF NOT EXISTS reconciliation_records (
    id TEXT PRIMARY KEY,
    trading_mode TEXT NOT NULL,
    exchange TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '[]',
    resolution_action TEXT,
    created_at DATETIME NOT NULL,
    checked_at DATETIME NOT NULL,
    resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_recon_mode_ref ON reconciliation_records(trading_mode, reference_id, created_at);
CREATE INDEX IF NOT EXISTS idx_recon_mode_status ON reconciliation_records(trading_mode, status);

CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    trading_mode TEXT NOT NULL DEFAULT '',
    reference_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_type_created ON audit_events(event_type, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "child_orders", "synthetic", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
