// Package statedb persists sync engine state in an embedded SQLite database.
//
// Architecture:
//   - Database file: <data_dir>/state.db
//   - WAL mode: the daemon writes while CLI commands read status
//   - Schema: ledger_entries, backend_state
//
// Each backend owns its rows. A ledger is always written as a whole in a
// single transaction at the end of a sync cycle, so a crash mid-cycle leaves
// the previous cycle's ledger intact.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/ledger"
)

var _ ledger.Store = (*DB)(nil)

// DB wraps the SQLite connection holding sync state.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	state, err := statedb.Open(filepath.Join(dataDir, "state.db"))
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		backend_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		remote_id TEXT,  -- NULL until created remotely
		route TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (backend_id, task_id)
	);

	CREATE TABLE IF NOT EXISTS backend_state (
		backend_id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'disabled',
		cursor TEXT NOT NULL DEFAULT '',
		last_sync_at TEXT,
		last_summary TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_remote
	    ON ledger_entries(backend_id, remote_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Databases created before routes were recorded lack the column.
	if err := db.addColumn(ctx, "ledger_entries", "route", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// addColumn adds column to table unless it is already there.
func (db *DB) addColumn(ctx context.Context, table, column, decl string) error {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.conn.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// LoadLedger implements ledger.Store.
func (db *DB) LoadLedger(ctx context.Context, backendID string) (map[string]ledger.Entry, string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT task_id, digest, remote_id, route FROM ledger_entries WHERE backend_id = ?`, backendID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]ledger.Entry)
	for rows.Next() {
		var taskID, digest, route string
		var remoteID sql.NullString
		if err := rows.Scan(&taskID, &digest, &remoteID, &route); err != nil {
			return nil, "", fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries[taskID] = ledger.Entry{Digest: digest, RemoteID: remoteID.String, Route: route}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate ledger entries: %w", err)
	}

	var cursor string
	err = db.conn.QueryRowContext(ctx,
		`SELECT cursor FROM backend_state WHERE backend_id = ?`, backendID).Scan(&cursor)
	if err != nil && err != sql.ErrNoRows {
		return nil, "", fmt.Errorf("failed to query backend cursor: %w", err)
	}

	return entries, cursor, nil
}

// SaveLedger implements ledger.Store.
// The previous entries of backendID are replaced in one transaction.
func (db *DB) SaveLedger(ctx context.Context, backendID string, entries map[string]ledger.Entry, cursor string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE backend_id = ?`, backendID); err != nil {
		return fmt.Errorf("failed to clear ledger entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ledger_entries (backend_id, task_id, digest, remote_id, route) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for taskID, e := range entries {
		if _, err := stmt.ExecContext(ctx, backendID, taskID, e.Digest, stringToNull(e.RemoteID), e.Route); err != nil {
			return fmt.Errorf("failed to insert ledger entry %s: %w", taskID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO backend_state (backend_id, cursor, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(backend_id) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	`, backendID, cursor, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to update backend cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ResetBackend deletes all stored state for backendID. The next cycle starts
// from an empty ledger.
func (db *DB) ResetBackend(ctx context.Context, backendID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE backend_id = ?`, backendID); err != nil {
		return fmt.Errorf("failed to delete ledger entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backend_state WHERE backend_id = ?`, backendID); err != nil {
		return fmt.Errorf("failed to delete backend state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetBackendState records the lifecycle state of a backend.
func (db *DB) SetBackendState(ctx context.Context, backendID, state string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO backend_state (backend_id, state, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(backend_id) DO UPDATE SET
		state = excluded.state,
		updated_at = excluded.updated_at
	`, backendID, state, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set state for %s: %w", backendID, err)
	}
	return nil
}

// RecordCycle stores when a backend last completed a sync cycle and a short
// human-readable summary of it.
func (db *DB) RecordCycle(ctx context.Context, backendID string, at time.Time, summary string) error {
	ts := at.UTC().Format(time.RFC3339)
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO backend_state (backend_id, last_sync_at, last_summary, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(backend_id) DO UPDATE SET
		last_sync_at = excluded.last_sync_at,
		last_summary = excluded.last_summary,
		updated_at = excluded.updated_at
	`, backendID, ts, summary, ts)
	if err != nil {
		return fmt.Errorf("failed to record cycle for %s: %w", backendID, err)
	}
	return nil
}

// BackendStatus is the stored view of one backend.
type BackendStatus struct {
	BackendID   string
	State       string
	Cursor      string
	LastSyncAt  *time.Time
	LastSummary string
	Entries     int
	Remote      int // entries that have a remote id
}

// ListBackendStatus returns the stored state of every known backend,
// ordered by backend id.
func (db *DB) ListBackendStatus(ctx context.Context) ([]BackendStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT s.backend_id, s.state, s.cursor, s.last_sync_at, s.last_summary,
	       COUNT(e.task_id),
	       COUNT(e.remote_id)
	FROM backend_state s
	LEFT JOIN ledger_entries e ON e.backend_id = s.backend_id
	GROUP BY s.backend_id
	ORDER BY s.backend_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backend status: %w", err)
	}
	defer rows.Close()

	var out []BackendStatus
	for rows.Next() {
		var st BackendStatus
		var lastSync, summary sql.NullString
		if err := rows.Scan(&st.BackendID, &st.State, &st.Cursor, &lastSync, &summary, &st.Entries, &st.Remote); err != nil {
			return nil, fmt.Errorf("failed to scan backend status: %w", err)
		}
		st.LastSyncAt = nullStringToTime(lastSync)
		st.LastSummary = summary.String
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate backend status: %w", err)
	}
	return out, nil
}

// GetEntryCount returns the number of ledger entries stored for backendID.
func (db *DB) GetEntryCount(ctx context.Context, backendID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE backend_id = ?`, backendID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get entry count: %w", err)
	}
	return count, nil
}

func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
