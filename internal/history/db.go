package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// OpenDB opens (creating if needed) the history database at path, verifies
// WAL mode and applies pending migrations.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(path, 0o600)

	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: initial schema
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS buckets (
		  id   INTEGER PRIMARY KEY,
		  name TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS history (
		  id          INTEGER PRIMARY KEY,
		  userid      INTEGER NOT NULL DEFAULT 1,
		  committed   INTEGER NOT NULL DEFAULT 0,
		  hdr_from    TEXT NOT NULL DEFAULT '',
		  hdr_to      TEXT NOT NULL DEFAULT '',
		  hdr_cc      TEXT NOT NULL DEFAULT '',
		  hdr_subject TEXT NOT NULL DEFAULT '',
		  hdr_date    TEXT NOT NULL DEFAULT '',
		  hash        TEXT NOT NULL DEFAULT '',
		  inserted    INTEGER NOT NULL DEFAULT 0,
		  date        INTEGER NOT NULL DEFAULT 0,
		  bucketid    INTEGER,
		  usedtobe    INTEGER,
		  magnet      TEXT NOT NULL DEFAULT '',
		  size        INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_history_hash ON history(hash);
		CREATE INDEX IF NOT EXISTS idx_history_committed_inserted ON history(committed, inserted);
		CREATE INDEX IF NOT EXISTS idx_history_bucketid ON history(bucketid);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the schema version stored in PRAGMA user_version.
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion stores the schema version in PRAGMA user_version.
func SetUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE or
// PRIMARY KEY constraint violation.
func isUniqueConstraintError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}

// isBusy reports whether err indicates an SQLite BUSY or LOCKED condition.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// The low byte is the primary result code.
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

const maxBusyRetries = 3

// runTx executes fn inside a transaction, retrying on SQLITE_BUSY with
// 100/200/300 ms backoff.
func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	for i := range maxBusyRetries {
		err := runTxOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == maxBusyRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
	return fmt.Errorf("runTx: max retries exceeded")
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
