package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists entries as rows of (key, entry JSON). Each flush is one
// transaction, so a crash leaves the previous committed state.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path with WAL enabled.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrPersistenceCorrupt, path, err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	entry TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// CountSQLite returns the number of rows in the database at path, opened
// read-only. A missing database counts as empty.
func CountSQLite(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPersistenceCorrupt, path, err)
	}
	return n, nil
}

// Location returns the database path.
func (s *SQLite) Location() string {
	return s.path
}

// Load reads every row.
func (s *SQLite) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, entry FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPersistenceCorrupt, s.path, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, entry string
		if err := rows.Scan(&key, &entry); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrPersistenceCorrupt, err)
		}
		out[key] = json.RawMessage(entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceCorrupt, err)
	}
	return out, nil
}

// Save upserts changed keys and removes deleted ones.
func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
INSERT INTO entries (key, entry, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, k := range snap.Changed {
		data, ok := snap.All[k]
		if !ok {
			continue
		}
		if _, err := upsert.ExecContext(ctx, k, string(data), now); err != nil {
			return fmt.Errorf("upsert %q: %w", k, err)
		}
	}

	for _, k := range snap.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
