package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME NOT NULL
)`

// SQLite keeps keys in a single table of a SQLite database.
// Unlike the object store, Set is applied in one transaction.
type SQLite struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type kvRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// NewSQLite opens (or creates) the database at dsn and prepares the schema.
func NewSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLite, error) {
	if dsn == "" {
		dsn = "file:freedrop.db?cache=shared&mode=rwc"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("open database: %w", err)}
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, &Error{Op: "open", Err: fmt.Errorf("execute %s: %w", pragma, err)}
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("init schema: %w", err)}
	}

	logger.Info("SQLite storage ready", "dsn", dsn)
	return &SQLite{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the values for the keys that exist.
func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In("SELECT key, value FROM kv WHERE key IN (?)", keys)
	if err != nil {
		return nil, &Error{Op: "get", Err: fmt.Errorf("build query: %w", err)}
	}

	var rows []kvRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, &Error{Op: "get", Err: fmt.Errorf("select keys: %w", err)}
	}
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// Set upserts every key in one transaction.
func (s *SQLite) Set(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &Error{Op: "set", Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	for _, key := range sortedKeys(values) {
		if _, err := tx.ExecContext(ctx, query, key, values[key], now); err != nil {
			return &Error{Op: "set", Key: key, Err: fmt.Errorf("upsert: %w", err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Op: "set", Err: fmt.Errorf("commit: %w", err)}
	}
	s.logger.Debug("Keys saved to SQLite", "count", len(values))
	return nil
}

// Remove deletes the keys. Removing a missing key is not an error.
func (s *SQLite) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM kv WHERE key IN (?)", keys)
	if err != nil {
		return &Error{Op: "remove", Err: fmt.Errorf("build query: %w", err)}
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return &Error{Op: "remove", Err: fmt.Errorf("delete keys: %w", err)}
	}
	return nil
}
