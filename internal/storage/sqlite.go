package storage

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`

// SQLiteStore implements Store on a SQLite database file so the directory
// value survives a restart of the directory service.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// ensures the entries table exists. The caller must call Close.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}

	poolSize := runtime.NumCPU()
	if poolSize < 2 {
		poolSize = 2
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", path, err)
	}

	return &SQLiteStore{pool: pool, path: path}, nil
}

// prepareConn runs once per pooled connection.
func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

// withConn borrows a connection for the duration of fn.
func (s *SQLiteStore) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Get retrieves a value by key.
// Returns ErrKeyNotFound if the key doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value []byte
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM entries WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// Put stores value under key, replacing any previous value.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO entries (key, value, updated_at) VALUES (?, ?, unixepoch())
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{key, value}})
	})
}

// Delete removes a key. No error if the key doesn't exist.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM entries WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
		})
	})
}

// List returns all keys in ascending order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	keys := []string{}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT key FROM entries ORDER BY key", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Stats returns the key count and total value size.
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM entries", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Keys = stmt.ColumnInt(0)
				stats.Bytes = stmt.ColumnInt(1)
				return nil
			},
		})
	})
	return stats, err
}

// Close closes all pooled connections.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	return nil
}
