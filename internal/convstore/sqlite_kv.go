package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV is the default KV backend, grounded directly on the teacher's
// store.SQLiteStore: WAL journal mode, a busy_timeout pragma, and
// exponential-backoff retry around its write statements (upsert and
// DELETE), which contend under concurrent writers.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV opens (creating if necessary) a SQLite-backed KV store at
// dbPath.
func NewSQLiteKV(dbPath string) (*SQLiteKV, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("convstore: create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("convstore: ping database: %w", err)
	}

	kv := &SQLiteKV{db: db}
	if err := kv.initSchema(); err != nil {
		return nil, fmt.Errorf("convstore: initialize schema: %w", err)
	}
	return kv, nil
}

func (k *SQLiteKV) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_store_updated ON kv_store(updated_at);
	`
	_, err := k.db.Exec(schema)
	return err
}

func (k *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("convstore: get %q: %w", key, err)
	}
	return value, true, nil
}

func (k *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	return withSQLiteRetry(ctx, "set", func() error {
		_, err := k.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("convstore: set %q: %w", key, err)
		}
		return nil
	})
}

func (k *SQLiteKV) Delete(ctx context.Context, key string) error {
	return withSQLiteRetry(ctx, "delete", func() error {
		_, err := k.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("convstore: delete %q: %w", key, err)
		}
		return nil
	})
}

func (k *SQLiteKV) DeleteOlderThan(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	var affected int64
	err := withSQLiteRetry(ctx, "delete_older_than", func() error {
		result, err := k.db.ExecContext(ctx,
			`DELETE FROM kv_store WHERE key LIKE ? AND updated_at < ?`,
			prefix+"%", cutoff.Unix())
		if err != nil {
			return fmt.Errorf("convstore: delete older than %s: %w", prefix, err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

func (k *SQLiteKV) Ping(ctx context.Context) error {
	return k.db.PingContext(ctx)
}

func (k *SQLiteKV) Close() error {
	return k.db.Close()
}
