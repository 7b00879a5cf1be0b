package convstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKV is the optional KV backend for deployments that already run
// Postgres, selected via CONVERSATION_STORE_DRIVER=postgres. Grounded on
// nevindra-oasis's postgres.Store: externally-owned *pgxpool.Pool injected
// by the caller, idempotent CREATE TABLE IF NOT EXISTS in Init.
type PostgresKV struct {
	pool *pgxpool.Pool
}

// NewPostgresKV wraps an existing pool. The caller owns the pool and is
// responsible for closing it; PostgresKV.Close is a no-op.
func NewPostgresKV(pool *pgxpool.Pool) *PostgresKV {
	return &PostgresKV{pool: pool}
}

// Init creates the kv_store table if it does not already exist. Safe to
// call multiple times.
func (p *PostgresKV) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("convstore: postgres init: %w", err)
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("convstore: postgres get %q: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("convstore: postgres set %q: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("convstore: postgres delete %q: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) DeleteOlderThan(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kv_store WHERE key LIKE $1 AND updated_at < $2`,
		prefix+"%", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("convstore: postgres delete older than %s: %w", prefix, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresKV) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close is a no-op: the caller owns the pool.
func (p *PostgresKV) Close() error {
	return nil
}
