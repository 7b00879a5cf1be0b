// Package convstore implements the conversation store: durable,
// best-effort persistence of conversation history and agent-conversation
// state behind a generic key-value interface, with summarization-on-
// overflow and TTL-based expiry of idle conversations.
package convstore

import (
	"context"
	"time"
)

// KV is the minimal contract the conversation store needs from its backing
// database. Both SQLiteKV and PostgresKV store the same key/value/updated_at
// shape; Store layers conversation semantics (namespacing, JSON encoding,
// summarization) on top.
type KV interface {
	// Get returns the stored value for key, or found=false if absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set upserts key, refreshing its updated_at timestamp.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteOlderThan removes every key matching prefix whose updated_at
	// precedes cutoff, returning how many were removed. Used by the TTL
	// sweep goroutine.
	DeleteOlderThan(ctx context.Context, prefix string, cutoff time.Time) (int64, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}
