package convstore

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// isSQLiteConflictError reports whether err is a transient SQLITE_BUSY or
// "database is locked" error, adapted from the teacher's
// internal/shared/sqlite_errors.go helpers.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withSQLiteRetry retries fn with exponential backoff on SQLITE_BUSY,
// mirroring the teacher's SQLiteStore.DeleteAgentSession retry loop.
func withSQLiteRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("convstore: sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
