package convstore

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = 15 * time.Minute

// StartTTLSweep runs a background goroutine that periodically deletes
// conversations and agent-conversation entries idle longer than ttl,
// modeled directly on the teacher's container.StartTTLWorker (ticker +
// bulk expiry query + structured logging of what was cleaned).
func StartTTLSweep(ctx context.Context, kv KV, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("convstore: ttl sweep started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, kv, ttl)
			case <-ctx.Done():
				slog.Info("convstore: ttl sweep shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, kv KV, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	for _, prefix := range []string{conversationsNS.convPrefix, agentConvNS.convPrefix} {
		deleted, err := kv.DeleteOlderThan(ctx, prefix, cutoff)
		if err != nil {
			slog.Error("convstore: ttl sweep failed", "prefix", prefix, "error", err)
			continue
		}
		if deleted > 0 {
			slog.Info("convstore: ttl sweep cleaned conversations", "prefix", prefix, "count", deleted)
		}
	}
}
