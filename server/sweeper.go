package server

import (
	"context"
	"log/slog"
	"time"

	"vidarelay/strategies"
)

// RunExpirySweep periodically drops stored events whose expiration tag has
// passed. Runs until ctx is cancelled.
func RunExpirySweep(ctx context.Context, store *strategies.Store, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.DeleteExpired(ctx, time.Now())
			if err != nil {
				log.Warn("expiry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				log.Info("expired events removed", slog.Int64("count", deleted))
			}
		}
	}
}
