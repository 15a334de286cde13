package api

import (
	"context"
	"time"

	"github.com/chatbridge/chatbridge/internal/log"
)

// StartReaper runs a background goroutine that periodically sweeps the
// registry for agents idle longer than ttl and disposes them. A ttl of 0
// disables the worker. The goroutine exits when ctx is canceled.
func StartReaper(ctx context.Context, reg *Registry, ttl, interval time.Duration, logger log.Logger) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("idle reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if reaped := reg.StopIdle(ttl); len(reaped) > 0 {
					logger.Info("idle sweep completed", "reaped", len(reaped), "channels", reaped)
				}
			case <-ctx.Done():
				logger.Info("idle reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
