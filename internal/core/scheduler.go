package core

// scheduler.go runs background maintenance.
//
// The retention job deletes run history older than the retention window. It
// runs once on start and then every CheckInterval until ctx is cancelled. A
// failed purge is logged and retried on the next tick.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig holds configuration for the retention scheduler.
// Zero values select the defaults.
type RetentionConfig struct {
	RetentionDays int           // Days of history to keep (default: 30)
	CheckInterval time.Duration // How often to purge (default: 24h)
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	return c
}

// StartRetentionScheduler purges old run history periodically.
// It blocks until ctx is cancelled; run it in its own goroutine.
func (s *Service) StartRetentionScheduler(ctx context.Context, cfg RetentionConfig) {
	cfg = cfg.withDefaults()
	slog.Info("retention scheduler started",
		"retention_days", cfg.RetentionDays,
		"check_interval", cfg.CheckInterval.String(),
	)

	// Run immediately on startup
	s.runRetentionJob(ctx, cfg)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.runRetentionJob(ctx, cfg)
		}
	}
}

// runRetentionJob performs one purge cycle.
func (s *Service) runRetentionJob(ctx context.Context, cfg RetentionConfig) {
	start := time.Now()
	cutoff := s.now().AddDate(0, 0, -cfg.RetentionDays)

	purged, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		slog.Error("purge run history failed", "error", err, "code", MapError(err).Code)
		return
	}

	slog.Info("purged run history",
		"runs_purged", purged,
		"cutoff", cutoff.Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
