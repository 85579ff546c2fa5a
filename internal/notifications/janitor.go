package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JanitorConfig contains queue maintenance configuration.
type JanitorConfig struct {
	Retention       time.Duration
	CleanupInterval time.Duration
	StuckAfter      time.Duration
	RecoverInterval time.Duration
}

// DefaultJanitorConfig returns default maintenance configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Retention:       30 * 24 * time.Hour,
		CleanupInterval: 168 * time.Hour,
		StuckAfter:      15 * time.Minute,
		RecoverInterval: 5 * time.Minute,
	}
}

// Janitor purges old terminal items and releases items stuck in processing.
type Janitor struct {
	config JanitorConfig
	repo   QueueRepository
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor creates a new queue janitor.
func NewJanitor(config JanitorConfig, repo QueueRepository) *Janitor {
	defaults := DefaultJanitorConfig()
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = defaults.StuckAfter
	}
	if config.RecoverInterval <= 0 {
		config.RecoverInterval = defaults.RecoverInterval
	}

	return &Janitor{
		config: config,
		repo:   repo,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Purge deletes terminal items older than the retention window.
func (j *Janitor) Purge(ctx context.Context) (int64, error) {
	deleted, err := j.repo.PurgeTerminal(ctx, j.config.Retention)
	if err != nil {
		return 0, fmt.Errorf("purge terminal notifications: %w", err)
	}
	recordMaintenance("purge", deleted)
	if deleted > 0 {
		slog.Info("purged terminal notifications", "deleted", deleted, "retention", j.config.Retention)
	}
	return deleted, nil
}

// RecoverStuck counts items claimed longer than StuckAfter ago as a failed
// attempt and returns them to pending, or fails them once retries run out.
func (j *Janitor) RecoverStuck(ctx context.Context) (int64, error) {
	recovered, err := j.repo.RecoverStuckProcessing(ctx, j.now().Add(-j.config.StuckAfter))
	if err != nil {
		return 0, fmt.Errorf("recover stuck notifications: %w", err)
	}
	recordMaintenance("recover", recovered)
	if recovered > 0 {
		slog.Warn("recovered stuck notifications", "count", recovered, "stuck_after", j.config.StuckAfter)
	}
	return recovered, nil
}

// Start launches the maintenance loops.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("starting notification janitor",
		"retention", j.config.Retention,
		"cleanup_interval", j.config.CleanupInterval,
		"stuck_after", j.config.StuckAfter,
	)

	j.wg.Add(2)
	go j.loop(ctx, j.config.CleanupInterval, j.Purge)
	go j.loop(ctx, j.config.RecoverInterval, j.RecoverStuck)
}

// Stop stops the maintenance loops.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, op func(context.Context) (int64, error)) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			if _, err := op(ctx); err != nil {
				slog.Error("queue maintenance failed", "error", err)
			}
		}
	}
}
