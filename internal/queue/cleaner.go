package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	Interval time.Duration

	// DLQ retention
	DLQMaxAge   time.Duration
	DLQMaxCount int
}

// Cleaner purges expired dedup keys, stale leases and old dead letters
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"interval", c.cfg.Interval,
		"dlq_max_age", c.cfg.DLQMaxAge,
		"dlq_max_count", c.cfg.DLQMaxCount,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// CleanupResult counts what one pass removed
type CleanupResult struct {
	Dedup  int
	Leases int
	DLQ    int
}

// RunOnce performs a single cleanup pass
func (c *Cleaner) RunOnce(ctx context.Context) CleanupResult {
	var res CleanupResult
	var err error

	if res.Dedup, err = c.storage.CleanupDedup(ctx); err != nil {
		c.logger.Error("failed to cleanup dedup keys", "error", err)
	}
	if res.Leases, err = c.storage.CleanupLeases(ctx); err != nil {
		c.logger.Error("failed to cleanup leases", "error", err)
	}
	if c.cfg.DLQMaxAge > 0 || c.cfg.DLQMaxCount > 0 {
		if res.DLQ, err = c.storage.CleanupDLQ(ctx, c.cfg.DLQMaxAge, c.cfg.DLQMaxCount); err != nil {
			c.logger.Error("failed to cleanup DLQ", "error", err)
		}
	}

	if res.Dedup+res.Leases+res.DLQ > 0 {
		c.logger.Info("cleanup finished", "dedup", res.Dedup, "leases", res.Leases, "dlq", res.DLQ)
	}
	return res
}
