package queue

import (
	"context"
	"log/slog"
	"time"
)

// TransportConfig contains consumer settings shared by transports
type TransportConfig struct {
	MaxAttempts  int
	RetryBase    time.Duration
	PollInterval time.Duration
	Visibility   time.Duration
}

func (c *TransportConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = time.Minute
	}
}

// BoltTransport carries messages over a topic of the bbolt queue
type BoltTransport struct {
	queue  Queue
	topic  string
	cfg    TransportConfig
	logger *slog.Logger
}

// NewBoltTransport creates a transport on topic
func NewBoltTransport(q Queue, topic string, cfg TransportConfig, logger *slog.Logger) *BoltTransport {
	cfg.setDefaults()
	return &BoltTransport{queue: q, topic: topic, cfg: cfg, logger: logger}
}

func (t *BoltTransport) Publish(ctx context.Context, body []byte) error {
	return t.queue.Enqueue(ctx, &Job{Topic: t.topic, Payload: body})
}

// Consume polls the topic and processes one job at a time, which keeps
// events of one process in arrival order
func (t *BoltTransport) Consume(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything due before waiting again
		for {
			if ctx.Err() != nil {
				return nil
			}
			processed, err := t.processOne(ctx, handle)
			if err != nil {
				t.logger.Error("failed to lease job", "topic", t.topic, "error", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *BoltTransport) processOne(ctx context.Context, handle Handler) (bool, error) {
	job, err := t.queue.Lease(ctx, t.topic, t.cfg.Visibility)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	logger := t.logger.With("job_id", job.ID, "attempt", job.Attempts)

	if err := handle(ctx, job.Payload, job.Attempts); err != nil {
		if job.Attempts >= t.cfg.MaxAttempts {
			logger.Error("job failed permanently", "error", err)
			if err := t.queue.DeadLetter(ctx, job, err.Error()); err != nil {
				logger.Error("failed to dead-letter job", "error", err)
			}
			return true, nil
		}

		backoff := calculateBackoff(t.cfg.RetryBase, job.Attempts)
		logger.Warn("job deferred", "error", err, "backoff", backoff)
		if err := t.queue.Nack(ctx, job, backoff, err.Error()); err != nil {
			logger.Error("failed to requeue job", "error", err)
		}
		return true, nil
	}

	if err := t.queue.Ack(ctx, job); err != nil {
		logger.Error("failed to ack job", "error", err)
	}
	return true, nil
}

func (t *BoltTransport) Close() error {
	return nil
}

// calculateBackoff returns base * 2^(attempt-1), capped at one hour
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	const maxBackoff = time.Hour
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		if backoff >= maxBackoff/2 {
			return maxBackoff
		}
		backoff *= 2
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
