package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateKey = errors.New("job with this key is already queued")
	ErrJobNotFound  = errors.New("job not found")
	ErrLeaseLost    = errors.New("lease lost")
)

// Queue defines the durable job queue operations
type Queue interface {
	// Enqueue adds a job. Returns ErrDuplicateKey when a job with the same
	// topic and key is ready or leased.
	Enqueue(ctx context.Context, job *Job) error

	// Lease hands out the next due job of a topic for visibility. Jobs whose
	// lease expired are handed out again.
	// Returns nil, nil if nothing is due
	Lease(ctx context.Context, topic string, visibility time.Duration) (*Job, error)

	// Ack removes a completed job
	Ack(ctx context.Context, job *Job) error

	// Nack makes a leased job due again after delay
	Nack(ctx context.Context, job *Job, delay time.Duration, reason string) error

	// Extend pushes out the lease of a job
	Extend(ctx context.Context, job *Job, visibility time.Duration) error

	// DeadLetter parks a job that will not be retried
	DeadLetter(ctx context.Context, job *Job, reason string) error

	// Stats returns per-topic statistics
	Stats(ctx context.Context) (map[string]TopicStats, error)

	// Close closes the storage connection
	Close() error
}

// Handler processes one message body. A nil error acknowledges it.
type Handler func(ctx context.Context, body []byte, attempt int) error

// Transport is an at-least-once message channel with acknowledgement
type Transport interface {
	Publish(ctx context.Context, body []byte) error
	// Consume blocks, handing messages to handle until ctx is done
	Consume(ctx context.Context, handle Handler) error
	Close() error
}
