package queue

import (
	"time"
)

// JobStatus represents the status of a job in the queue
type JobStatus string

const (
	StatusReady  JobStatus = "ready"
	StatusLeased JobStatus = "leased"
	StatusFailed JobStatus = "failed"
)

// Well-known topics
const (
	TopicCampaigns = "campaigns"
	TopicWebhooks  = "webhooks"
)

// Job is a unit of work on a topic. Jobs with a Key are unique per topic
// while they are ready or leased.
type Job struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Key         string    `json:"key,omitempty"`
	Payload     []byte    `json:"payload"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	RunAt       time.Time `json:"run_at"`
	LeasedUntil time.Time `json:"leased_until,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TopicStats represents per-topic queue statistics
type TopicStats struct {
	Ready  int64 `json:"ready"`
	Leased int64 `json:"leased"`
	Failed int64 `json:"failed"`
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total     int64     `json:"total"`
	TotalSize int64     `json:"total_size"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}
