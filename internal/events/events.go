// Package events broadcasts live campaign progress to UI subscribers.
// Delivery is best effort; durable state lives in the store.
package events

import (
	"context"
	"time"
)

// Type names a live event
type Type string

const (
	CampaignStarted     Type = "campaign_started"
	CampaignPaused      Type = "campaign_paused"
	CampaignResumed     Type = "campaign_resumed"
	CampaignCompleted   Type = "campaign_completed"
	CampaignStopped     Type = "campaign_stopped"
	NextMessageStarting Type = "next_message_starting"
	MessageSent         Type = "message_sent"
	MessageDelivered    Type = "message_delivered"
	MessageRead         Type = "message_read"
	MessageFailed       Type = "message_failed"
	HealthChanged       Type = "health_changed"
	ReplyReceived       Type = "reply_received"
)

// Event is one broadcast message. Events without a CampaignID are
// tenant-wide and reach every subscriber of the tenant.
type Event struct {
	Type       Type           `json:"type"`
	TenantID   string         `json:"tenant_id"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher accepts events without blocking the caller
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Discard drops every event
var Discard Publisher = discard{}

// Relay carries encoded events between processes
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	Run(ctx context.Context, deliver func([]byte)) error
}
