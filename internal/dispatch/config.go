// Package dispatch runs the per-campaign send loop under a campaign lease.
package dispatch

import (
	"context"
	"time"

	"github.com/foxzi/zapflow/internal/gateway"
	"github.com/foxzi/zapflow/internal/models"
)

// Config contains dispatch settings
type Config struct {
	Owner              string // lease owner id of this process
	MaxCampaigns       int
	LeaseTTL           time.Duration
	HeartbeatInterval  time.Duration
	NoInstanceBackoff  time.Duration
	NoWindowBackoff    time.Duration
	RetryBaseDelay     time.Duration
	MaxRetries         int
	CancelPollInterval time.Duration
	PollInterval       time.Duration
	ReprobeAfter       time.Duration
	SendPresence       bool
	PresenceDelay      time.Duration
	DefaultRegion      string
}

func (c *Config) setDefaults() {
	if c.MaxCampaigns <= 0 {
		c.MaxCampaigns = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.NoInstanceBackoff <= 0 {
		c.NoInstanceBackoff = time.Minute
	}
	if c.NoWindowBackoff <= 0 {
		c.NoWindowBackoff = time.Hour
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CancelPollInterval <= 0 || c.CancelPollInterval > 2*time.Second {
		c.CancelPollInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReprobeAfter <= 0 {
		c.ReprobeAfter = 180 * time.Second
	}
	if c.PresenceDelay <= 0 {
		c.PresenceDelay = 1200 * time.Millisecond
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = "BR"
	}
}

// Gateway is the part of the Evolution client the runner needs
type Gateway interface {
	SendText(ctx context.Context, handle, apiKey string, req gateway.SendTextRequest) gateway.Result
	SendPresence(ctx context.Context, handle, apiKey, number string, delay time.Duration) error
	ConnectionState(ctx context.Context, handle, apiKey string) (models.ConnectionState, error)
}

// Leaser grants the exclusive right to run a campaign. Implemented by the
// bbolt queue storage and by the redis cache client.
type Leaser interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	Release(ctx context.Context, key, owner string) error
}
