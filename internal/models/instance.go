package models

import "time"

// ConnectionState is the gateway-reported session state of a sender
type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateConnecting ConnectionState = "connecting"
	StateClosed     ConnectionState = "closed"
	StateUnknown    ConnectionState = "unknown"
)

// ParseConnectionState maps gateway wording onto a ConnectionState
func ParseConnectionState(s string) ConnectionState {
	switch s {
	case "open", "connected":
		return StateOpen
	case "connecting":
		return StateConnecting
	case "close", "closed", "refused", "disconnected":
		return StateClosed
	}
	return StateUnknown
}

const MaxHealthScore = 100

// SenderInstance is a WhatsApp sender handle at the gateway
type SenderInstance struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	DisplayName     string          `json:"display_name"`
	ExternalHandle  string          `json:"external_handle"`
	APIKey          string          `json:"-"`
	ConnectionState ConnectionState `json:"connection_state"`
	LastStateSeenAt *time.Time      `json:"last_state_seen_at,omitempty"`

	HealthScore         int    `json:"health_score"`
	MsgsSentToday       int    `json:"msgs_sent_today"`
	MsgsDeliveredToday  int    `json:"msgs_delivered_today"`
	MsgsReadToday       int    `json:"msgs_read_today"`
	MsgsFailedToday     int    `json:"msgs_failed_today"`
	DayEpoch            string `json:"day_epoch"` // tenant-local YYYY-MM-DD
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Disabled            bool   `json:"disabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ForDay returns a copy whose daily counters are zeroed when they belong
// to a different tenant-local day.
func (i SenderInstance) ForDay(day string) SenderInstance {
	if i.DayEpoch != day {
		i.MsgsSentToday = 0
		i.MsgsDeliveredToday = 0
		i.MsgsReadToday = 0
		i.MsgsFailedToday = 0
		i.DayEpoch = day
	}
	return i
}

// Tenant is the owning account, read-only to dispatch
type Tenant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Active   bool   `json:"active"`
}

// Location resolves the tenant timezone, falling back to UTC
func (t *Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayEpoch returns the tenant-local calendar day of now
func DayEpoch(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}
