package models

import "time"

// CampaignStatus is the campaign lifecycle state
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignStopped   CampaignStatus = "stopped"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning},
	CampaignScheduled: {CampaignDraft, CampaignRunning, CampaignStopped},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignStopped},
	CampaignPaused:    {CampaignRunning, CampaignStopped},
}

// CanTransition reports whether the campaign state machine allows s -> to
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignStopped
}

// Deletable reports whether a campaign in this state may be deleted
func (s CampaignStatus) Deletable() bool {
	return s == CampaignDraft || s == CampaignCompleted || s == CampaignStopped
}

// Valid reports whether s is a known status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused, CampaignCompleted, CampaignStopped:
		return true
	}
	return false
}

// RotationMode selects how the next sender instance is chosen
type RotationMode string

const (
	RotationRoundRobin  RotationMode = "round_robin"
	RotationBalanced    RotationMode = "balanced"
	RotationIntelligent RotationMode = "intelligent"
)

// Valid reports whether m is a known rotation mode
func (m RotationMode) Valid() bool {
	switch m {
	case RotationRoundRobin, RotationBalanced, RotationIntelligent:
		return true
	}
	return false
}

const (
	MinIntervalSeconds    = 20
	MaxIntervalSeconds    = 420
	DefaultDailyLimit     = 100
	defaultCampaignSuffix = " (copy)"
)

// Campaign is a declared intent to message an audience under a policy
type Campaign struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Name     string         `json:"name"`
	Status   CampaignStatus `json:"status"`

	RotationMode          RotationMode `json:"rotation_mode"`
	IntervalMinSeconds    int          `json:"interval_min_seconds"`
	IntervalMaxSeconds    int          `json:"interval_max_seconds"`
	DailyLimitPerInstance int          `json:"daily_limit_per_instance"`
	PauseOnHealthBelow    int          `json:"pause_on_health_below"`
	ScheduledAt           *time.Time   `json:"scheduled_at,omitempty"`
	CalendarID            string       `json:"calendar_id,omitempty"`

	CurrentInstanceIndex int  `json:"-"`
	CurrentVariantIndex  int  `json:"-"`
	ContactsMaterialized bool `json:"-"`

	Progress

	StartedBy   string     `json:"started_by,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Variants    []Variant `json:"variants,omitempty"`
	InstanceIDs []string  `json:"instance_ids,omitempty"`
}

// Progress is the live snapshot shown to operators
type Progress struct {
	TotalContacts          int        `json:"total_contacts"`
	MessagesSent           int        `json:"messages_sent"`
	MessagesDelivered      int        `json:"messages_delivered"`
	MessagesRead           int        `json:"messages_read"`
	MessagesFailed         int        `json:"messages_failed"`
	LastContactName        string     `json:"last_contact_name,omitempty"`
	LastContactPhone       string     `json:"last_contact_phone,omitempty"`
	LastInstanceName       string     `json:"last_instance_name,omitempty"`
	NextContactName        string     `json:"next_contact_name,omitempty"`
	NextContactPhone       string     `json:"next_contact_phone,omitempty"`
	NextInstanceName       string     `json:"next_instance_name,omitempty"`
	LastMessageSentAt      *time.Time `json:"last_message_sent_at,omitempty"`
	NextMessageScheduledAt *time.Time `json:"next_message_scheduled_at,omitempty"`
}

// Transition moves the campaign to a new status or fails
func (c *Campaign) Transition(to CampaignStatus) error {
	if !c.Status.CanTransition(to) {
		return &TransitionError{Entity: "campaign", From: string(c.Status), To: string(to)}
	}
	c.Status = to
	return nil
}

// DuplicateName returns the name given to a copy of this campaign
func (c *Campaign) DuplicateName() string {
	return c.Name + defaultCampaignSuffix
}

// Variant is one interchangeable message body
type Variant struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Position   int    `json:"position"`
	Body       string `json:"body"`
	TimesUsed  int    `json:"times_used"`
}

// CampaignLog is an append-only diagnostic entry
type CampaignLog struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	TenantID   string    `json:"tenant_id"`
	LogType    string    `json:"log_type"`
	Severity   string    `json:"severity"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// Log severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Log types
const (
	LogCampaignStarted   = "campaign_started"
	LogCampaignPaused    = "campaign_paused"
	LogCampaignResumed   = "campaign_resumed"
	LogCampaignStopped   = "campaign_stopped"
	LogCampaignCompleted = "campaign_completed"
	LogMessageSent       = "message_sent"
	LogMessageRetry      = "message_retry"
	LogMessageFailed     = "message_failed"
	LogOptedOut          = "contact_opted_out"
	LogNoEligible        = "no_eligible_instance"
	LogNoOpenWindow      = "no_open_window"
	LogInstanceDown      = "instance_unavailable"
	LogRecovered         = "recipient_recovered"
	LogDeliveryFailed    = "delivery_failed"
)

// CampaignNotification is an inbound reply from a campaign recipient
type CampaignNotification struct {
	ID              string    `json:"id"`
	CampaignID      string    `json:"campaign_id"`
	ContactID       string    `json:"contact_id"`
	TenantID        string    `json:"tenant_id"`
	EventID         string    `json:"event_id,omitempty"`
	ReceivedMessage string    `json:"received_message"`
	ReceivedAt      time.Time `json:"received_at"`
	ReadStatus      bool      `json:"read_status"`
}

// CampaignFilter for listing campaigns
type CampaignFilter struct {
	Status CampaignStatus
	Limit  int
	Offset int
}
