package models

import "time"

// ContactStatus is the dispatch ledger state of one recipient
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactQueued    ContactStatus = "queued"
	ContactSent      ContactStatus = "sent"
	ContactDelivered ContactStatus = "delivered"
	ContactRead      ContactStatus = "read"
	ContactFailed    ContactStatus = "failed"
	ContactOptedOut  ContactStatus = "opted_out"
)

var contactTransitions = map[ContactStatus][]ContactStatus{
	ContactPending:   {ContactQueued, ContactOptedOut, ContactFailed},
	ContactQueued:    {ContactPending, ContactSent, ContactFailed},
	ContactSent:      {ContactDelivered, ContactRead},
	ContactDelivered: {ContactRead},
}

// CanTransition reports whether the ledger allows s -> to.
// failed -> pending is only reachable through Requeue.
func (s ContactStatus) CanTransition(to ContactStatus) bool {
	for _, next := range contactTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank orders the delivery progression pending < sent < delivered < read.
// Statuses outside that chain return -1.
func (s ContactStatus) Rank() int {
	switch s {
	case ContactPending:
		return 0
	case ContactSent:
		return 1
	case ContactDelivered:
		return 2
	case ContactRead:
		return 3
	}
	return -1
}

// Dispatched reports whether the gateway accepted the message
func (s ContactStatus) Dispatched() bool {
	return s == ContactSent || s == ContactDelivered || s == ContactRead
}

// Valid reports whether s is a known status
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactPending, ContactQueued, ContactSent, ContactDelivered, ContactRead, ContactFailed, ContactOptedOut:
		return true
	}
	return false
}

// Contact is an audience member owned by the contacts collaborator
type Contact struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"` // E.164
	ReferredBy string    `json:"referred_by,omitempty"`
	OptedOut   bool      `json:"opted_out"`
	CreatedAt  time.Time `json:"created_at"`
}

// CampaignContact is the ledger row for one (campaign, contact) pair
type CampaignContact struct {
	CampaignID        string        `json:"campaign_id"`
	ContactID         string        `json:"contact_id"`
	TenantID          string        `json:"tenant_id"`
	Position          int           `json:"position"`
	Status            ContactStatus `json:"status"`
	VariantUsed       string        `json:"variant_used,omitempty"`
	RenderedText      string        `json:"rendered_text,omitempty"`
	InstanceUsed      string        `json:"instance_used,omitempty"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	ErrorClass        string        `json:"error_class,omitempty"`
	ErrorDetail       string        `json:"error_detail,omitempty"`
	RetryCount        int           `json:"retry_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`

	// Joined from contacts
	Contact *Contact `json:"contact,omitempty"`
}

// Transition moves the ledger row to a new status or fails
func (r *CampaignContact) Transition(to ContactStatus) error {
	if !r.Status.CanTransition(to) {
		return &TransitionError{Entity: "campaign contact", From: string(r.Status), To: string(to)}
	}
	r.Status = to
	return nil
}

// StatusCounts is the per-status breakdown of a campaign ledger
type StatusCounts map[ContactStatus]int

// Outstanding returns recipients still waiting for dispatch
func (c StatusCounts) Outstanding() int {
	return c[ContactPending] + c[ContactQueued]
}

// RecipientFilter for enumerating campaign recipients
type RecipientFilter struct {
	Status ContactStatus
	Limit  int
	Offset int
}
