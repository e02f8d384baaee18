package models

import (
	"errors"
	"testing"
	"time"
)

func TestCampaignTransitions(t *testing.T) {
	tests := []struct {
		from CampaignStatus
		to   CampaignStatus
		ok   bool
	}{
		{CampaignDraft, CampaignRunning, true},
		{CampaignDraft, CampaignScheduled, true},
		{CampaignDraft, CampaignPaused, false},
		{CampaignScheduled, CampaignRunning, true},
		{CampaignRunning, CampaignPaused, true},
		{CampaignPaused, CampaignRunning, true},
		{CampaignRunning, CampaignCompleted, true},
		{CampaignRunning, CampaignStopped, true},
		{CampaignPaused, CampaignCompleted, false},
		{CampaignCompleted, CampaignRunning, false},
		{CampaignStopped, CampaignRunning, false},
		{CampaignRunning, CampaignDraft, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			c := &Campaign{Status: tt.from}
			err := c.Transition(tt.to)
			if tt.ok {
				if err != nil {
					t.Fatalf("Transition() error = %v", err)
				}
				if c.Status != tt.to {
					t.Errorf("Status = %v, want %v", c.Status, tt.to)
				}
				return
			}
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("Transition() error = %v, want ErrInvalidStateTransition", err)
			}
			if c.Status != tt.from {
				t.Errorf("Status changed to %v on rejected transition", c.Status)
			}
		})
	}
}

func TestContactTransitions(t *testing.T) {
	tests := []struct {
		from ContactStatus
		to   ContactStatus
		ok   bool
	}{
		{ContactPending, ContactQueued, true},
		{ContactQueued, ContactSent, true},
		{ContactQueued, ContactPending, true},
		{ContactSent, ContactDelivered, true},
		{ContactSent, ContactRead, true},
		{ContactDelivered, ContactRead, true},
		{ContactRead, ContactDelivered, false},
		{ContactDelivered, ContactSent, false},
		{ContactSent, ContactFailed, false},
		{ContactPending, ContactFailed, true},
		{ContactFailed, ContactPending, false},
		{ContactOptedOut, ContactQueued, false},
	}

	for _, tt := range tests {
		r := &CampaignContact{Status: tt.from}
		err := r.Transition(tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: error = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
	}
}

func TestContactRank(t *testing.T) {
	if !(ContactPending.Rank() < ContactSent.Rank() &&
		ContactSent.Rank() < ContactDelivered.Rank() &&
		ContactDelivered.Rank() < ContactRead.Rank()) {
		t.Error("rank must increase along pending -> sent -> delivered -> read")
	}
	if ContactFailed.Rank() != -1 {
		t.Errorf("failed rank = %d, want -1", ContactFailed.Rank())
	}
}

func TestSenderInstanceForDay(t *testing.T) {
	inst := SenderInstance{
		MsgsSentToday:      7,
		MsgsDeliveredToday: 5,
		MsgsReadToday:      2,
		MsgsFailedToday:    1,
		DayEpoch:           "2024-03-01",
		HealthScore:        80,
	}

	same := inst.ForDay("2024-03-01")
	if same.MsgsSentToday != 7 {
		t.Errorf("same day MsgsSentToday = %d, want 7", same.MsgsSentToday)
	}

	next := inst.ForDay("2024-03-02")
	if next.MsgsSentToday != 0 || next.MsgsDeliveredToday != 0 || next.MsgsReadToday != 0 || next.MsgsFailedToday != 0 {
		t.Errorf("next day counters not zeroed: %+v", next)
	}
	if next.HealthScore != 80 {
		t.Errorf("HealthScore = %d, want 80", next.HealthScore)
	}
	if inst.MsgsSentToday != 7 {
		t.Error("ForDay must not mutate the receiver")
	}
}

func TestDayEpoch(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 02:30 UTC is still the previous day in Sao Paulo (UTC-3)
	now := time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC)
	if got := DayEpoch(now, loc); got != "2024-03-01" {
		t.Errorf("DayEpoch() = %v, want 2024-03-01", got)
	}
	if got := DayEpoch(now, time.UTC); got != "2024-03-02" {
		t.Errorf("DayEpoch(UTC) = %v, want 2024-03-02", got)
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"name": "is required"}}
	if !errors.Is(err, ErrValidation) {
		t.Error("ValidationError must unwrap to ErrValidation")
	}
}

func TestParseConnectionState(t *testing.T) {
	tests := map[string]ConnectionState{
		"open":       StateOpen,
		"connecting": StateConnecting,
		"close":      StateClosed,
		"refused":    StateClosed,
		"weird":      StateUnknown,
	}
	for in, want := range tests {
		if got := ParseConnectionState(in); got != want {
			t.Errorf("ParseConnectionState(%q) = %v, want %v", in, got, want)
		}
	}
}
