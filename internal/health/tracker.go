// Package health keeps per-instance reputation, daily quotas and the
// process-local availability mirror.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/gateway"
	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/repository"
)

// Outcome is a reputation signal about one instance
type Outcome string

const (
	OutcomeQueuedOK           Outcome = "queued_ok"
	OutcomeSendFailed         Outcome = "send_failed"
	OutcomeDelivered          Outcome = "delivered"
	OutcomeRead               Outcome = "read"
	OutcomeGatewayUnavailable Outcome = "gateway_unavailable"
	OutcomeReplied            Outcome = "replied"
)

// Penalty returns the health points a failure of class costs
func Penalty(class string) int {
	switch class {
	case gateway.ClassTimeout, gateway.ClassNetwork, gateway.ClassServerError, gateway.ClassRateLimited:
		return 5
	case gateway.ClassConnectionRefused, gateway.ClassInstanceClosed,
		gateway.ClassInstanceUnknown, gateway.ClassUnauthorized:
		return 30
	}
	return 15
}

// Claimer grants a key to exactly one caller until ttl elapses
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Signal describes one recorded outcome
type Signal struct {
	TenantID   string
	InstanceID string
	Day        string // tenant-local day the counters belong to
	Outcome    Outcome
	Class      string // failure class for send_failed and gateway_unavailable
	Limit      int    // daily limit checked by queued_ok
}

// Tracker applies outcomes to instance counters and health
type Tracker struct {
	instances    *repository.InstanceRepository
	tenants      *repository.TenantRepository
	claimer      Claimer
	publisher    events.Publisher
	disableAfter int
	logger       *slog.Logger
}

// NewTracker creates a tracker. disableAfter of 0 never soft-disables.
func NewTracker(store *repository.Store, claimer Claimer, publisher events.Publisher, disableAfter int, logger *slog.Logger) *Tracker {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Tracker{
		instances:    store.Instances,
		tenants:      store.Tenants,
		claimer:      claimer,
		publisher:    publisher,
		disableAfter: disableAfter,
		logger:       logger,
	}
}

// RecordSend applies one outcome and announces a health change.
// queued_ok reserves a daily slot and returns models.ErrDailyLimitReached
// when the instance is exhausted.
func (t *Tracker) RecordSend(ctx context.Context, s Signal) error {
	changed, err := t.Apply(ctx, s)
	if err != nil {
		return err
	}
	if changed != nil {
		t.Announce(ctx, *changed)
	}
	return nil
}

// Apply writes one outcome without announcing it. The returned
// health_changed event is nil when the score did not move; callers inside
// a transaction pass it to Announce after commit.
func (t *Tracker) Apply(ctx context.Context, s Signal) (*events.Event, error) {
	if s.Outcome == OutcomeQueuedOK {
		return nil, t.instances.ReserveSend(ctx, s.TenantID, s.InstanceID, s.Day, s.Limit)
	}

	before, err := t.instances.GetByID(ctx, s.TenantID, s.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	var health int
	switch s.Outcome {
	case OutcomeDelivered:
		health, err = t.instances.RecordPositive(ctx, s.TenantID, s.InstanceID, s.Day, "msgs_delivered_today")
	case OutcomeRead:
		health, err = t.instances.RecordPositive(ctx, s.TenantID, s.InstanceID, s.Day, "msgs_read_today")
	case OutcomeReplied:
		health, err = t.instances.RecordPositive(ctx, s.TenantID, s.InstanceID, s.Day, "")
	case OutcomeSendFailed, OutcomeGatewayUnavailable:
		var disabled bool
		health, disabled, err = t.instances.RecordFailure(ctx, s.TenantID, s.InstanceID, s.Day, Penalty(s.Class), t.disableAfter)
		if err == nil && disabled && !before.Disabled {
			t.logger.Warn("instance soft-disabled after repeated failures",
				"tenant_id", s.TenantID, "instance_id", s.InstanceID, "error_class", s.Class)
		}
	default:
		return nil, fmt.Errorf("unknown outcome %q", s.Outcome)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", s.Outcome, err)
	}

	if health == before.HealthScore {
		return nil, nil
	}
	return &events.Event{
		Type:     events.HealthChanged,
		TenantID: s.TenantID,
		Data: map[string]any{
			"instance_id":  s.InstanceID,
			"health_score": health,
		},
	}, nil
}

// Announce publishes a health_changed event returned by Apply
func (t *Tracker) Announce(ctx context.Context, ev events.Event) {
	if id, ok := ev.Data["instance_id"].(string); ok {
		if score, ok := ev.Data["health_score"].(int); ok {
			metrics.SetInstanceHealth(id, score)
		}
	}
	t.publisher.Publish(ctx, ev)
}

// Release returns a slot reserved by queued_ok whose send did not go out
func (t *Tracker) Release(ctx context.Context, tenantID, instanceID, day string) error {
	return t.instances.ReleaseSend(ctx, tenantID, instanceID, day)
}

// IsEligible reports whether inst may send for campaign c on day
func IsEligible(inst models.SenderInstance, c *models.Campaign, day string) bool {
	inst = inst.ForDay(day)
	if inst.Disabled || inst.ConnectionState != models.StateOpen {
		return false
	}
	if inst.MsgsSentToday >= c.DailyLimitPerInstance {
		return false
	}
	return c.PauseOnHealthBelow == 0 || inst.HealthScore >= c.PauseOnHealthBelow
}

// HealthBlocked reports whether inst is held back only by the campaign's
// health threshold
func HealthBlocked(inst models.SenderInstance, c *models.Campaign) bool {
	return c.PauseOnHealthBelow > 0 && inst.HealthScore < c.PauseOnHealthBelow
}

// ResetDaily zeroes stale daily counters of a tenant once per local day.
// Returns false when another caller already reset this day.
func (t *Tracker) ResetDaily(ctx context.Context, tenant models.Tenant, now time.Time) (bool, error) {
	day := models.DayEpoch(now, tenant.Location())
	key := "reset:" + tenant.ID + ":" + day

	claimed, err := t.claimer.Claim(ctx, key, 48*time.Hour)
	if err != nil {
		return false, fmt.Errorf("failed to claim daily reset: %w", err)
	}
	if !claimed {
		return false, nil
	}

	n, err := t.instances.ResetDaily(ctx, tenant.ID, day)
	if err != nil {
		return false, err
	}
	if n > 0 {
		t.logger.Info("daily counters reset", "tenant_id", tenant.ID, "day", day, "instances", n)
	}
	return true, nil
}
