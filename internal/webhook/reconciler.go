package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/health"
	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/phone"
	"github.com/foxzi/zapflow/internal/queue"
	"github.com/foxzi/zapflow/internal/repository"
)

// Webhook processing results, used as metric labels
const (
	ResultApplied   = "applied"
	ResultUnchanged = "unchanged"
	ResultDuplicate = "duplicate"
	ResultOrphan    = "orphan"
	ResultIgnored   = "ignored"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// Dedup remembers processed event ids. Implemented by queue.BoltStorage
// and cache.Client.
type Dedup interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// Config contains reconciler settings
type Config struct {
	DedupTTL         time.Duration
	OrphanRetryDelay time.Duration
	ReplyWindow      time.Duration
}

func (c *Config) setDefaults() {
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.OrphanRetryDelay <= 0 {
		c.OrphanRetryDelay = 500 * time.Millisecond
	}
	if c.ReplyWindow <= 0 {
		c.ReplyWindow = 72 * time.Hour
	}
}

// Reconciler applies gateway events to the ledger, campaign counters and
// instance health. Each event commits in one transaction.
type Reconciler struct {
	store     *repository.Store
	tracker   *health.Tracker
	avail     *health.AvailabilityCache
	dedup     Dedup
	publisher events.Publisher
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

func NewReconciler(store *repository.Store, tracker *health.Tracker, avail *health.AvailabilityCache, dedup Dedup,
	publisher events.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Reconciler {
	cfg.setDefaults()
	if publisher == nil {
		publisher = events.Discard
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reconciler{
		store:     store,
		tracker:   tracker,
		avail:     avail,
		dedup:     dedup,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes the transport until ctx is done
func (r *Reconciler) Run(ctx context.Context, t queue.Transport) error {
	r.logger.Info("webhook reconciler started")
	defer r.logger.Info("webhook reconciler stopped")
	return t.Consume(ctx, r.Handle)
}

// Handle is the queue.Handler of the webhook topic. Returning an error
// leaves the event on the queue for redelivery.
func (r *Reconciler) Handle(ctx context.Context, body []byte, attempt int) error {
	ev, err := Parse(body)
	if err != nil {
		r.logger.Warn("dropping invalid webhook event", "error", err)
		metrics.IncWebhookEvents("unknown", ResultInvalid)
		return nil
	}

	result, err := r.Process(ctx, ev)
	switch {
	case errors.Is(err, models.ErrDuplicateEvent):
		r.logger.Debug("duplicate webhook event", "event_id", ev.ID)
	case errors.Is(err, models.ErrOrphanEvent):
		r.logger.Debug("webhook event matches no campaign message",
			"event", ev.Kind, "instance", ev.Instance, "message_id", ev.MessageID)
	case err != nil:
		metrics.IncWebhookEvents(string(ev.Kind), ResultError)
		r.logger.Error("failed to process webhook event",
			"event", ev.Kind, "instance", ev.Instance, "event_id", ev.ID, "attempt", attempt, "error", err)
		return err
	}
	metrics.IncWebhookEvents(string(ev.Kind), result)
	return nil
}

// Process applies one event. Duplicates return ErrDuplicateEvent and
// unknown message ids ErrOrphanEvent, both with nothing written.
func (r *Reconciler) Process(ctx context.Context, ev *Event) (string, error) {
	key := "webhook:" + ev.ID
	seen, err := r.dedup.Seen(ctx, key)
	if err != nil {
		return ResultError, fmt.Errorf("failed to check dedup: %w", err)
	}
	if seen {
		return ResultDuplicate, models.ErrDuplicateEvent
	}

	inst, err := r.store.Instances.GetByHandle(ctx, ev.Instance)
	if errors.Is(err, models.ErrNotFound) {
		r.logger.Warn("webhook for unknown instance", "instance", ev.Instance, "event", ev.Kind)
		return ResultIgnored, r.mark(ctx, key)
	}
	if err != nil {
		return ResultError, err
	}
	tenant, err := r.store.Tenants.GetByID(ctx, inst.TenantID)
	if err != nil {
		return ResultError, fmt.Errorf("failed to load tenant: %w", err)
	}

	var result string
	switch ev.Kind {
	case KindConnectionUpdate:
		result, err = r.connectionUpdate(ctx, inst, ev)
	case KindMessagesUpdate:
		result, err = r.statusUpdate(ctx, tenant, inst, ev)
	case KindMessagesUpsert:
		result, err = r.inbound(ctx, tenant, ev)
	default:
		result = ResultIgnored
	}
	if err != nil && !errors.Is(err, models.ErrOrphanEvent) {
		return ResultError, err
	}
	if markErr := r.mark(ctx, key); markErr != nil {
		// the effects are committed; a replay finds status transitions
		// already applied and the reply stored under its event id
		r.logger.Error("failed to mark webhook event", "event_id", ev.ID, "error", markErr)
	}
	return result, err
}

func (r *Reconciler) mark(ctx context.Context, key string) error {
	return r.dedup.Mark(ctx, key, r.cfg.DedupTTL)
}

func (r *Reconciler) connectionUpdate(ctx context.Context, inst *models.SenderInstance, ev *Event) (string, error) {
	if ev.State == models.StateUnknown {
		return ResultIgnored, nil
	}
	r.avail.Set(inst.ExternalHandle, ev.State)
	if err := r.store.Instances.SetConnectionState(ctx, inst.TenantID, inst.ID, ev.State, r.clock.Now()); err != nil {
		return ResultError, err
	}
	if ev.State != inst.ConnectionState {
		r.logger.Info("instance connection changed",
			"tenant_id", inst.TenantID, "instance_id", inst.ID, "from", inst.ConnectionState, "to", ev.State)
	}
	return ResultApplied, nil
}

// findRecipient looks the message up, once more after a short delay since
// the sender's own write may not be visible yet
func (r *Reconciler) findRecipient(ctx context.Context, tenantID, messageID string) (*models.CampaignContact, error) {
	rc, err := r.store.Recipients.FindByExternalID(ctx, tenantID, messageID)
	if !errors.Is(err, models.ErrNotFound) {
		return rc, err
	}
	if err := r.clock.Sleep(ctx, r.cfg.OrphanRetryDelay); err != nil {
		return nil, err
	}
	rc, err = r.store.Recipients.FindByExternalID(ctx, tenantID, messageID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrOrphanEvent
	}
	return rc, err
}

func (r *Reconciler) statusUpdate(ctx context.Context, tenant *models.Tenant, inst *models.SenderInstance, ev *Event) (string, error) {
	if ev.MessageID == "" || ev.Status == "" || ev.Status == models.ContactSent {
		// the send itself already recorded sent
		return ResultIgnored, nil
	}

	rc, err := r.findRecipient(ctx, tenant.ID, ev.MessageID)
	if err != nil {
		return ResultOrphan, err
	}

	now := r.clock.Now()
	day := models.DayEpoch(now, tenant.Location())
	instanceID := rc.InstanceUsed
	if instanceID == "" {
		instanceID = inst.ID
	}
	logger := r.logger.With("tenant_id", tenant.ID, "campaign_id", rc.CampaignID, "contact_id", rc.ContactID)

	var pending []events.Event
	changed := false
	err = db.WithTx(ctx, r.store.DB, func(ctx context.Context) error {
		switch ev.Status {
		case models.ContactDelivered, models.ContactRead:
			ok, err := r.store.Recipients.ApplyDelivery(ctx, tenant.ID, rc.CampaignID, rc.ContactID, ev.Status, now)
			if err != nil || !ok {
				return err
			}
			changed = true

			counters := repository.Counters{}
			outcomes := []health.Outcome{}
			if ev.Status == models.ContactDelivered || rc.Status == models.ContactSent {
				// read implies delivered when the delivery ack was skipped
				counters.Delivered = 1
				outcomes = append(outcomes, health.OutcomeDelivered)
			}
			if ev.Status == models.ContactRead {
				counters.Read = 1
				outcomes = append(outcomes, health.OutcomeRead)
			}
			if err := r.store.Campaigns.AddCounters(ctx, tenant.ID, rc.CampaignID, counters); err != nil {
				return err
			}
			for _, o := range outcomes {
				if err := r.applyHealth(ctx, health.Signal{
					TenantID: tenant.ID, InstanceID: instanceID, Day: day, Outcome: o,
				}, &pending); err != nil {
					return err
				}
			}

			typ := events.MessageDelivered
			if ev.Status == models.ContactRead {
				typ = events.MessageRead
			}
			pending = append(pending, r.messageEvent(typ, rc, nil))
			return nil

		case models.ContactFailed:
			return r.deliveryFailed(ctx, logger, tenant.ID, instanceID, day, rc, ev, &pending, &changed)
		}
		return nil
	})
	if err != nil {
		return ResultError, fmt.Errorf("failed to apply %s: %w", ev.Status, err)
	}

	r.publish(ctx, pending)
	if !changed {
		return ResultUnchanged, nil
	}
	return ResultApplied, nil
}

// deliveryFailed fails a queued recipient. A dispatched one keeps its
// status and gets the error annotated, as failed is only reachable before
// the gateway accepted the message.
func (r *Reconciler) deliveryFailed(ctx context.Context, logger *slog.Logger, tenantID, instanceID, day string,
	rc *models.CampaignContact, ev *Event, pending *[]events.Event, changed *bool) error {
	const class = "delivery_failed"
	detail := "gateway reported " + ev.RawStatus

	switch {
	case rc.Status == models.ContactQueued || rc.Status == models.ContactPending:
		ok, err := r.store.Recipients.MarkFailed(ctx, tenantID, rc.CampaignID, rc.ContactID, class, detail)
		if err != nil || !ok {
			return err
		}
		if err := r.store.Campaigns.AddCounters(ctx, tenantID, rc.CampaignID, repository.Counters{Failed: 1}); err != nil {
			return err
		}
		metrics.IncMessagesFailed(tenantID, class)
		*pending = append(*pending, r.messageEvent(events.MessageFailed, rc, map[string]any{"error_class": class}))

	case rc.Status.Dispatched():
		if rc.ErrorClass == class {
			return nil
		}
		if err := r.store.Recipients.AnnotateError(ctx, tenantID, rc.CampaignID, rc.ContactID, class, detail); err != nil {
			return err
		}

	default:
		return nil
	}

	*changed = true
	if err := r.applyHealth(ctx, health.Signal{
		TenantID: tenantID, InstanceID: instanceID, Day: day,
		Outcome: health.OutcomeSendFailed, Class: class,
	}, pending); err != nil {
		return err
	}
	logger.Warn("gateway reported delivery failure", "status", rc.Status, "message_id", ev.MessageID)
	return r.store.Logs.Append(ctx, &models.CampaignLog{
		CampaignID: rc.CampaignID,
		TenantID:   tenantID,
		LogType:    models.LogDeliveryFailed,
		Severity:   models.SeverityError,
		Details:    fmt.Sprintf("%s (%s): %s", rc.Contact.Name, rc.Contact.Phone, detail),
	})
}

// applyHealth records an outcome inside the caller's transaction and
// queues the resulting health_changed event for after commit.
func (r *Reconciler) applyHealth(ctx context.Context, s health.Signal, pending *[]events.Event) error {
	ev, err := r.tracker.Apply(ctx, s)
	if err != nil {
		return err
	}
	if ev != nil {
		*pending = append(*pending, *ev)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, pending []events.Event) {
	for _, e := range pending {
		if e.Type == events.HealthChanged {
			r.tracker.Announce(ctx, e)
			continue
		}
		r.publisher.Publish(ctx, e)
	}
}

func (r *Reconciler) messageEvent(typ events.Type, rc *models.CampaignContact, extra map[string]any) events.Event {
	data := map[string]any{
		"contact_id":          rc.ContactID,
		"contact_name":        rc.Contact.Name,
		"contact_phone":       rc.Contact.Phone,
		"instance_id":         rc.InstanceUsed,
		"external_message_id": rc.ExternalMessageID,
	}
	for k, v := range extra {
		data[k] = v
	}
	return events.Event{
		Type:       typ,
		TenantID:   rc.TenantID,
		CampaignID: rc.CampaignID,
		Data:       data,
		At:         r.clock.Now(),
	}
}

// inbound records a reply from a recent campaign recipient
func (r *Reconciler) inbound(ctx context.Context, tenant *models.Tenant, ev *Event) (string, error) {
	if ev.FromMe || ev.RemoteJID == "" {
		return ResultIgnored, nil
	}
	e164, err := phone.FromJID(ev.RemoteJID)
	if err != nil {
		return ResultIgnored, nil
	}

	now := r.clock.Now()
	since := now.Add(-r.cfg.ReplyWindow)

	var rc *models.CampaignContact
	for _, candidate := range phone.Variants(e164) {
		found, err := r.store.Recipients.FindRecentByPhone(ctx, tenant.ID, candidate, since)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return ResultError, err
		}
		rc = found
		break
	}
	if rc == nil {
		return ResultIgnored, nil
	}

	receivedAt := now
	if ev.Timestamp > 0 {
		receivedAt = time.Unix(ev.Timestamp, 0)
	}
	n := &models.CampaignNotification{
		CampaignID:      rc.CampaignID,
		ContactID:       rc.ContactID,
		TenantID:        tenant.ID,
		EventID:         ev.ID,
		ReceivedMessage: ev.Text,
		ReceivedAt:      receivedAt.UTC(),
	}
	day := models.DayEpoch(now, tenant.Location())

	var pending []events.Event
	inserted := false
	err = db.WithTx(ctx, r.store.DB, func(ctx context.Context) error {
		var err error
		inserted, err = r.store.Notifications.Create(ctx, n)
		if err != nil || !inserted {
			return err
		}
		if rc.InstanceUsed == "" {
			return nil
		}
		return r.applyHealth(ctx, health.Signal{
			TenantID: tenant.ID, InstanceID: rc.InstanceUsed, Day: day, Outcome: health.OutcomeReplied,
		}, &pending)
	})
	if err != nil {
		return ResultError, fmt.Errorf("failed to record reply: %w", err)
	}
	if !inserted {
		// same gateway event stored on an earlier delivery
		return ResultUnchanged, nil
	}

	pending = append(pending, r.messageEvent(events.ReplyReceived, rc, map[string]any{
		"notification_id": n.ID,
		"message":         n.ReceivedMessage,
	}))
	r.publish(ctx, pending)
	r.logger.Info("reply received", "tenant_id", tenant.ID, "campaign_id", rc.CampaignID, "contact_id", rc.ContactID)
	return ResultApplied, nil
}
