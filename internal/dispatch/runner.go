package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/gateway"
	"github.com/foxzi/zapflow/internal/health"
	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/phone"
	"github.com/foxzi/zapflow/internal/repository"
	"github.com/foxzi/zapflow/internal/rotation"
	"github.com/foxzi/zapflow/internal/schedule"
	"github.com/foxzi/zapflow/internal/template"
)

// Wait reasons reported in metrics
const (
	waitNoInstance = "no_instance"
	waitHealth     = "health"
	waitNoWindow   = "no_window"
	waitRetry      = "retry"
)

// Runner executes the send loop of one campaign at a time per call. It is
// safe for concurrent use by many campaigns.
type Runner struct {
	store     *repository.Store
	tracker   *health.Tracker
	avail     *health.AvailabilityCache
	gateway   Gateway
	scheduler *schedule.Scheduler
	clock     clock.Clock
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewRunner creates a runner
func NewRunner(store *repository.Store, tracker *health.Tracker, avail *health.AvailabilityCache, gw Gateway,
	scheduler *schedule.Scheduler, clk clock.Clock, publisher events.Publisher, cfg Config, logger *slog.Logger) *Runner {
	cfg.setDefaults()
	if publisher == nil {
		publisher = events.Discard
	}
	if scheduler == nil {
		scheduler = schedule.New(nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Runner{
		store:     store,
		tracker:   tracker,
		avail:     avail,
		gateway:   gw,
		scheduler: scheduler,
		clock:     clk,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// run holds the per-campaign state of one Run call
type run struct {
	tenant   *models.Tenant
	loc      *time.Location
	logger   *slog.Logger
	lastWait string
}

// Run sends to pending recipients until the campaign leaves running,
// completes, or ctx is cancelled. Cancellation is a clean exit.
func (r *Runner) Run(ctx context.Context, tenantID, campaignID string) error {
	tenant, err := r.store.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}
	st := &run{
		tenant: tenant,
		loc:    tenant.Location(),
		logger: r.logger.With("tenant_id", tenantID, "campaign_id", campaignID),
	}

	// rows left queued by a previous holder never reached the gateway
	recovered, err := r.store.Recipients.RecoverQueued(ctx, tenantID, campaignID)
	if err != nil {
		return err
	}
	if recovered > 0 {
		st.logger.Info("recovered queued recipients", "count", recovered)
		r.appendLog(ctx, tenantID, campaignID, models.LogRecovered, models.SeverityWarning,
			fmt.Sprintf("%d queued recipients returned to pending", recovered))
	}

	st.logger.Info("campaign worker started")
	for {
		if ctx.Err() != nil {
			st.logger.Info("campaign worker interrupted", "cause", context.Cause(ctx))
			return nil
		}
		done, err := r.step(ctx, st, campaignID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if done {
			return nil
		}
	}
}

// step performs one iteration of the loop. done is true when the worker
// should exit.
func (r *Runner) step(ctx context.Context, st *run, campaignID string) (bool, error) {
	tenantID := st.tenant.ID

	c, err := r.store.Campaigns.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c.Status != models.CampaignRunning {
		st.logger.Info("campaign no longer running, worker exiting", "status", c.Status)
		return true, nil
	}
	if !c.ContactsMaterialized {
		if _, err := r.store.Campaigns.MaterializeContacts(ctx, tenantID, campaignID, r.clock.Now()); err != nil {
			return false, err
		}
	}

	rc, err := r.store.Recipients.NextPending(ctx, tenantID, campaignID)
	if errors.Is(err, models.ErrNotFound) {
		return true, r.complete(ctx, st, c)
	}
	if err != nil {
		return false, err
	}
	logger := st.logger.With("contact_id", rc.ContactID)

	if rc.Contact.OptedOut {
		moved, err := r.store.Recipients.MarkOptedOut(ctx, tenantID, campaignID, rc.ContactID)
		if err != nil {
			return false, err
		}
		if moved {
			metrics.IncMessagesOptedOut(tenantID)
			logger.Info("recipient opted out, skipping")
			r.appendLog(ctx, tenantID, campaignID, models.LogOptedOut, models.SeverityInfo,
				fmt.Sprintf("contact %s opted out, not sent", rc.ContactID))
		}
		return false, nil
	}

	now := r.clock.Now()
	day := models.DayEpoch(now, st.loc)
	pick, err := r.selectInstance(ctx, c, day)
	if errors.Is(err, models.ErrNoEligibleInstance) {
		reason := waitNoInstance
		if pick.allHealthBlocked {
			reason = waitHealth
		}
		r.wait(ctx, st, c, reason, models.LogNoEligible, r.cfg.NoInstanceBackoff)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	inst := pick.Instance

	cal, err := r.calendar(ctx, c)
	if err != nil {
		return false, err
	}
	at, err := r.scheduler.Next(now, schedule.PolicyFor(c), cal, st.loc)
	if errors.Is(err, models.ErrNoOpenWindow) {
		r.wait(ctx, st, c, waitNoWindow, models.LogNoOpenWindow, r.cfg.NoWindowBackoff)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	st.lastWait = ""

	if err := r.store.Campaigns.SetNext(ctx, tenantID, campaignID, rc.Contact.Name, rc.Contact.Phone, inst.DisplayName, at); err != nil {
		return false, err
	}
	r.publisher.Publish(ctx, events.Event{
		Type:       events.NextMessageStarting,
		TenantID:   tenantID,
		CampaignID: campaignID,
		Data: map[string]any{
			"contact_id":    rc.ContactID,
			"contact_name":  rc.Contact.Name,
			"contact_phone": rc.Contact.Phone,
			"instance_id":   inst.ID,
			"instance_name": inst.DisplayName,
			"scheduled_at":  at.UTC(),
		},
	})

	running, err := r.sleepUntil(ctx, tenantID, campaignID, at)
	if err != nil || !running {
		return !running, err
	}

	// the world may have moved while we slept
	c, err = r.store.Campaigns.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return false, err
	}
	if c.Status != models.CampaignRunning {
		return true, nil
	}
	fresh, err := r.store.Instances.GetByID(ctx, tenantID, inst.ID)
	if err != nil {
		return false, err
	}
	now = r.clock.Now()
	day = models.DayEpoch(now, st.loc)
	if !r.eligible(*fresh, c, day) {
		logger.Debug("instance no longer eligible after wait", "instance_id", inst.ID)
		return false, nil
	}
	inst = *fresh

	if len(c.Variants) == 0 {
		return false, fmt.Errorf("campaign has no variants")
	}
	variantIdx := c.CurrentVariantIndex % len(c.Variants)
	if variantIdx < 0 {
		variantIdx = 0
	}
	variant := c.Variants[variantIdx]
	text := template.Render(variant.Body, template.Data{Contact: rc.Contact, Now: now.In(st.loc)})

	queued := false
	err = db.WithTx(ctx, r.store.DB, func(ctx context.Context) error {
		var err error
		queued, err = r.store.Recipients.MarkQueued(ctx, tenantID, campaignID, rc.ContactID, inst.ID, variant.ID, text)
		if err != nil || !queued {
			return err
		}
		return r.store.Campaigns.SetRotation(ctx, tenantID, campaignID, pick.NextIndex, (variantIdx+1)%len(c.Variants))
	})
	if err != nil {
		return false, err
	}
	if !queued {
		logger.Warn("recipient left pending before it could be queued")
		return false, nil
	}

	err = r.tracker.RecordSend(ctx, health.Signal{
		TenantID:   tenantID,
		InstanceID: inst.ID,
		Day:        day,
		Outcome:    health.OutcomeQueuedOK,
		Limit:      c.DailyLimitPerInstance,
	})
	if errors.Is(err, models.ErrDailyLimitReached) {
		// another campaign took the last slot
		if _, err := r.store.Recipients.RevertToPending(ctx, tenantID, campaignID, rc.ContactID, false, "", ""); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// pause and stop take effect after the call, never during it
	backoff := r.send(context.WithoutCancel(ctx), st, c, rc, inst, variant, text, day)
	if backoff > 0 {
		metrics.IncDispatchWait(waitRetry)
		running, err := r.sleepUntil(ctx, tenantID, campaignID, r.clock.Now().Add(backoff))
		if err != nil || !running {
			return !running, err
		}
	}
	return false, nil
}

type selection struct {
	rotation.Pick
	allHealthBlocked bool
}

func (r *Runner) eligible(inst models.SenderInstance, c *models.Campaign, day string) bool {
	return health.IsEligible(inst, c, day) && !r.avail.Blocked(inst.ExternalHandle)
}

// selectInstance picks a sender. When nothing qualifies, stale closed
// states are probed once and selection is retried.
func (r *Runner) selectInstance(ctx context.Context, c *models.Campaign, day string) (selection, error) {
	instances, err := r.store.Instances.ListByIDs(ctx, c.TenantID, c.InstanceIDs)
	if err != nil {
		return selection{}, err
	}
	eligible := func(i models.SenderInstance) bool { return r.eligible(i, c, day) }

	pick, err := rotation.Select(c, instances, day, eligible)
	if errors.Is(err, models.ErrNoEligibleInstance) && r.reprobe(ctx, instances) {
		pick, err = rotation.Select(c, instances, day, eligible)
	}
	if err != nil {
		sel := selection{allHealthBlocked: len(instances) > 0}
		for _, inst := range instances {
			if !health.HealthBlocked(inst, c) {
				sel.allHealthBlocked = false
				break
			}
		}
		return sel, err
	}
	return selection{Pick: pick}, nil
}

// reprobe asks the gateway about instances whose known state is closed and
// old. Reports whether any state changed.
func (r *Runner) reprobe(ctx context.Context, instances []models.SenderInstance) bool {
	now := r.clock.Now()
	changed := false
	for i := range instances {
		inst := &instances[i]
		if inst.Disabled {
			continue
		}

		cached, stale, ok := r.avail.Get(inst.ExternalHandle)
		probe := false
		switch {
		case ok:
			probe = cached == models.StateClosed && stale
		case inst.ConnectionState != models.StateOpen:
			probe = inst.LastStateSeenAt == nil || now.Sub(*inst.LastStateSeenAt) >= r.cfg.ReprobeAfter
		}
		if !probe {
			continue
		}

		state, err := r.gateway.ConnectionState(ctx, inst.ExternalHandle, inst.APIKey)
		if err != nil {
			r.logger.Debug("connection state probe failed", "instance_id", inst.ID, "error", err)
			continue
		}
		r.avail.Set(inst.ExternalHandle, state)
		if err := r.store.Instances.SetConnectionState(ctx, inst.TenantID, inst.ID, state, now); err != nil {
			r.logger.Error("failed to store probed state", "instance_id", inst.ID, "error", err)
			continue
		}
		if state != inst.ConnectionState || (ok && state == models.StateOpen) {
			inst.ConnectionState = state
			changed = true
		}
	}
	return changed
}

func (r *Runner) calendar(ctx context.Context, c *models.Campaign) (*schedule.Calendar, error) {
	if c.CalendarID == "" {
		return nil, nil
	}
	mc, err := r.store.Calendars.GetByID(ctx, c.TenantID, c.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar: %w", err)
	}
	return schedule.FromModel(mc)
}

// send performs the gateway call and applies its outcome. A positive
// result is the backoff before the recipient is retried.
func (r *Runner) send(ctx context.Context, st *run, c *models.Campaign, rc *models.CampaignContact,
	inst models.SenderInstance, variant models.Variant, text, day string) time.Duration {
	tenantID := st.tenant.ID
	logger := st.logger.With("contact_id", rc.ContactID, "instance_id", inst.ID)

	number, err := phone.GatewayNumber(rc.Contact.Phone, r.cfg.DefaultRegion)
	if err != nil {
		r.fail(ctx, st, c, rc, inst, day, gateway.Result{
			Kind:   gateway.KindPermanent,
			Class:  gateway.ClassRecipientInvalid,
			Detail: err.Error(),
		}, false)
		return 0
	}

	if r.cfg.SendPresence {
		if err := r.gateway.SendPresence(ctx, inst.ExternalHandle, inst.APIKey, number, r.cfg.PresenceDelay); err != nil {
			logger.Debug("presence failed", "error", err)
		}
	}

	res := r.gateway.SendText(ctx, inst.ExternalHandle, inst.APIKey, gateway.SendTextRequest{Number: number, Text: text})
	switch res.Kind {
	case gateway.KindOK:
		r.sent(ctx, st, c, rc, inst, variant, res.MessageID)

	case gateway.KindRetryable:
		if rc.RetryCount < r.cfg.MaxRetries {
			return r.retry(ctx, st, c, rc, inst, day, res)
		}
		r.fail(ctx, st, c, rc, inst, day, res, true)

	case gateway.KindInstanceUnavailable:
		r.release(ctx, logger, tenantID, inst.ID, day)
		r.record(ctx, logger, tenantID, inst.ID, day, health.OutcomeGatewayUnavailable, res.Class)
		r.avail.Set(inst.ExternalHandle, models.StateClosed)
		if _, err := r.store.Recipients.RevertToPending(ctx, tenantID, c.ID, rc.ContactID, false, res.Class, res.Detail); err != nil {
			logger.Error("failed to revert recipient", "error", err)
		}
		logger.Warn("instance unavailable, selecting another", "error_class", res.Class)
		r.appendLog(ctx, tenantID, c.ID, models.LogInstanceDown, models.SeverityWarning,
			fmt.Sprintf("instance %s unavailable (%s): %s", inst.DisplayName, res.Class, res.Detail))

	default:
		r.fail(ctx, st, c, rc, inst, day, res, true)
	}
	return 0
}

func (r *Runner) sent(ctx context.Context, st *run, c *models.Campaign, rc *models.CampaignContact,
	inst models.SenderInstance, variant models.Variant, messageID string) {
	tenantID := st.tenant.ID
	logger := st.logger.With("contact_id", rc.ContactID, "instance_id", inst.ID)
	now := r.clock.Now()

	moved := false
	err := db.WithTx(ctx, r.store.DB, func(ctx context.Context) error {
		var err error
		moved, err = r.store.Recipients.MarkSent(ctx, tenantID, c.ID, rc.ContactID, messageID, now)
		if err != nil || !moved {
			return err
		}
		if err := r.store.Campaigns.RecordSent(ctx, tenantID, c.ID, rc.Contact.Name, rc.Contact.Phone, inst.DisplayName, now); err != nil {
			return err
		}
		return r.store.Campaigns.IncrementVariantUse(ctx, tenantID, c.ID, variant.ID)
	})
	if err != nil {
		logger.Error("failed to record sent message", "message_id", messageID, "error", err)
		return
	}
	if !moved {
		logger.Warn("recipient was not queued when the send completed", "message_id", messageID)
		return
	}

	metrics.IncMessagesSent(tenantID)
	logger.Info("message sent", "message_id", messageID)
	r.appendLog(ctx, tenantID, c.ID, models.LogMessageSent, models.SeverityInfo,
		fmt.Sprintf("sent to %s via %s (message %s)", rc.Contact.Phone, inst.DisplayName, messageID))
	r.publisher.Publish(ctx, events.Event{
		Type:       events.MessageSent,
		TenantID:   tenantID,
		CampaignID: c.ID,
		Data: map[string]any{
			"contact_id":    rc.ContactID,
			"contact_name":  rc.Contact.Name,
			"contact_phone": rc.Contact.Phone,
			"instance_id":   inst.ID,
			"instance_name": inst.DisplayName,
			"message_id":    messageID,
			"sent_at":       now.UTC(),
		},
	})
}

func (r *Runner) retry(ctx context.Context, st *run, c *models.Campaign, rc *models.CampaignContact,
	inst models.SenderInstance, day string, res gateway.Result) time.Duration {
	tenantID := st.tenant.ID
	logger := st.logger.With("contact_id", rc.ContactID, "instance_id", inst.ID, "error_class", res.Class)

	r.release(ctx, logger, tenantID, inst.ID, day)
	r.record(ctx, logger, tenantID, inst.ID, day, health.OutcomeSendFailed, res.Class)
	if _, err := r.store.Recipients.RevertToPending(ctx, tenantID, c.ID, rc.ContactID, true, res.Class, res.Detail); err != nil {
		logger.Error("failed to revert recipient", "error", err)
		return 0
	}

	backoff := r.cfg.RetryBaseDelay * time.Duration(1<<rc.RetryCount)
	logger.Warn("send failed, will retry", "retry_count", rc.RetryCount+1, "backoff", backoff)
	r.appendLog(ctx, tenantID, c.ID, models.LogMessageRetry, models.SeverityWarning,
		fmt.Sprintf("attempt %d to %s failed (%s): %s", rc.RetryCount+1, rc.Contact.Phone, res.Class, res.Detail))
	return backoff
}

func (r *Runner) fail(ctx context.Context, st *run, c *models.Campaign, rc *models.CampaignContact,
	inst models.SenderInstance, day string, res gateway.Result, reachedGateway bool) {
	tenantID := st.tenant.ID
	logger := st.logger.With("contact_id", rc.ContactID, "instance_id", inst.ID, "error_class", res.Class)

	r.release(ctx, logger, tenantID, inst.ID, day)
	if reachedGateway {
		r.record(ctx, logger, tenantID, inst.ID, day, health.OutcomeSendFailed, res.Class)
	}

	moved := false
	err := db.WithTx(ctx, r.store.DB, func(ctx context.Context) error {
		var err error
		moved, err = r.store.Recipients.MarkFailed(ctx, tenantID, c.ID, rc.ContactID, res.Class, res.Detail)
		if err != nil || !moved {
			return err
		}
		return r.store.Campaigns.AddCounters(ctx, tenantID, c.ID, repository.Counters{Failed: 1})
	})
	if err != nil {
		logger.Error("failed to record failed message", "error", err)
		return
	}
	if !moved {
		return
	}

	if res.Class == gateway.ClassRecipientOptedOut {
		if err := r.store.Contacts.SetOptOut(ctx, tenantID, rc.ContactID, true); err != nil {
			logger.Error("failed to flag contact opt-out", "error", err)
		}
	}

	metrics.IncMessagesFailed(tenantID, res.Class)
	logger.Error("message failed", "detail", res.Detail)
	r.appendLog(ctx, tenantID, c.ID, models.LogMessageFailed, models.SeverityError,
		fmt.Sprintf("send to %s failed (%s): %s", rc.Contact.Phone, res.Class, res.Detail))
	r.publisher.Publish(ctx, events.Event{
		Type:       events.MessageFailed,
		TenantID:   tenantID,
		CampaignID: c.ID,
		Data: map[string]any{
			"contact_id":    rc.ContactID,
			"contact_phone": rc.Contact.Phone,
			"instance_id":   inst.ID,
			"error_class":   res.Class,
			"error_detail":  res.Detail,
		},
	})
}

func (r *Runner) release(ctx context.Context, logger *slog.Logger, tenantID, instanceID, day string) {
	if err := r.tracker.Release(ctx, tenantID, instanceID, day); err != nil {
		logger.Error("failed to release daily slot", "error", err)
	}
}

func (r *Runner) record(ctx context.Context, logger *slog.Logger, tenantID, instanceID, day string, outcome health.Outcome, class string) {
	err := r.tracker.RecordSend(ctx, health.Signal{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Day:        day,
		Outcome:    outcome,
		Class:      class,
	})
	if err != nil {
		logger.Error("failed to record health outcome", "outcome", outcome, "error", err)
	}
}

func (r *Runner) complete(ctx context.Context, st *run, c *models.Campaign) error {
	err := r.store.Campaigns.Transition(ctx, c.TenantID, c.ID, models.CampaignRunning, models.CampaignCompleted, r.clock.Now())
	if errors.Is(err, models.ErrInvalidStateTransition) {
		// paused or stopped concurrently
		return nil
	}
	if err != nil {
		return err
	}

	counts, err := r.store.Recipients.Counts(ctx, c.TenantID, c.ID)
	if err != nil {
		st.logger.Error("failed to count recipients", "error", err)
	}
	st.logger.Info("campaign completed", "sent", c.MessagesSent, "failed", c.MessagesFailed)
	r.appendLog(ctx, c.TenantID, c.ID, models.LogCampaignCompleted, models.SeverityInfo,
		fmt.Sprintf("completed: %d sent, %d failed, %d opted out",
			counts[models.ContactSent]+counts[models.ContactDelivered]+counts[models.ContactRead],
			counts[models.ContactFailed], counts[models.ContactOptedOut]))
	r.publisher.Publish(ctx, events.Event{
		Type:       events.CampaignCompleted,
		TenantID:   c.TenantID,
		CampaignID: c.ID,
		Data: map[string]any{
			"messages_sent":   c.MessagesSent,
			"messages_failed": c.MessagesFailed,
			"total_contacts":  c.TotalContacts,
		},
	})
	return nil
}

// wait backs off without consuming the recipient. The campaign log gets one
// entry per distinct reason in a row.
func (r *Runner) wait(ctx context.Context, st *run, c *models.Campaign, reason, logType string, d time.Duration) {
	metrics.IncDispatchWait(reason)
	if st.lastWait != reason {
		st.lastWait = reason
		st.logger.Warn("campaign waiting", "reason", reason, "backoff", d)
		r.appendLog(ctx, c.TenantID, c.ID, logType, models.SeverityWarning,
			fmt.Sprintf("waiting %s: %s", d, reason))
	}
	if err := r.store.Campaigns.ClearNext(ctx, c.TenantID, c.ID); err != nil {
		st.logger.Error("failed to clear next message", "error", err)
	}
	if _, err := r.sleepUntil(ctx, c.TenantID, c.ID, r.clock.Now().Add(d)); err != nil && ctx.Err() == nil {
		st.logger.Error("wait failed", "error", err)
	}
}

// sleepUntil waits in chunks of CancelPollInterval, checking the stored
// status between chunks. running is false once the campaign left running.
func (r *Runner) sleepUntil(ctx context.Context, tenantID, campaignID string, until time.Time) (bool, error) {
	for {
		remaining := until.Sub(r.clock.Now())
		if remaining <= 0 {
			return true, nil
		}
		if remaining > r.cfg.CancelPollInterval {
			remaining = r.cfg.CancelPollInterval
		}
		if err := r.clock.Sleep(ctx, remaining); err != nil {
			return false, err
		}
		status, err := r.store.Campaigns.GetStatus(ctx, tenantID, campaignID)
		if err != nil {
			return false, err
		}
		if status != models.CampaignRunning {
			return false, nil
		}
	}
}

func (r *Runner) appendLog(ctx context.Context, tenantID, campaignID, logType, severity, details string) {
	err := r.store.Logs.Append(ctx, &models.CampaignLog{
		CampaignID: campaignID,
		TenantID:   tenantID,
		LogType:    logType,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		r.logger.Error("failed to append campaign log", "campaign_id", campaignID, "log_type", logType, "error", err)
	}
}
