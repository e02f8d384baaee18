// Package control implements the campaign commands and the sweeps that
// keep scheduled and running campaigns moving.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/repository"
)

// Dispatcher runs campaigns. Implemented by dispatch.Pool.
type Dispatcher interface {
	Enqueue(ctx context.Context, tenantID, campaignID string, delay time.Duration) error
	// Cancel interrupts a campaign running in this process
	Cancel(campaignID string) bool
}

// Config contains control plane settings
type Config struct {
	MaxRunningPerTenant int
	// SweepSchedule is the cron spec of the due and recovery sweeps
	SweepSchedule string
}

// Status is the progress snapshot of a campaign
type Status struct {
	CampaignID string                `json:"campaign_id"`
	Name       string                `json:"name"`
	Status     models.CampaignStatus `json:"status"`
	models.Progress
	Counts models.StatusCounts `json:"counts"`
}

// Service executes campaign commands for a tenant
type Service struct {
	store      *repository.Store
	dispatcher Dispatcher
	publisher  events.Publisher
	clock      clock.Clock
	validator  *validator.Validate
	cfg        Config
	logger     *slog.Logger
	cron       *cron.Cron
}

func NewService(store *repository.Store, dispatcher Dispatcher, publisher events.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 30s"
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		clock:      clk,
		validator:  newValidator(),
		cfg:        cfg,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Create validates and stores a campaign in draft, or scheduled when it
// carries a start time
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest) (*models.Campaign, error) {
	now := s.clock.Now()
	if err := s.validate(&req, now); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, tenantID, &req); err != nil {
		return nil, err
	}

	c := &models.Campaign{
		TenantID:              tenantID,
		Name:                  req.Name,
		Status:                models.CampaignDraft,
		RotationMode:          models.RotationMode(req.RotationMode),
		IntervalMinSeconds:    req.IntervalMinSeconds,
		IntervalMaxSeconds:    req.IntervalMaxSeconds,
		DailyLimitPerInstance: req.DailyLimitPerInstance,
		PauseOnHealthBelow:    req.PauseOnHealthBelow,
		ScheduledAt:           req.ScheduledAt,
		CalendarID:            req.CalendarID,
		InstanceIDs:           req.InstanceIDs,
	}
	if c.RotationMode == "" {
		c.RotationMode = models.RotationRoundRobin
	}
	if c.DailyLimitPerInstance == 0 {
		c.DailyLimitPerInstance = models.DefaultDailyLimit
	}
	if c.ScheduledAt != nil {
		c.Status = models.CampaignScheduled
	}
	for _, body := range req.Variants {
		c.Variants = append(c.Variants, models.Variant{Body: body})
	}

	if err := s.store.Campaigns.Create(ctx, c, req.ContactIDs); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	s.logger.Info("campaign created", "tenant_id", tenantID, "campaign_id", c.ID, "status", c.Status,
		"contacts", len(req.ContactIDs), "instances", len(req.InstanceIDs))
	return s.store.Campaigns.GetByID(ctx, tenantID, c.ID)
}

// checkReferences verifies instances, contacts and calendar belong to the tenant
func (s *Service) checkReferences(ctx context.Context, tenantID string, req *CreateRequest) error {
	fields := map[string]string{}

	instances, err := s.store.Instances.ListByIDs(ctx, tenantID, req.InstanceIDs)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	if len(instances) != len(req.InstanceIDs) {
		fields["instance_ids"] = "contains unknown instances"
	}

	n, err := s.store.Contacts.CountExisting(ctx, tenantID, req.ContactIDs)
	if err != nil {
		return err
	}
	if n != len(req.ContactIDs) {
		fields["contact_ids"] = "contains unknown contacts"
	}

	if req.CalendarID != "" {
		if _, err := s.store.Calendars.GetByID(ctx, tenantID, req.CalendarID); errors.Is(err, models.ErrNotFound) {
			fields["calendar_id"] = "unknown calendar"
		} else if err != nil {
			return err
		}
	}

	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}
	return nil
}

// Get returns a tenant campaign
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	return s.store.Campaigns.GetByID(ctx, tenantID, id)
}

// List returns tenant campaigns
func (s *Service) List(ctx context.Context, tenantID string, filter models.CampaignFilter) ([]models.Campaign, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &models.ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}
	return s.store.Campaigns.List(ctx, tenantID, filter)
}

// Start moves a draft, scheduled or paused campaign to running. The ledger
// is materialised on the first start.
func (s *Service) Start(ctx context.Context, tenantID, id, byUser string) (*models.Campaign, error) {
	c, err := s.store.Campaigns.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.CampaignDraft, models.CampaignScheduled, models.CampaignPaused:
	default:
		return nil, &models.TransitionError{Entity: "campaign", From: string(c.Status), To: string(models.CampaignRunning)}
	}
	return s.run(ctx, c, byUser)
}

// Resume continues a paused campaign
func (s *Service) Resume(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	c, err := s.store.Campaigns.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignPaused {
		return nil, &models.TransitionError{Entity: "campaign", From: string(c.Status), To: string(models.CampaignRunning)}
	}
	return s.run(ctx, c, "")
}

func (s *Service) run(ctx context.Context, c *models.Campaign, byUser string) (*models.Campaign, error) {
	if s.cfg.MaxRunningPerTenant > 0 {
		running, err := s.store.Campaigns.CountByStatus(ctx, c.TenantID, models.CampaignRunning)
		if err != nil {
			return nil, err
		}
		if running >= s.cfg.MaxRunningPerTenant {
			return nil, fmt.Errorf("%w: limit is %d", models.ErrTenantLimit, s.cfg.MaxRunningPerTenant)
		}
	}

	now := s.clock.Now()
	from := c.Status
	logType, evType := models.LogCampaignStarted, events.CampaignStarted
	if from == models.CampaignPaused {
		logType, evType = models.LogCampaignResumed, events.CampaignResumed
	}

	err := db.WithTx(ctx, s.store.DB, func(ctx context.Context) error {
		if !c.ContactsMaterialized {
			if _, err := s.store.Campaigns.MaterializeContacts(ctx, c.TenantID, c.ID, now); err != nil {
				return err
			}
		}
		if err := s.store.Campaigns.Transition(ctx, c.TenantID, c.ID, from, models.CampaignRunning, now); err != nil {
			return err
		}
		if byUser != "" {
			if err := s.store.Campaigns.SetStartedBy(ctx, c.TenantID, c.ID, byUser); err != nil {
				return err
			}
		}
		return s.store.Logs.Append(ctx, &models.CampaignLog{
			CampaignID: c.ID,
			TenantID:   c.TenantID,
			LogType:    logType,
			Severity:   models.SeverityInfo,
			Details:    describeActor(string(from)+" -> running", byUser),
		})
	})
	if err != nil {
		return nil, err
	}

	// a failed enqueue is picked up by the recovery sweep
	if err := s.dispatcher.Enqueue(ctx, c.TenantID, c.ID, 0); err != nil {
		s.logger.Error("failed to enqueue campaign", "tenant_id", c.TenantID, "campaign_id", c.ID, "error", err)
	}

	s.logger.Info("campaign running", "tenant_id", c.TenantID, "campaign_id", c.ID, "from", from, "by", byUser)
	s.publish(ctx, evType, c, nil)
	return s.store.Campaigns.GetByID(ctx, c.TenantID, c.ID)
}

// Pause holds a running campaign. The worker stops at its next checkpoint.
func (s *Service) Pause(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	return s.halt(ctx, tenantID, id, models.CampaignPaused, models.LogCampaignPaused, events.CampaignPaused,
		models.CampaignRunning)
}

// Stop ends a scheduled, running or paused campaign for good
func (s *Service) Stop(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	return s.halt(ctx, tenantID, id, models.CampaignStopped, models.LogCampaignStopped, events.CampaignStopped,
		models.CampaignScheduled, models.CampaignRunning, models.CampaignPaused)
}

func (s *Service) halt(ctx context.Context, tenantID, id string, to models.CampaignStatus, logType string,
	evType events.Type, allowed ...models.CampaignStatus) (*models.Campaign, error) {
	c, err := s.store.Campaigns.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	permitted := false
	for _, st := range allowed {
		if c.Status == st {
			permitted = true
		}
	}
	if !permitted {
		return nil, &models.TransitionError{Entity: "campaign", From: string(c.Status), To: string(to)}
	}

	now := s.clock.Now()
	err = db.WithTx(ctx, s.store.DB, func(ctx context.Context) error {
		if err := s.store.Campaigns.Transition(ctx, tenantID, id, c.Status, to, now); err != nil {
			return err
		}
		return s.store.Logs.Append(ctx, &models.CampaignLog{
			CampaignID: id,
			TenantID:   tenantID,
			LogType:    logType,
			Severity:   models.SeverityInfo,
			Details:    string(c.Status) + " -> " + string(to),
		})
	})
	if err != nil {
		return nil, err
	}

	if s.dispatcher.Cancel(id) {
		s.logger.Debug("signalled local worker", "campaign_id", id)
	}
	s.logger.Info("campaign halted", "tenant_id", tenantID, "campaign_id", id, "status", to)
	s.publish(ctx, evType, c, nil)
	return s.store.Campaigns.GetByID(ctx, tenantID, id)
}

// Duplicate copies a campaign's policy, variants, instances and audience
// into a new draft
func (s *Service) Duplicate(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	src, err := s.store.Campaigns.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	audience, err := s.store.Campaigns.AudienceIDs(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	dup := &models.Campaign{
		TenantID:              tenantID,
		Name:                  src.DuplicateName(),
		Status:                models.CampaignDraft,
		RotationMode:          src.RotationMode,
		IntervalMinSeconds:    src.IntervalMinSeconds,
		IntervalMaxSeconds:    src.IntervalMaxSeconds,
		DailyLimitPerInstance: src.DailyLimitPerInstance,
		PauseOnHealthBelow:    src.PauseOnHealthBelow,
		CalendarID:            src.CalendarID,
		InstanceIDs:           src.InstanceIDs,
	}
	for _, v := range src.Variants {
		dup.Variants = append(dup.Variants, models.Variant{Body: v.Body})
	}

	if err := s.store.Campaigns.Create(ctx, dup, audience); err != nil {
		return nil, fmt.Errorf("failed to duplicate campaign: %w", err)
	}
	s.logger.Info("campaign duplicated", "tenant_id", tenantID, "source_id", id, "campaign_id", dup.ID)
	return s.store.Campaigns.GetByID(ctx, tenantID, dup.ID)
}

// Delete removes a draft, completed or stopped campaign
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	if err := s.store.Campaigns.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("campaign deleted", "tenant_id", tenantID, "campaign_id", id)
	return nil
}

// RequeueFailed returns failed recipients of a running or paused campaign
// to pending and reports how many moved
func (s *Service) RequeueFailed(ctx context.Context, tenantID, id string) (int64, error) {
	c, err := s.store.Campaigns.GetByID(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if c.Status != models.CampaignRunning && c.Status != models.CampaignPaused {
		return 0, &models.TransitionError{Entity: "campaign", From: string(c.Status), To: "requeue"}
	}

	var n int64
	err = db.WithTx(ctx, s.store.DB, func(ctx context.Context) error {
		var err error
		n, err = s.store.Recipients.RequeueFailed(ctx, tenantID, id)
		if err != nil || n == 0 {
			return err
		}
		if err := s.store.Campaigns.AddCounters(ctx, tenantID, id, repository.Counters{Failed: -int(n)}); err != nil {
			return err
		}
		return s.store.Logs.Append(ctx, &models.CampaignLog{
			CampaignID: id,
			TenantID:   tenantID,
			LogType:    models.LogRecovered,
			Severity:   models.SeverityInfo,
			Details:    fmt.Sprintf("%d failed recipients requeued", n),
		})
	})
	if err != nil {
		return 0, err
	}
	if n > 0 && c.Status == models.CampaignRunning {
		if err := s.dispatcher.Enqueue(ctx, tenantID, id, 0); err != nil {
			s.logger.Error("failed to enqueue campaign", "campaign_id", id, "error", err)
		}
	}
	return n, nil
}

// Status returns the live progress snapshot with the ledger breakdown
func (s *Service) Status(ctx context.Context, tenantID, id string) (*Status, error) {
	c, err := s.store.Campaigns.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.Recipients.Counts(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &Status{CampaignID: c.ID, Name: c.Name, Status: c.Status, Progress: c.Progress, Counts: counts}, nil
}

// Recipients enumerates the campaign ledger
func (s *Service) Recipients(ctx context.Context, tenantID, id string, filter models.RecipientFilter) ([]models.CampaignContact, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &models.ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}
	if _, err := s.store.Campaigns.GetStatus(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.Recipients.List(ctx, tenantID, id, filter)
}

// Logs returns the newest campaign log entries
func (s *Service) Logs(ctx context.Context, tenantID, id string, limit int) ([]models.CampaignLog, error) {
	if _, err := s.store.Campaigns.GetStatus(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.Logs.List(ctx, tenantID, id, limit)
}

// Notifications returns replies received for a campaign
func (s *Service) Notifications(ctx context.Context, tenantID, id string, limit int) ([]models.CampaignNotification, error) {
	if _, err := s.store.Campaigns.GetStatus(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.Notifications.List(ctx, tenantID, id, limit)
}

func (s *Service) publish(ctx context.Context, typ events.Type, c *models.Campaign, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["name"] = c.Name
	s.publisher.Publish(ctx, events.Event{
		Type:       typ,
		TenantID:   c.TenantID,
		CampaignID: c.ID,
		Data:       data,
		At:         s.clock.Now(),
	})
}

func describeActor(details, user string) string {
	if user == "" {
		return details
	}
	return details + " by " + user
}
