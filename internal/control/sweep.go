package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/zapflow/internal/models"
)

// scheduledBy is recorded as the starter of campaigns started by the sweep
const scheduledBy = "scheduler"

// StartSweeps registers the sweeps and starts the scheduler
func (s *Service) StartSweeps() error {
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.StartDue(ctx); err != nil {
			s.logger.Error("due sweep failed", "error", err)
		}
		if _, err := s.RecoverRunning(ctx); err != nil {
			s.logger.Error("recovery sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSchedule, err)
	}
	s.cron.Start()
	s.logger.Info("campaign sweeps scheduled", "schedule", s.cfg.SweepSchedule)
	return nil
}

// StopSweeps stops the scheduler and waits for a running sweep
func (s *Service) StopSweeps() {
	<-s.cron.Stop().Done()
}

// StartDue starts scheduled campaigns whose time has come and returns how
// many were started. A tenant at its running limit keeps its campaigns
// scheduled until a later sweep.
func (s *Service) StartDue(ctx context.Context) (int, error) {
	tenants, err := s.store.Tenants.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}

	now := s.clock.Now()
	started := 0
	for _, tenant := range tenants {
		due, err := s.store.Campaigns.ListDue(ctx, tenant.ID, now)
		if err != nil {
			s.logger.Error("failed to list due campaigns", "tenant_id", tenant.ID, "error", err)
			continue
		}
		for _, c := range due {
			if _, err := s.Start(ctx, tenant.ID, c.ID, scheduledBy); err != nil {
				if errors.Is(err, models.ErrTenantLimit) {
					s.logger.Warn("scheduled campaign deferred", "tenant_id", tenant.ID, "campaign_id", c.ID, "error", err)
					break
				}
				s.logger.Error("failed to start scheduled campaign", "tenant_id", tenant.ID, "campaign_id", c.ID, "error", err)
				continue
			}
			started++
		}
	}
	return started, nil
}

// RecoverRunning re-enqueues every running campaign. Campaigns already
// held by a worker are skipped by the pool.
func (s *Service) RecoverRunning(ctx context.Context) (int, error) {
	tenants, err := s.store.Tenants.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}

	enqueued := 0
	for _, tenant := range tenants {
		running, err := s.store.Campaigns.List(ctx, tenant.ID, models.CampaignFilter{Status: models.CampaignRunning})
		if err != nil {
			s.logger.Error("failed to list running campaigns", "tenant_id", tenant.ID, "error", err)
			continue
		}
		for _, c := range running {
			if err := s.dispatcher.Enqueue(ctx, tenant.ID, c.ID, 0); err != nil {
				s.logger.Error("failed to enqueue campaign", "tenant_id", tenant.ID, "campaign_id", c.ID, "error", err)
				continue
			}
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Debug("running campaigns enqueued", "count", enqueued)
	}
	return enqueued, nil
}
