package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/repository"
)

// Resetter runs the daily counter reset for every active tenant on a cron
// schedule. Each run is cheap after the first of a local day.
type Resetter struct {
	cron     *cron.Cron
	tracker  *Tracker
	tenants  *repository.TenantRepository
	schedule string
	clock    clock.Clock
	logger   *slog.Logger
}

func NewResetter(tracker *Tracker, tenants *repository.TenantRepository, schedule string, clk clock.Clock, logger *slog.Logger) *Resetter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Resetter{
		cron:     cron.New(),
		tracker:  tracker,
		tenants:  tenants,
		schedule: schedule,
		clock:    clk,
		logger:   logger,
	}
}

// Start registers the job and starts the scheduler
func (r *Resetter) Start() error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("daily reset failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reset schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("daily reset scheduled", "schedule", r.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running job
func (r *Resetter) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce resets every active tenant whose local day changed and returns
// the number of tenants reset by this call
func (r *Resetter) RunOnce(ctx context.Context) (int, error) {
	tenants, err := r.tenants.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}

	now := r.clock.Now()
	reset := 0
	for _, tenant := range tenants {
		did, err := r.tracker.ResetDaily(ctx, tenant, now)
		if err != nil {
			r.logger.Error("tenant daily reset failed", "tenant_id", tenant.ID, "error", err)
			continue
		}
		if did {
			reset++
		}
	}
	return reset, nil
}
