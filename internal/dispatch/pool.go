package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/queue"
	"github.com/google/uuid"
)

var (
	// errSignalled cancels a runner on pause or stop issued in this process
	errSignalled = errors.New("campaign signalled")
	errShutdown  = errors.New("pool shutting down")
)

// Job is the payload of a process-campaign job
type Job struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`
}

// Pool leases campaign jobs and runs one runner per campaign, each under
// an exclusive campaign lease
type Pool struct {
	queue  queue.Queue
	leaser Leaser
	runner *Runner
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool. An empty Owner gets a unique id.
func NewPool(q queue.Queue, leaser Leaser, runner *Runner, cfg Config, logger *slog.Logger) *Pool {
	cfg.setDefaults()
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = host + "-" + uuid.New().String()[:8]
	}
	return &Pool{
		queue:  q,
		leaser: leaser,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]context.CancelCauseFunc),
		stopCh: make(chan struct{}),
	}
}

// Owner returns the lease owner id of this pool
func (p *Pool) Owner() string {
	return p.cfg.Owner
}

// Enqueue asks for a campaign to be run. A campaign already waiting in
// the queue is not queued twice.
func (p *Pool) Enqueue(ctx context.Context, tenantID, campaignID string, delay time.Duration) error {
	return EnqueueJob(ctx, p.queue, tenantID, campaignID, delay)
}

// EnqueueJob puts a process-campaign job on the campaigns topic
func EnqueueJob(ctx context.Context, q queue.Queue, tenantID, campaignID string, delay time.Duration) error {
	payload, err := json.Marshal(Job{TenantID: tenantID, CampaignID: campaignID})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	job := &queue.Job{
		Topic:   queue.TopicCampaigns,
		Key:     campaignID,
		Payload: payload,
	}
	if delay > 0 {
		job.RunAt = time.Now().Add(delay)
	}
	if err := q.Enqueue(ctx, job); err != nil && !errors.Is(err, queue.ErrDuplicateKey) {
		return fmt.Errorf("failed to enqueue campaign: %w", err)
	}
	return nil
}

// Start starts polling for campaign jobs
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting dispatch pool", "owner", p.cfg.Owner, "max_campaigns", p.cfg.MaxCampaigns)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop interrupts every runner, releases their leases and waits
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping dispatch pool")
		close(p.stopCh)
		p.mu.Lock()
		for _, cancel := range p.active {
			cancel(errShutdown)
		}
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Info("dispatch pool stopped")
	})
}

// Cancel interrupts the local runner of a campaign, if any, so a pause or
// stop takes effect without waiting for the next status poll
func (p *Pool) Cancel(campaignID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.active[campaignID]
	if ok {
		cancel(errSignalled)
	}
	return ok
}

// Running returns the number of campaigns running in this process
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			for p.processOne(ctx) {
			}
		}
	}
}

// processOne takes at most one job. Returns true when another may be due.
func (p *Pool) processOne(ctx context.Context) bool {
	if p.Running() >= p.cfg.MaxCampaigns {
		return false
	}
	select {
	case <-p.stopCh:
		return false
	default:
	}

	job, err := p.queue.Lease(ctx, queue.TopicCampaigns, p.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to lease campaign job", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	var payload Job
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.CampaignID == "" {
		p.logger.Error("invalid campaign job", "job_id", job.ID, "error", err)
		if err := p.queue.DeadLetter(ctx, job, "invalid payload"); err != nil {
			p.logger.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
		}
		return true
	}
	logger := p.logger.With("campaign_id", payload.CampaignID, "tenant_id", payload.TenantID)

	if p.isActive(payload.CampaignID) {
		logger.Debug("campaign already running here, dropping job")
		p.ack(ctx, logger, job)
		return true
	}

	acquired, err := p.leaser.Acquire(ctx, leaseKey(payload.CampaignID), p.cfg.Owner, p.cfg.LeaseTTL)
	if err != nil {
		logger.Error("failed to acquire campaign lease", "error", err)
		if err := p.queue.Nack(ctx, job, p.cfg.RetryBaseDelay, err.Error()); err != nil {
			logger.Error("failed to nack job", "error", err)
		}
		return true
	}
	if !acquired {
		logger.Debug("campaign lease held elsewhere, dropping job")
		p.ack(ctx, logger, job)
		return true
	}

	p.ack(ctx, logger, job)
	p.spawn(ctx, payload, logger)
	return true
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	if err := p.queue.Ack(ctx, job); err != nil {
		logger.Error("failed to ack job", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) isActive(campaignID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[campaignID]
	return ok
}

func (p *Pool) spawn(ctx context.Context, job Job, logger *slog.Logger) {
	runCtx, cancel := context.WithCancelCause(ctx)

	p.mu.Lock()
	p.active[job.CampaignID] = cancel
	p.mu.Unlock()
	metrics.AddCampaignsRunning(1)

	p.wg.Add(2)
	go p.heartbeat(runCtx, cancel, job.CampaignID, logger)
	go func() {
		defer p.wg.Done()
		defer metrics.AddCampaignsRunning(-1)

		err := p.runner.Run(runCtx, job.TenantID, job.CampaignID)
		cause := context.Cause(runCtx)
		cancel(nil)

		p.mu.Lock()
		delete(p.active, job.CampaignID)
		p.mu.Unlock()

		if !errors.Is(cause, queue.ErrLeaseLost) {
			releaseCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.leaser.Release(releaseCtx, leaseKey(job.CampaignID), p.cfg.Owner); err != nil {
				logger.Error("failed to release campaign lease", "error", err)
			}
			done()
		}

		if err != nil {
			logger.Error("campaign worker failed", "error", err)
			// try again later; the stored status decides whether it resumes
			if err := EnqueueJob(context.Background(), p.queue, job.TenantID, job.CampaignID, p.cfg.NoInstanceBackoff); err != nil {
				logger.Error("failed to requeue campaign", "error", err)
			}
		}
	}()
}

// heartbeat renews the campaign lease until ctx ends. Losing the lease
// cancels the runner.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, campaignID string, logger *slog.Logger) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.leaser.Renew(ctx, leaseKey(campaignID), p.cfg.Owner, p.cfg.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				logger.Warn("campaign lease lost, stopping worker")
				metrics.IncLeaseLost()
				cancel(queue.ErrLeaseLost)
				return
			case ctx.Err() != nil:
				return
			default:
				// transient store error; the lease survives until its TTL
				logger.Error("failed to renew campaign lease", "error", err)
			}
		}
	}
}

func leaseKey(campaignID string) string {
	return "campaign:" + campaignID
}
