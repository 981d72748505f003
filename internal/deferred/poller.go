package deferred

import (
	"context"
	"sync"
	"time"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// MaxConcurrent caps simultaneously executing deferred tasks server-wide.
const MaxConcurrent = 2

// expiryWindow is how far past scheduled_for a task may still start. Older
// tasks are expired rather than fired hours late.
const expiryWindow = 24 * time.Hour

// Executor runs a due deferred task's prompt.
type Executor interface {
	ExecuteDeferred(ctx context.Context, t *models.DeferredTask) error
}

// Poller scans for due tasks on a fixed cadence.
type Poller struct {
	store    *Store
	executor Executor
	interval time.Duration
	log      *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu      sync.Mutex
	running int
}

// NewPoller builds a poller over the store.
func NewPoller(store *Store, executor Executor, cfg config.TasksConfig, logger *observability.Logger, metrics *observability.Metrics) *Poller {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	interval := cfg.DeferredPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		store:    store,
		executor: executor,
		interval: interval,
		log:      logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithNow overrides the clock for tests.
func (p *Poller) WithNow(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce claims and executes due tasks up to the concurrency budget.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	budget := MaxConcurrent - p.running
	p.mu.Unlock()
	if budget <= 0 {
		return
	}

	now := p.now()
	due, err := p.store.Due(ctx, now, budget)
	if err != nil {
		p.log.Warn(ctx, "deferred due query failed", "error", err)
		return
	}
	for _, t := range due {
		if now.Sub(t.ScheduledFor) > expiryWindow {
			if err := p.store.Expire(ctx, t.ID); err != nil {
				p.log.Warn(ctx, "deferred task not expired", "task_id", t.ID, "error", err)
			}
			p.metrics.RecordTaskRun("deferred", "expired")
			continue
		}
		claimed, err := p.store.Claim(ctx, t.ID)
		if err != nil || !claimed {
			continue
		}
		t.AttemptCount++
		t.Status = models.DeferredExecuting

		p.mu.Lock()
		p.running++
		p.mu.Unlock()
		go p.execute(ctx, t)
	}
}

func (p *Poller) execute(ctx context.Context, t *models.DeferredTask) {
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	err := p.executor.ExecuteDeferred(ctx, t)
	if err == nil {
		if err := p.store.Complete(ctx, t.ID); err != nil {
			p.log.Warn(ctx, "deferred task not completed", "task_id", t.ID, "error", err)
		}
		p.metrics.RecordTaskRun("deferred", "completed")
		return
	}

	p.log.Warn(ctx, "deferred task failed", "task_id", t.ID,
		"attempt", t.AttemptCount, "error", err)
	if ferr := p.store.Fail(ctx, t, err.Error()); ferr != nil {
		p.log.Warn(ctx, "deferred failure not recorded", "task_id", t.ID, "error", ferr)
	}
	status := "retry"
	if t.Status == models.DeferredFailed || t.AttemptCount >= t.MaxAttempts {
		status = "failed"
	}
	p.metrics.RecordTaskRun("deferred", status)
}
