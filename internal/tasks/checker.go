package tasks

import (
	"context"
	"time"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// missedGrace is how far past next_run_at a task may fire before it counts
// as missed instead of merely late.
const missedGrace = 2 * time.Hour

// executionTimeout bounds one recurring task execution.
const executionTimeout = 5 * time.Minute

// Runner submits a due task's prompt for execution on the user's preferred
// device and reports whether it succeeded.
type Runner interface {
	RunTask(ctx context.Context, t *models.RecurringTask) error
}

// Notifier tells the user about missed occurrences and paused tasks.
type Notifier interface {
	NotifyTask(userID, message string)
}

// Checker is the server-side periodic loop over the recurring task store.
type Checker struct {
	store    *Store
	runner   Runner
	notifier Notifier
	interval time.Duration
	log      *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewChecker builds a checker. interval falls back to the config default.
func NewChecker(store *Store, runner Runner, notifier Notifier, cfg config.TasksConfig, logger *observability.Logger, metrics *observability.Metrics) *Checker {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	interval := cfg.RecurringCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		store:    store,
		runner:   runner,
		notifier: notifier,
		interval: interval,
		log:      logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// WithNow overrides the clock for tests.
func (c *Checker) WithNow(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Run ticks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

// CheckOnce processes every due task exactly once. Exported so tests and
// the tick loop share one path.
func (c *Checker) CheckOnce(ctx context.Context) {
	now := c.now().UTC()
	due, err := c.store.Due(ctx, now)
	if err != nil {
		c.log.Warn(ctx, "due query failed", "error", err)
		return
	}
	for _, t := range due {
		if now.Sub(t.NextRunAt) > missedGrace {
			c.handleMissed(ctx, t, now)
			continue
		}
		c.execute(ctx, t, now)
	}
}

// handleMissed notifies once and advances; a task never fires hours late
// without the user hearing about it.
func (c *Checker) handleMissed(ctx context.Context, t *models.RecurringTask, now time.Time) {
	if t.MissedPromptSentAt == nil && c.notifier != nil {
		c.notifier.NotifyTask(t.UserID,
			"The scheduled task \""+t.Name+"\" missed its run window. It will run at the next scheduled time.")
	}
	if err := c.store.MarkMissed(ctx, t, now); err != nil {
		c.log.Warn(ctx, "missed task not advanced", "task_id", t.ID, "error", err)
		return
	}
	c.metrics.RecordTaskRun("recurring", "missed")
	c.log.Info(ctx, "recurring task missed", "task_id", t.ID, "next_run_at", t.NextRunAt)
}

func (c *Checker) execute(ctx context.Context, t *models.RecurringTask, now time.Time) {
	runCtx, cancel := context.WithTimeout(ctx, executionTimeout)
	err := c.runner.RunTask(runCtx, t)
	cancel()

	succeeded := err == nil
	status := "completed"
	if !succeeded {
		status = "failed"
		c.log.Warn(ctx, "recurring task failed", "task_id", t.ID, "error", err)
	}
	c.metrics.RecordTaskRun("recurring", status)

	wasPaused := t.Status
	if err := c.store.Advance(ctx, t, now, succeeded); err != nil {
		c.log.Warn(ctx, "recurring task not advanced", "task_id", t.ID, "error", err)
		return
	}
	if t.Status == models.TaskPaused && wasPaused != models.TaskPaused && c.notifier != nil {
		c.notifier.NotifyTask(t.UserID,
			"The scheduled task \""+t.Name+"\" failed repeatedly and has been paused.")
	}
}
