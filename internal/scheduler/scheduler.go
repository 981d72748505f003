package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const (
	// CheckInterval is the due-task poll cadence.
	CheckInterval = time.Minute

	// MissedGrace is how far past next_run_at a task may still fire.
	MissedGrace = 2 * time.Hour

	// MaxConcurrent caps in-flight scheduled-task prompts.
	MaxConcurrent = 2

	// PhaseTimeout bounds each correlation phase; a prompt that has not
	// been acknowledged or completed by then counts as failed.
	PhaseTimeout = 5 * time.Minute

	// PauseAfter pauses a task once it fails this many times in a row.
	PauseAfter = 3
)

// Submitter sends a scheduled prompt to the server through the same entry
// as user traffic, tagged with its prompt id and source.
type Submitter interface {
	SubmitPrompt(ctx context.Context, promptID, prompt string) error
}

// inflight is one submitted prompt awaiting its result. Phase 1 keys it by
// prompt id; a routing ack moves it under the server's agent task id.
type inflight struct {
	taskID    string
	startedAt time.Time
}

// Scheduler drives the local scheduled-task loop.
type Scheduler struct {
	store  *Store
	submit Submitter

	// notify delivers user-facing notices (missed windows, pauses).
	notify func(message string)

	// onResult fires with the task id and response text when a run
	// completes successfully.
	onResult func(taskID, response string)

	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// mu guards the correlation maps: the ticker goroutine and the
	// transport's read goroutine mutate them concurrently.
	mu       sync.Mutex
	byPrompt map[string]inflight
	byAgent  map[string]inflight
}

// New builds a scheduler.
func New(store *Store, submit Submitter, notify func(string), onResult func(taskID, response string), logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Scheduler{
		store:    store,
		submit:   submit,
		notify:   notify,
		onResult: onResult,
		log:      logger,
		metrics:  metrics,
		now:      time.Now,
		byPrompt: map[string]inflight{},
		byAgent:  map[string]inflight{},
	}
}

// WithNow overrides the clock for tests.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce expires stale in-flight prompts, then submits every due task
// the concurrency budget allows.
func (s *Scheduler) CheckOnce(ctx context.Context) {
	now := s.now()
	s.expire(now)

	for _, t := range s.store.Due(now) {
		if now.Sub(t.NextRunAt) > MissedGrace {
			s.missed(t, now)
			continue
		}
		if s.inflightCount() >= MaxConcurrent || s.isInflight(t.ID) {
			continue
		}
		s.launch(ctx, t, now)
	}
}

func (s *Scheduler) missed(t models.ScheduledTask, now time.Time) {
	if s.notify != nil {
		s.notify("The scheduled task \"" + t.Name + "\" missed its run window and was skipped. It will run at its next scheduled time.")
	}
	if _, err := s.store.Skip(t.ID, now); err != nil {
		s.log.Warn(context.Background(), "missed task not advanced", "task_id", t.ID, "error", err)
		return
	}
	s.metrics.RecordTaskRun("scheduled", "missed")
}

func (s *Scheduler) launch(ctx context.Context, t models.ScheduledTask, now time.Time) {
	promptID := newPromptID()
	s.mu.Lock()
	s.byPrompt[promptID] = inflight{taskID: t.ID, startedAt: now}
	s.mu.Unlock()

	if err := s.submit.SubmitPrompt(ctx, promptID, t.Prompt); err != nil {
		s.mu.Lock()
		delete(s.byPrompt, promptID)
		s.mu.Unlock()
		s.finish(t.ID, false, "")
		s.log.Warn(ctx, "scheduled prompt submit failed", "task_id", t.ID, "error", err)
		return
	}
	s.log.Info(ctx, "scheduled task submitted", "task_id", t.ID, "prompt_id", promptID)
}

// HandleResponse processes a response frame for a submitted prompt.
// Routing acks move the entry to phase 2 and are not results; anything
// else is an inline result, failed when the payload carries an error.
func (s *Scheduler) HandleResponse(promptID string, payload models.ResponsePayload) {
	s.mu.Lock()
	fl, ok := s.byPrompt[promptID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byPrompt, promptID)

	if payload.IsRoutingAck && payload.AgentTaskID != "" {
		fl.startedAt = s.now()
		s.byAgent[payload.AgentTaskID] = fl
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.finish(fl.taskID, payload.Error == "", payload.Text)
}

// HandleAgentComplete processes the background completion of a scheduled
// prompt that was routed to an agent.
func (s *Scheduler) HandleAgentComplete(payload models.AgentCompletePayload) {
	key := payload.TaskID
	if key == "" {
		key = payload.AgentTaskID
	}
	s.mu.Lock()
	fl, ok := s.byAgent[key]
	if !ok && payload.AgentTaskID != "" {
		fl, ok = s.byAgent[payload.AgentTaskID]
		key = payload.AgentTaskID
	}
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byAgent, key)
	s.mu.Unlock()
	s.finish(fl.taskID, payload.Success, payload.Output)
}

// ClearInflight drops all correlation state. Called on reconnect: the
// server will not answer prompts from the previous connection.
func (s *Scheduler) ClearInflight() {
	s.mu.Lock()
	s.byPrompt = map[string]inflight{}
	s.byAgent = map[string]inflight{}
	s.mu.Unlock()
}

func (s *Scheduler) finish(taskID string, succeeded bool, response string) {
	t, err := s.store.Advance(taskID, s.now(), succeeded, PauseAfter)
	if err != nil {
		s.log.Warn(context.Background(), "task not advanced", "task_id", taskID, "error", err)
		return
	}
	status := "completed"
	if !succeeded {
		status = "failed"
		if t.Status == models.TaskPaused && s.notify != nil {
			s.notify("The scheduled task \"" + t.Name + "\" failed " + strconv.Itoa(t.ConsecutiveFailures) + " times in a row and has been paused.")
		}
	}
	s.metrics.RecordTaskRun("scheduled", status)
	if succeeded && s.onResult != nil {
		s.onResult(taskID, response)
	}
}

func (s *Scheduler) expire(now time.Time) {
	var stale []string
	s.mu.Lock()
	for id, fl := range s.byPrompt {
		if now.Sub(fl.startedAt) > PhaseTimeout {
			delete(s.byPrompt, id)
			stale = append(stale, fl.taskID)
		}
	}
	for id, fl := range s.byAgent {
		if now.Sub(fl.startedAt) > PhaseTimeout {
			delete(s.byAgent, id)
			stale = append(stale, fl.taskID)
		}
	}
	s.mu.Unlock()
	for _, taskID := range stale {
		s.finish(taskID, false, "")
	}
}

func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPrompt) + len(s.byAgent)
}

func (s *Scheduler) isInflight(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fl := range s.byPrompt {
		if fl.taskID == taskID {
			return true
		}
	}
	for _, fl := range s.byAgent {
		if fl.taskID == taskID {
			return true
		}
	}
	return false
}

func newPromptID() string {
	var b [4]byte
	rand.Read(b[:])
	return "sched_" + hex.EncodeToString(b[:])
}
