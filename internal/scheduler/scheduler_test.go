package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	prompts map[string]string // promptID -> prompt
	order   []string
	err     error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{prompts: map[string]string{}}
}

func (f *fakeSubmitter) SubmitPrompt(ctx context.Context, promptID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.prompts[promptID] = prompt
	f.order = append(f.order, promptID)
	return nil
}

func (f *fakeSubmitter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "scheduled-tasks.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func addTask(t *testing.T, store *Store, id, name string, next time.Time) {
	t.Helper()
	task := &models.ScheduledTask{
		ID:        id,
		Name:      name,
		Prompt:    "run " + name,
		Schedule:  models.Schedule{Kind: models.ScheduleHourly},
		NextRunAt: next,
		Status:    models.TaskActive,
	}
	if err := store.Add(task); err != nil {
		t.Fatal(err)
	}
}

func TestTwoPhaseCorrelation(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "inbox sweep", now)

	submitter := newFakeSubmitter()
	var gotTask, gotResponse string
	sched := New(store, submitter, nil, func(taskID, response string) {
		gotTask, gotResponse = taskID, response
	}, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	if len(submitter.order) != 1 {
		t.Fatalf("submitted %d prompts, want 1", len(submitter.order))
	}
	promptID := submitter.order[0]
	if !strings.HasPrefix(promptID, "sched_") {
		t.Fatalf("prompt id %q", promptID)
	}

	// Routing ack moves the entry to phase 2 and is not a result.
	sched.HandleResponse(promptID, models.ResponsePayload{IsRoutingAck: true, AgentTaskID: "at-9"})
	if len(sched.byPrompt) != 0 {
		t.Fatal("phase 1 map not empty after ack")
	}
	if fl, ok := sched.byAgent["at-9"]; !ok || fl.taskID != "t1" {
		t.Fatalf("phase 2 map = %v", sched.byAgent)
	}
	if gotResponse != "" {
		t.Fatal("ack treated as a result")
	}

	// Background completion matches by agent task id.
	sched.HandleAgentComplete(models.AgentCompletePayload{TaskID: "at-9", Success: true, Output: "OK"})
	if gotTask != "t1" || gotResponse != "OK" {
		t.Fatalf("callback = (%q, %q)", gotTask, gotResponse)
	}

	task, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.LastRunAt == nil {
		t.Fatal("last_run_at not set")
	}
	if task.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d", task.ConsecutiveFailures)
	}
	if !task.NextRunAt.After(now) {
		t.Fatalf("next_run_at not advanced: %v", task.NextRunAt)
	}
}

func TestInlineResultMatchesByPromptID(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "quick check", now)

	submitter := newFakeSubmitter()
	var gotResponse string
	sched := New(store, submitter, nil, func(_, response string) { gotResponse = response }, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	sched.HandleResponse(submitter.order[0], models.ResponsePayload{Text: "inline answer"})
	if gotResponse != "inline answer" {
		t.Fatalf("response = %q", gotResponse)
	}
	if sched.inflightCount() != 0 {
		t.Fatal("inflight not cleared")
	}
}

func TestErrorResponseCountsAsFailure(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "broken", now)

	submitter := newFakeSubmitter()
	resultFired := false
	sched := New(store, submitter, nil, func(_, _ string) { resultFired = true }, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	sched.HandleResponse(submitter.order[0], models.ResponsePayload{
		Text:  "Something went wrong handling that request.",
		Error: "model unavailable",
	})

	task, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", task.ConsecutiveFailures)
	}
	if resultFired {
		t.Fatal("error response fired the result callback")
	}
	if sched.inflightCount() != 0 {
		t.Fatal("inflight not cleared")
	}
}

// The poll loop and the websocket read goroutine hit the correlation maps
// at the same time; run both under the race detector.
func TestCorrelationConcurrentWithFrames(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "one", now)
	addTask(t, store, "t2", "two", now)

	submitter := newFakeSubmitter()
	sched := New(store, submitter, nil, nil, nil, nil)
	sched.WithNow(func() time.Time { return now })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			sched.CheckOnce(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, id := range submitter.snapshot() {
				sched.HandleResponse(id, models.ResponsePayload{IsRoutingAck: true, AgentTaskID: "at-" + id})
			}
			sched.HandleAgentComplete(models.AgentCompletePayload{TaskID: "at-missing"})
			sched.ClearInflight()
		}
	}()
	wg.Wait()

	sched.ClearInflight()
	if sched.inflightCount() != 0 {
		t.Fatalf("inflight = %d after clear", sched.inflightCount())
	}
}

func TestConcurrencyCapAndDedup(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "one", now)
	addTask(t, store, "t2", "two", now)
	addTask(t, store, "t3", "three", now)

	submitter := newFakeSubmitter()
	sched := New(store, submitter, nil, nil, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	if len(submitter.order) != MaxConcurrent {
		t.Fatalf("submitted %d, want %d", len(submitter.order), MaxConcurrent)
	}

	// A second pass with the same clock must not resubmit in-flight tasks.
	sched.CheckOnce(context.Background())
	if len(submitter.order) != MaxConcurrent {
		t.Fatalf("resubmitted: %d", len(submitter.order))
	}
}

func TestMissedWindowNotifiesAndAdvancesIdempotently(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return base })
	addTask(t, store, "t1", "morning brief", base)

	now := base.Add(3 * time.Hour) // past the 2h grace
	var notices []string
	submitter := newFakeSubmitter()
	sched := New(store, submitter, func(msg string) { notices = append(notices, msg) }, nil, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	if len(submitter.order) != 0 {
		t.Fatal("missed task was submitted")
	}
	if len(notices) != 1 {
		t.Fatalf("notices = %v", notices)
	}
	first, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !first.NextRunAt.After(now) {
		t.Fatalf("not advanced: %v", first.NextRunAt)
	}

	// Re-running on the same clock yields the same advanced timestamp and
	// no second notice.
	sched.CheckOnce(context.Background())
	second, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.NextRunAt.Equal(first.NextRunAt) {
		t.Fatalf("advance not idempotent: %v vs %v", second.NextRunAt, first.NextRunAt)
	}
	if len(notices) != 1 {
		t.Fatalf("notified again: %v", notices)
	}
}

func TestPhaseTimeoutFailsTask(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "slow", now)

	submitter := newFakeSubmitter()
	sched := New(store, submitter, nil, nil, nil, nil)
	clock := now
	sched.WithNow(func() time.Time { return clock })
	store.WithNow(func() time.Time { return clock })

	sched.CheckOnce(context.Background())
	if sched.inflightCount() != 1 {
		t.Fatal("prompt not in flight")
	}

	clock = now.Add(PhaseTimeout + time.Minute)
	sched.CheckOnce(context.Background())
	if sched.inflightCount() != 0 {
		t.Fatal("stale prompt not expired")
	}
	task, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d", task.ConsecutiveFailures)
	}
}

func TestConsecutiveFailuresPause(t *testing.T) {
	store := newTestStore(t)
	clock := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return clock })
	addTask(t, store, "t1", "flaky", clock)

	var notices []string
	submitter := newFakeSubmitter()
	sched := New(store, submitter, func(msg string) { notices = append(notices, msg) }, nil, nil, nil)
	sched.WithNow(func() time.Time { return clock })

	for i := 0; i < PauseAfter; i++ {
		task, err := store.Get("t1")
		if err != nil {
			t.Fatal(err)
		}
		clock = task.NextRunAt.Add(time.Minute)
		sched.CheckOnce(context.Background())
		if len(submitter.order) != i+1 {
			t.Fatalf("round %d: submitted %d", i, len(submitter.order))
		}
		sched.HandleResponse(submitter.order[i], models.ResponsePayload{IsRoutingAck: true, AgentTaskID: "at"})
		sched.HandleAgentComplete(models.AgentCompletePayload{TaskID: "at", Success: false, Output: ""})
	}

	task, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskPaused {
		t.Fatalf("status = %s, want paused", task.Status)
	}
	paused := false
	for _, msg := range notices {
		if strings.Contains(msg, "paused") {
			paused = true
		}
	}
	if !paused {
		t.Fatalf("no pause notice in %v", notices)
	}
}

func TestSubmitFailureCountsAsFailure(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "offline", now)

	submitter := newFakeSubmitter()
	submitter.err = errors.New("not connected")
	sched := New(store, submitter, nil, nil, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	task, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d", task.ConsecutiveFailures)
	}
	if sched.inflightCount() != 0 {
		t.Fatal("failed submit left inflight state")
	}
}

func TestClearInflightOnReconnect(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return now })
	addTask(t, store, "t1", "one", now)

	submitter := newFakeSubmitter()
	sched := New(store, submitter, nil, nil, nil, nil)
	sched.WithNow(func() time.Time { return now })

	sched.CheckOnce(context.Background())
	if sched.inflightCount() != 1 {
		t.Fatal("nothing in flight")
	}
	sched.ClearInflight()
	if sched.inflightCount() != 0 {
		t.Fatal("inflight survived reconnect")
	}
}

func TestStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduled-tasks.json")
	s1, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	addTask(t, s1, "t1", "persisted", time.Now().Add(time.Hour))

	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Get("t1"); err != nil {
		t.Fatalf("reloaded store lost the task: %v", err)
	}
}
