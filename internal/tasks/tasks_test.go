package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextRunAtTimezones(t *testing.T) {
	// 2026-03-02 is a Monday.
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule models.Schedule
		timezone string
		want     time.Time
	}{
		{
			name:     "daily before local time",
			schedule: models.Schedule{Kind: models.ScheduleDaily, Time: "18:00"},
			timezone: "UTC",
			want:     time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily after local time rolls to tomorrow",
			schedule: models.Schedule{Kind: models.ScheduleDaily, Time: "09:00"},
			timezone: "UTC",
			want:     time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily in tokyo",
			schedule: models.Schedule{Kind: models.ScheduleDaily, Time: "09:00"},
			timezone: "Asia/Tokyo",
			// 12:00 UTC is 21:00 JST, so 09:00 JST is next day = 00:00 UTC.
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "weekly next friday",
			schedule: models.Schedule{Kind: models.ScheduleWeekly, Day: "friday", Time: "08:30"},
			timezone: "UTC",
			want:     time.Date(2026, 3, 6, 8, 30, 0, 0, time.UTC),
		},
		{
			name:     "cron every hour on the half",
			schedule: models.Schedule{Kind: models.ScheduleCron, Expression: "30 * * * *"},
			timezone: "UTC",
			want:     time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRunAt(tt.schedule, tt.timezone, base)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunAtBadCron(t *testing.T) {
	_, err := NextRunAt(models.Schedule{Kind: models.ScheduleCron, Expression: "not a cron"}, "UTC", time.Now())
	if err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestCreateAndDue(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return now })
	ctx := context.Background()

	task := &models.RecurringTask{
		UserID:   "u1",
		Name:     "daily checkin",
		Prompt:   "summarize my inbox",
		Schedule: models.Schedule{Kind: models.ScheduleDaily, Time: "13:00"},
		Timezone: "UTC",
	}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if task.NextRunAt != time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC) {
		t.Fatalf("next_run_at = %v", task.NextRunAt)
	}

	due, err := s.Due(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("not yet due, got %d", len(due))
	}
	due, err = s.Due(ctx, now.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("due = %v", due)
	}
}

func TestAdvanceResetsAndPauses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := &models.RecurringTask{
		UserID:      "u1",
		Name:        "fragile",
		Prompt:      "do the thing",
		Schedule:    models.Schedule{Kind: models.ScheduleHourly},
		MaxFailures: 2,
	}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	ranAt := task.NextRunAt
	if err := s.Advance(ctx, task, ranAt, false); err != nil {
		t.Fatal(err)
	}
	if task.ConsecutiveFailures != 1 || task.Status != models.TaskActive {
		t.Fatalf("after one failure: failures=%d status=%s", task.ConsecutiveFailures, task.Status)
	}
	if err := s.Advance(ctx, task, task.NextRunAt, false); err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskPaused {
		t.Fatalf("after max failures: status=%s", task.Status)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskPaused || got.ConsecutiveFailures != 2 {
		t.Fatalf("persisted: %+v", got)
	}

	// Resume and succeed: streak resets.
	if err := s.SetStatus(ctx, task.ID, models.TaskActive); err != nil {
		t.Fatal(err)
	}
	task.Status = models.TaskActive
	if err := s.Advance(ctx, task, task.NextRunAt, true); err != nil {
		t.Fatal(err)
	}
	if task.ConsecutiveFailures != 0 {
		t.Fatalf("streak not reset: %d", task.ConsecutiveFailures)
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	fail bool
}

func (r *fakeRunner) RunTask(ctx context.Context, t *models.RecurringTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, t.ID)
	if r.fail {
		return errors.New("device offline")
	}
	return nil
}

type fakeTaskNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeTaskNotifier) NotifyTask(userID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
}

func TestCheckOnceRunsDueTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := &models.RecurringTask{
		UserID:   "u1",
		Name:     "hourly",
		Prompt:   "check the weather",
		Schedule: models.Schedule{Kind: models.ScheduleHourly},
	}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	checker := NewChecker(s, runner, nil, config.TasksConfig{}, nil, nil)
	fireAt := task.NextRunAt.Add(time.Minute)
	checker.WithNow(func() time.Time { return fireAt })

	checker.CheckOnce(ctx)
	if len(runner.ran) != 1 {
		t.Fatalf("ran %d tasks, want 1", len(runner.ran))
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextRunAt.After(fireAt) {
		t.Fatalf("next_run_at %v not advanced past %v", got.NextRunAt, fireAt)
	}
	if got.LastRunAt == nil {
		t.Fatal("last_run_at not set")
	}
}

func TestCheckOnceMissedNotifiesOnceAndAdvances(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := &models.RecurringTask{
		UserID:   "u1",
		Name:     "morning brief",
		Prompt:   "brief me",
		Schedule: models.Schedule{Kind: models.ScheduleDaily, Time: "09:00"},
	}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	notifier := &fakeTaskNotifier{}
	checker := NewChecker(s, runner, notifier, config.TasksConfig{}, nil, nil)
	// Three hours past the window: missed, not late.
	lateAt := task.NextRunAt.Add(3 * time.Hour)
	checker.WithNow(func() time.Time { return lateAt })

	checker.CheckOnce(ctx)
	if len(runner.ran) != 0 {
		t.Fatal("missed task was executed")
	}
	if len(notifier.msgs) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notifier.msgs))
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextRunAt.After(lateAt) {
		t.Fatalf("missed task not advanced: %v", got.NextRunAt)
	}
	if got.MissedPromptSentAt == nil {
		t.Fatal("missed stamp not set")
	}

	// A second check with the same (still-late) clock must not re-notify:
	// the task has already been advanced.
	checker.CheckOnce(ctx)
	if len(notifier.msgs) != 1 {
		t.Fatalf("missed notification repeated: %d", len(notifier.msgs))
	}
}

func TestCheckOncePausesAfterFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := &models.RecurringTask{
		UserID:      "u1",
		Name:        "flaky",
		Prompt:      "ping",
		Schedule:    models.Schedule{Kind: models.ScheduleHourly},
		MaxFailures: 2,
	}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{fail: true}
	notifier := &fakeTaskNotifier{}
	checker := NewChecker(s, runner, notifier, config.TasksConfig{}, nil, nil)

	for i := 0; i < 2; i++ {
		got, err := s.Get(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		fireAt := got.NextRunAt.Add(time.Minute)
		checker.WithNow(func() time.Time { return fireAt })
		checker.CheckOnce(ctx)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
	found := false
	for _, m := range notifier.msgs {
		if strings.Contains(m, "paused") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no pause notification in %v", notifier.msgs)
	}
}
