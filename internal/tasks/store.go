// Package tasks owns server-side recurring tasks: sqlite persistence,
// timezone-aware next-run computation (builtin kinds plus raw cron
// expressions), and the periodic checker that submits due prompts.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("tasks: not found")

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Store persists recurring tasks in SQLite.
type Store struct {
	db  *sql.DB
	log *observability.Logger
	now func() time.Time
}

// Open opens (and migrates) the task store at path. Use ":memory:" in
// tests.
func Open(path string, logger *observability.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tasks: open %s: %w", path, err)
	}
	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an existing database handle.
func OpenDB(db *sql.DB, logger *observability.Logger) (*Store, error) {
	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recurring_tasks (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL,
			device_id             TEXT NOT NULL DEFAULT '',
			name                  TEXT NOT NULL,
			prompt                TEXT NOT NULL,
			schedule              TEXT NOT NULL,
			timezone              TEXT NOT NULL DEFAULT 'UTC',
			next_run_at           TIMESTAMP NOT NULL,
			last_run_at           TIMESTAMP,
			status                TEXT NOT NULL DEFAULT 'active',
			consecutive_failures  INTEGER NOT NULL DEFAULT 0,
			max_failures          INTEGER NOT NULL DEFAULT 5,
			missed_prompt_sent_at TIMESTAMP,
			created_at            TIMESTAMP NOT NULL,
			updated_at            TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recurring_due
			ON recurring_tasks(status, next_run_at);
	`)
	if err != nil {
		return fmt.Errorf("tasks: migrate: %w", err)
	}
	return nil
}

// NextRunAt computes the first occurrence of the schedule strictly after t,
// evaluated in the task's timezone. Unknown timezones fall back to UTC.
func NextRunAt(schedule models.Schedule, timezone string, t time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	if schedule.Kind == models.ScheduleCron {
		expr, err := cronParser.Parse(schedule.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("tasks: cron %q: %w", schedule.Expression, err)
		}
		return expr.Next(local).UTC(), nil
	}

	next := schedule.NextAfter(local)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("tasks: schedule %q produced no occurrence", schedule.Kind)
	}
	return next.UTC(), nil
}

// Create validates the schedule, computes the first run, and inserts the
// task. The task's ID is assigned when empty.
func (s *Store) Create(ctx context.Context, t *models.RecurringTask) error {
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if t.MaxFailures <= 0 {
		t.MaxFailures = 5
	}
	if t.Status == "" {
		t.Status = models.TaskActive
	}
	now := s.now().UTC()
	next, err := NextRunAt(t.Schedule, t.Timezone, now)
	if err != nil {
		return err
	}
	t.NextRunAt = next
	t.CreatedAt = now
	t.UpdatedAt = now

	sched, err := models.MarshalScheduleColumn(t.Schedule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurring_tasks
			(id, user_id, device_id, name, prompt, schedule, timezone,
			 next_run_at, status, consecutive_failures, max_failures,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		t.ID, t.UserID, t.DeviceID, t.Name, t.Prompt, sched, t.Timezone,
		t.NextRunAt, t.Status, t.MaxFailures, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// Get returns one task.
func (s *Store) Get(ctx context.Context, id string) (*models.RecurringTask, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	return scanTask(row)
}

// List returns a user's tasks, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]*models.RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Due returns active tasks whose next run is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*models.RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at`,
		models.TaskActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("tasks: due: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Advance records a run outcome and moves next_run_at to the following
// occurrence. Success resets the failure streak; failure increments it and
// pauses the task once it reaches max_failures.
func (s *Store) Advance(ctx context.Context, t *models.RecurringTask, ranAt time.Time, succeeded bool) error {
	next, err := NextRunAt(t.Schedule, t.Timezone, ranAt)
	if err != nil {
		return err
	}
	status := t.Status
	failures := t.ConsecutiveFailures
	if succeeded {
		failures = 0
	} else {
		failures++
		if failures >= t.MaxFailures {
			status = models.TaskPaused
			if s.log != nil {
				s.log.Warn(ctx, "recurring task paused after repeated failures",
					"task_id", t.ID, "failures", failures)
			}
		}
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE recurring_tasks
		SET next_run_at = ?, last_run_at = ?, status = ?,
		    consecutive_failures = ?, missed_prompt_sent_at = NULL, updated_at = ?
		WHERE id = ?`,
		next, ranAt.UTC(), status, failures, now, t.ID)
	if err != nil {
		return fmt.Errorf("tasks: advance: %w", err)
	}
	t.NextRunAt = next
	ran := ranAt.UTC()
	t.LastRunAt = &ran
	t.Status = status
	t.ConsecutiveFailures = failures
	t.MissedPromptSentAt = nil
	t.UpdatedAt = now
	return nil
}

// MarkMissed stamps missed_prompt_sent_at so the "you missed this" notice
// goes out once, and advances past the missed occurrence.
func (s *Store) MarkMissed(ctx context.Context, t *models.RecurringTask, now time.Time) error {
	next, err := NextRunAt(t.Schedule, t.Timezone, now)
	if err != nil {
		return err
	}
	stamp := now.UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE recurring_tasks
		SET next_run_at = ?, missed_prompt_sent_at = ?, updated_at = ?
		WHERE id = ?`,
		next, stamp, stamp, t.ID)
	if err != nil {
		return fmt.Errorf("tasks: mark missed: %w", err)
	}
	t.NextRunAt = next
	t.MissedPromptSentAt = &stamp
	t.UpdatedAt = stamp
	return nil
}

// SetStatus pauses, resumes, or cancels a task.
func (s *Store) SetStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("tasks: set status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Delete removes a task.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("tasks: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

const selectCols = `
	SELECT id, user_id, device_id, name, prompt, schedule, timezone,
	       next_run_at, last_run_at, status, consecutive_failures,
	       max_failures, missed_prompt_sent_at, created_at, updated_at
	FROM recurring_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.RecurringTask, error) {
	var t models.RecurringTask
	var sched string
	var lastRun, missed sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.DeviceID, &t.Name, &t.Prompt, &sched,
		&t.Timezone, &t.NextRunAt, &lastRun, &t.Status, &t.ConsecutiveFailures,
		&t.MaxFailures, &missed, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: scan: %w", err)
	}
	if t.Schedule, err = models.UnmarshalScheduleColumn(sched); err != nil {
		return nil, fmt.Errorf("tasks: schedule column: %w", err)
	}
	if lastRun.Valid {
		v := lastRun.Time.UTC()
		t.LastRunAt = &v
	}
	if missed.Valid {
		v := missed.Time.UTC()
		t.MissedPromptSentAt = &v
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.RecurringTask, error) {
	var out []*models.RecurringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
