package deferred

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// ErrNotFound is returned for unknown deferred task ids.
var ErrNotFound = errors.New("deferred: not found")

// DefaultMaxAttempts caps retries when the creator does not set a limit.
const DefaultMaxAttempts = 3

// Store persists deferred tasks in SQLite.
type Store struct {
	db  *sql.DB
	log *observability.Logger
	now func() time.Time
}

// Open opens (and migrates) the store at path. Use ":memory:" in tests.
func Open(path string, logger *observability.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deferred: open %s: %w", path, err)
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
		CREATE TABLE IF NOT EXISTS deferred_tasks (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			session_id      TEXT NOT NULL DEFAULT '',
			original_prompt TEXT NOT NULL,
			deferred_by     TEXT NOT NULL DEFAULT '',
			defer_reason    TEXT NOT NULL DEFAULT '',
			scheduled_for   TIMESTAMP NOT NULL,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 3,
			priority        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'scheduled',
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deferred_due
			ON deferred_tasks(status, priority, scheduled_for);
	`)
	if err != nil {
		return fmt.Errorf("deferred: migrate: %w", err)
	}
	return nil
}

// Create inserts a new scheduled task.
func (s *Store) Create(ctx context.Context, t *models.DeferredTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	if t.Status == "" {
		t.Status = models.DeferredScheduled
	}
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_tasks
			(id, user_id, session_id, original_prompt, deferred_by, defer_reason,
			 scheduled_for, attempt_count, max_attempts, priority, status,
			 last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.SessionID, t.OriginalPrompt, t.DeferredBy, t.DeferReason,
		t.ScheduledFor.UTC(), t.AttemptCount, t.MaxAttempts, t.Priority, t.Status,
		t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("deferred: create: %w", err)
	}
	return nil
}

// Get returns one task.
func (s *Store) Get(ctx context.Context, id string) (*models.DeferredTask, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	return scanTask(row)
}

// Due returns scheduled tasks ready to run, ordered by (priority DESC,
// scheduled_for ASC), at most limit.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*models.DeferredTask, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE status = ? AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for ASC LIMIT ?`,
		models.DeferredScheduled, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("deferred: due: %w", err)
	}
	defer rows.Close()
	var out []*models.DeferredTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim transitions a scheduled task to executing. Returns false when the
// task is no longer claimable (already claimed, completed, or removed).
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deferred_tasks
		SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.DeferredExecuting, s.now().UTC(), id, models.DeferredScheduled)
	if err != nil {
		return false, fmt.Errorf("deferred: claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete marks an executing task done.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.setTerminal(ctx, id, models.DeferredCompleted, "")
}

// Fail records a failed attempt. Below max_attempts the task is re-queued
// at scheduled_for = now + backoff; at or past the cap it goes to failed.
func (s *Store) Fail(ctx context.Context, t *models.DeferredTask, cause string) error {
	if t.AttemptCount >= t.MaxAttempts {
		return s.setTerminal(ctx, t.ID, models.DeferredFailed, cause)
	}
	retryAt := s.now().UTC().Add(Backoff(t.AttemptCount))
	_, err := s.db.ExecContext(ctx, `
		UPDATE deferred_tasks
		SET status = ?, scheduled_for = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		models.DeferredScheduled, retryAt, cause, s.now().UTC(), t.ID)
	if err != nil {
		return fmt.Errorf("deferred: fail: %w", err)
	}
	t.Status = models.DeferredScheduled
	t.ScheduledFor = retryAt
	t.LastError = cause
	return nil
}

// Expire marks a task expired; used when its window passed before it could
// meaningfully run.
func (s *Store) Expire(ctx context.Context, id string) error {
	return s.setTerminal(ctx, id, models.DeferredExpired, "scheduled window passed")
}

// ListPending returns a user's non-terminal tasks.
func (s *Store) ListPending(ctx context.Context, userID string) ([]*models.DeferredTask, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE user_id = ? AND status IN (?, ?) ORDER BY scheduled_for`,
		userID, models.DeferredScheduled, models.DeferredExecuting)
	if err != nil {
		return nil, fmt.Errorf("deferred: list: %w", err)
	}
	defer rows.Close()
	var out []*models.DeferredTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) setTerminal(ctx context.Context, id string, status models.DeferredStatus, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deferred_tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, cause, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deferred: set %s: %w", status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Backoff returns the retry delay after the given attempt count:
// exponential from one minute, capped at 15 minutes.
func Backoff(attempts int) time.Duration {
	d := time.Minute << uint(attempts-1)
	if attempts <= 0 {
		d = time.Minute
	}
	if d > 15*time.Minute {
		d = 15 * time.Minute
	}
	return d
}

const selectCols = `
	SELECT id, user_id, session_id, original_prompt, deferred_by, defer_reason,
	       scheduled_for, attempt_count, max_attempts, priority, status,
	       last_error, created_at, updated_at
	FROM deferred_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.DeferredTask, error) {
	var t models.DeferredTask
	err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.OriginalPrompt,
		&t.DeferredBy, &t.DeferReason, &t.ScheduledFor, &t.AttemptCount,
		&t.MaxAttempts, &t.Priority, &t.Status, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deferred: scan: %w", err)
	}
	return &t, nil
}
