// Package scheduler runs the local agent's scheduled tasks: a file-backed
// task store, a periodic due checker, and the two-phase correlation that
// matches server responses back to the task that prompted them.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// Store keeps scheduled tasks in a single JSON file, rewritten atomically
// on every change.
type Store struct {
	path string

	mu    sync.Mutex
	tasks map[string]*models.ScheduledTask
	now   func() time.Time
}

// NewStore loads (or starts) the store at path. A missing file is an empty
// store; a malformed one is treated as empty rather than failing startup.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, tasks: map[string]*models.ScheduledTask{}, now: time.Now}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: read %s: %w", path, err)
	}
	var list []*models.ScheduledTask
	if err := json.Unmarshal(raw, &list); err != nil {
		return s, nil
	}
	for _, t := range list {
		s.tasks[t.ID] = t
	}
	return s, nil
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Add validates, schedules, and persists a new task.
func (s *Store) Add(t *models.ScheduledTask) error {
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskActive
	}
	now := s.now()
	if t.NextRunAt.IsZero() {
		t.NextRunAt = t.Schedule.NextAfter(now)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	s.tasks[t.ID] = t
	return s.flushLocked()
}

// Get returns a copy of one task.
func (s *Store) Get(id string) (models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.ScheduledTask{}, ErrTaskNotFound
	}
	return *t, nil
}

// List returns all tasks ordered by next run.
func (s *Store) List() []models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out
}

// Due returns active tasks whose next run is at or before now.
func (s *Store) Due(now time.Time) []models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == models.TaskActive && !t.NextRunAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out
}

// Advance moves a task past the occurrence at ranAt and records the run.
// Advancing an already-advanced task is a no-op, which is what makes a
// repeated missed-window scan idempotent.
func (s *Store) Advance(id string, ranAt time.Time, succeeded bool, pauseAfter int) (models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.ScheduledTask{}, ErrTaskNotFound
	}
	if t.NextRunAt.After(ranAt) {
		return *t, nil
	}
	t.NextRunAt = t.Schedule.NextAfter(ranAt)
	ran := ranAt.UTC()
	t.LastRunAt = &ran
	if succeeded {
		t.ConsecutiveFailures = 0
	} else {
		t.ConsecutiveFailures++
		if pauseAfter > 0 && t.ConsecutiveFailures >= pauseAfter {
			t.Status = models.TaskPaused
		}
	}
	if err := s.flushLocked(); err != nil {
		return models.ScheduledTask{}, err
	}
	return *t, nil
}

// Skip advances a task past the occurrence at skippedAt without recording
// a run. Used for missed windows; repeated calls on the same clock are
// no-ops once the task has been advanced.
func (s *Store) Skip(id string, skippedAt time.Time) (models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.ScheduledTask{}, ErrTaskNotFound
	}
	if t.NextRunAt.After(skippedAt) {
		return *t, nil
	}
	t.NextRunAt = t.Schedule.NextAfter(skippedAt)
	if err := s.flushLocked(); err != nil {
		return models.ScheduledTask{}, err
	}
	return *t, nil
}

// SetStatus pauses, resumes, or cancels a task.
func (s *Store) SetStatus(id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	return s.flushLocked()
}

// Remove deletes a task.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	list := make([]*models.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
