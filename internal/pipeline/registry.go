// Package pipeline runs complex tasks as multi-step background agents:
// intake classification, persona recruitment, planning, sequential step
// execution with re-planning between steps, and crash recovery from the
// persisted workspace.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Task is one in-flight agent task tracked by the registry.
type Task struct {
	ID        string
	DeviceID  string
	UserID    string
	Prompt    string
	PersonaID string
	CreatedAt time.Time

	status models.AgentStatus
	cancel context.CancelFunc

	// injections queues user follow-ups delivered mid-run. Drained by the
	// step runner between steps.
	injections []string
}

// Registry tracks running agent tasks. All status transitions go through
// it so that a cancel can never be overwritten by a late completion: the
// cancelled check and the write happen under one lock.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds a task in the running state.
func (r *Registry) Register(t *Task, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.status = models.AgentRunning
	t.cancel = cancel
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	r.tasks[t.ID] = t
}

// Get returns a snapshot of one task.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Status returns a task's current status.
func (r *Registry) Status(id string) (models.AgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return "", false
	}
	return t.status, true
}

// SetStatus transitions a task. Returns false without writing when the
// task is unknown or already cancelled; cancelled is sticky.
func (r *Registry) SetStatus(id string, status models.AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	if t.status == models.AgentCancelled && status != models.AgentCancelled {
		return false
	}
	t.status = status
	return true
}

// Cancel marks a task cancelled and fires its abort handle. Idempotent.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	t.status = models.AgentCancelled
	cancel := t.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// CancelAllForRestart cancels every task for a device and returns their
// prompts so the caller can re-dispatch after the device reboots.
func (r *Registry) CancelAllForRestart(deviceID string) []string {
	r.mu.Lock()
	var prompts []string
	var cancels []context.CancelFunc
	for _, t := range r.tasks {
		if t.DeviceID != deviceID || t.status != models.AgentRunning {
			continue
		}
		t.status = models.AgentCancelled
		prompts = append(prompts, t.Prompt)
		if t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return prompts
}

// Inject queues a user follow-up for a running task.
func (r *Registry) Inject(id, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.status != models.AgentRunning {
		return false
	}
	t.injections = append(t.injections, message)
	return true
}

// DrainInjections removes and returns queued follow-ups.
func (r *Registry) DrainInjections(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || len(t.injections) == 0 {
		return nil
	}
	out := t.injections
	t.injections = nil
	return out
}

// Remove drops a task from the registry once its terminal status has been
// persisted and broadcast.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Running reports whether the registry currently tracks the id.
func (r *Registry) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

// ForDevice lists task ids for one device.
func (r *Registry) ForDevice(deviceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, t := range r.tasks {
		if t.DeviceID == deviceID {
			out = append(out, id)
		}
	}
	return out
}
