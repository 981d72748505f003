package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// DefaultToolTimeout bounds a bridged tool call when the caller passes no
// explicit timeout.
const DefaultToolTimeout = 30 * time.Second

// ErrAgentDisconnected is reported when no live session exists for a
// device. Callers degrade to tool-less operation on it.
var ErrAgentDisconnected = fmt.Errorf("transport: agent disconnected")

// Hub tracks live sessions by device id and bridges tool execution to
// them. It implements tools.BridgeExecutor.
type Hub struct {
	log     *observability.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]chan models.ExecutionResultPayload
}

// NewHub creates an empty hub.
func NewHub(logger *observability.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Hub{
		log:      logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		pending:  make(map[string]chan models.ExecutionResultPayload),
	}
}

// Attach registers a session for its device, replacing any previous one.
func (h *Hub) Attach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[s.Device.DeviceID]; ok && old != s {
		old.Close()
	}
	h.sessions[s.Device.DeviceID] = s
}

// Detach removes a session if it is still the current one for its device.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.Device.DeviceID] == s {
		delete(h.sessions, s.Device.DeviceID)
	}
}

// Session returns the live session for a device.
func (h *Hub) Session(deviceID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[deviceID]
	return s, ok
}

// Connected reports whether a device has a live session.
func (h *Hub) Connected(deviceID string) bool {
	_, ok := h.Session(deviceID)
	return ok
}

// ExecuteTool sends an execution_command to the device and waits for the
// matching execution_result.
func (h *Hub) ExecuteTool(ctx context.Context, deviceID, toolID string, args json.RawMessage, timeout time.Duration) (string, error) {
	s, ok := h.Session(deviceID)
	if !ok {
		return "", ErrAgentDisconnected
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}

	taskID := uuid.NewString()
	result := make(chan models.ExecutionResultPayload, 1)
	h.mu.Lock()
	h.pending[taskID] = result
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, taskID)
		h.mu.Unlock()
	}()

	err := s.SendPayload(models.FrameExecutionCommand, models.ExecutionCommandPayload{
		TaskID:    taskID,
		ToolID:    toolID,
		ToolArgs:  args,
		TimeoutMS: int(timeout / time.Millisecond),
	})
	if err != nil {
		return "", err
	}
	h.metrics.RecordFrame(string(models.FrameExecutionCommand), "out")

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("transport: tool %s timed out after %s", toolID, timeout)
	case res := <-result:
		if !res.Success {
			return "", fmt.Errorf("transport: tool %s failed: %s", toolID, res.Error)
		}
		return res.Output, nil
	}
}

// HandleExecutionResult resolves a pending bridged call. Returns false for
// results nobody is waiting on (late arrivals after a timeout).
func (h *Hub) HandleExecutionResult(payload models.ExecutionResultPayload) bool {
	h.mu.RLock()
	ch, ok := h.pending[payload.TaskID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
	default:
	}
	return true
}
