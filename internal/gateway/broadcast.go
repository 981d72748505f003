package gateway

import (
	"context"
	"sync"

	"github.com/dotbot-ai/dotbot/internal/dot"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/transport"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Bus fans server-side events out to every live session of a user. The
// pipeline publishes completions here instead of holding a reference to
// the gateway, which keeps the dependency arrow one-way.
type Bus struct {
	hub     *transport.Hub
	dot     *dot.Dot
	log     *observability.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]map[*transport.Session]struct{}
	prompts  map[string]string // agent task id -> original prompt
}

// NewBus builds an empty bus.
func NewBus(hub *transport.Hub, d *dot.Dot, logger *observability.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Bus{
		hub:      hub,
		dot:      d,
		log:      logger,
		metrics:  metrics,
		sessions: make(map[string]map[*transport.Session]struct{}),
		prompts:  make(map[string]string),
	}
}

// Attach subscribes a session under its user id.
func (b *Bus) Attach(s *transport.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sessions[s.Device.UserID]
	if !ok {
		set = make(map[*transport.Session]struct{})
		b.sessions[s.Device.UserID] = set
	}
	set[s] = struct{}{}
}

// Detach unsubscribes a session.
func (b *Bus) Detach(s *transport.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.sessions[s.Device.UserID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.sessions, s.Device.UserID)
		}
	}
}

// RememberPrompt records the prompt behind a dispatched agent so the
// completion followup can reference it.
func (b *Bus) RememberPrompt(agentTaskID, prompt string) {
	if agentTaskID == "" {
		return
	}
	b.mu.Lock()
	b.prompts[agentTaskID] = prompt
	b.mu.Unlock()
}

// anyDevice returns one connected device id of the user, or "".
func (b *Bus) anyDevice(userID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.sessions[userID] {
		return s.Device.DeviceID
	}
	return ""
}

func (b *Bus) takePrompt(agentTaskID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	prompt := b.prompts[agentTaskID]
	delete(b.prompts, agentTaskID)
	return prompt
}

// AgentComplete implements pipeline.Notifier: the raw completion event goes
// out first, then a conversational followup composed by Dot.
func (b *Bus) AgentComplete(userID string, payload models.AgentCompletePayload) {
	b.broadcast(userID, models.FrameAgentComplete, payload)

	if b.dot == nil {
		return
	}
	original := b.takePrompt(payload.AgentTaskID)
	output := payload.Output
	if output == "" {
		output = payload.Error
	}
	text := b.dot.Followup(context.Background(), original, output, payload.Success)
	b.DispatchFollowup(userID, models.DispatchFollowupPayload{
		AgentTaskID: payload.AgentTaskID,
		Text:        text,
	})
}

// DispatchFollowup implements pipeline.Notifier.
func (b *Bus) DispatchFollowup(userID string, payload models.DispatchFollowupPayload) {
	b.broadcast(userID, models.FrameDispatchFollowup, payload)
}

func (b *Bus) broadcast(userID string, typ models.FrameType, payload any) {
	b.mu.RLock()
	targets := make([]*transport.Session, 0, len(b.sessions[userID]))
	for s := range b.sessions[userID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.SendPayload(typ, payload); err != nil {
			b.log.Warn(context.Background(), "broadcast dropped",
				"frame", typ, "user_id", userID, "device_id", s.Device.DeviceID, "error", err)
			continue
		}
		b.metrics.RecordFrame(string(typ), "out")
	}
}
