package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotbot-ai/dotbot/internal/dot"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// ErrNoDevice means a task fired while none of the user's devices were
// connected. The stores treat it as any other failure and retry.
var ErrNoDevice = errors.New("gateway: no connected device")

// RunTask implements tasks.Runner: a recurring task's prompt goes through
// Dot as if the user had typed it, and the answer is broadcast to every
// live session.
func (g *Gateway) RunTask(ctx context.Context, t *models.RecurringTask) error {
	reply, err := g.converse(ctx, t.UserID, t.DeviceID, t.Prompt, "")
	if err != nil {
		return fmt.Errorf("recurring task %s: %w", t.ID, err)
	}
	g.bus.broadcast(t.UserID, models.FrameResponse, models.ResponsePayload{
		Text:            reply.Text,
		ScheduledTaskID: t.ID,
		AgentTaskID:     reply.AgentTaskID,
		IsRoutingAck:    reply.Dispatched,
	})
	if reply.Dispatched {
		g.bus.RememberPrompt(reply.AgentTaskID, t.Prompt)
	}
	return nil
}

// ExecuteDeferred implements deferred.Executor for prompts Dot pushed to a
// quieter moment.
func (g *Gateway) ExecuteDeferred(ctx context.Context, t *models.DeferredTask) error {
	reply, err := g.converse(ctx, t.UserID, "", t.OriginalPrompt, t.SessionID)
	if err != nil {
		return fmt.Errorf("deferred task %s: %w", t.ID, err)
	}
	g.bus.broadcast(t.UserID, models.FrameResponse, models.ResponsePayload{
		Text:            reply.Text,
		SessionID:       t.SessionID,
		ScheduledTaskID: t.ID,
		AgentTaskID:     reply.AgentTaskID,
		IsRoutingAck:    reply.Dispatched,
	})
	if reply.Dispatched {
		g.bus.RememberPrompt(reply.AgentTaskID, t.OriginalPrompt)
	}
	return nil
}

// NotifyTask implements tasks.Notifier for missed-run and paused notices.
func (g *Gateway) NotifyTask(userID, message string) {
	g.bus.broadcast(userID, models.FrameResponse, models.ResponsePayload{Text: message})
}

func (g *Gateway) converse(ctx context.Context, userID, preferredDevice, prompt, sessionID string) (dot.Reply, error) {
	deviceID := preferredDevice
	if deviceID == "" || !g.hub.Connected(deviceID) {
		deviceID = g.bus.anyDevice(userID)
	}
	if deviceID == "" {
		return dot.Reply{}, ErrNoDevice
	}
	pctx, _ := g.source.PromptContext(ctx, deviceID)
	return g.dot.Respond(ctx, dot.Request{
		DeviceID:  deviceID,
		UserID:    userID,
		SessionID: sessionID,
		Prompt:    prompt,
		Source:    "scheduled_task",
	}, pctx, nil)
}
