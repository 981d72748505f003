package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/dot"
	"github.com/dotbot-ai/dotbot/internal/transport"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// defaultUserID is the single tenant of a personal deployment. Every
// paired device acts for the same user; the bus key exists so a future
// multi-user build only has to change the resolver.
const defaultUserID = "owner"

// Authenticate implements transport.Handler. Device credentials and
// session tokens are both accepted; a revoked device fails even with a
// valid secret.
func (g *Gateway) Authenticate(ctx context.Context, payload models.AuthPayload) (transport.AuthInfo, error) {
	if payload.SessionToken != "" {
		deviceID, isAdmin, err := g.sessions.Validate(payload.SessionToken)
		if err != nil {
			return transport.AuthInfo{}, err
		}
		d, err := g.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return transport.AuthInfo{}, err
		}
		if d.Status != "active" {
			return transport.AuthInfo{}, fmt.Errorf("device_revoked")
		}
		return transport.AuthInfo{DeviceID: deviceID, UserID: defaultUserID, IsAdmin: isAdmin}, nil
	}

	d, err := g.devices.AuthenticateDevice(ctx, payload.DeviceID, payload.DeviceSecret, payload.Fingerprint)
	if err != nil {
		return transport.AuthInfo{}, err
	}
	return transport.AuthInfo{DeviceID: d.ID, UserID: defaultUserID, IsAdmin: d.IsAdmin}, nil
}

// SessionOpened implements transport.Handler.
func (g *Gateway) SessionOpened(s *transport.Session, manifest []models.ToolDescriptor) {
	g.hub.Attach(s)
	g.bus.Attach(s)
	g.source.SetManifest(s.Device.DeviceID, manifest)
	g.log.Info(context.Background(), "device connected",
		"device_id", s.Device.DeviceID, "tools", len(manifest))
}

// SessionClosed implements transport.Handler.
func (g *Gateway) SessionClosed(s *transport.Session) {
	g.hub.Detach(s)
	g.bus.Detach(s)
	g.log.Info(context.Background(), "device disconnected", "device_id", s.Device.DeviceID)
}

// HandleFrame implements transport.Handler.
func (g *Gateway) HandleFrame(ctx context.Context, s *transport.Session, env models.Envelope) {
	switch env.Type {
	case models.FramePrompt:
		var payload models.PromptPayload
		if err := env.DecodePayload(&payload); err != nil {
			g.log.Warn(ctx, "malformed prompt frame", "error", err)
			return
		}
		// One goroutine per prompt: a slow LLM call must not stall the
		// session's read loop.
		go g.handlePrompt(s, env.ID, payload)

	case models.FrameExecutionResult:
		var payload models.ExecutionResultPayload
		if err := env.DecodePayload(&payload); err != nil {
			g.log.Warn(ctx, "malformed execution result", "error", err)
			return
		}
		if !g.hub.HandleExecutionResult(payload) {
			g.log.Debug(ctx, "late execution result dropped", "task_id", payload.TaskID)
		}

	case models.FrameFormatFixRequest:
		var payload models.FormatFixPayload
		if err := env.DecodePayload(&payload); err != nil {
			g.log.Warn(ctx, "malformed format fix request", "error", err)
			return
		}
		go g.handleFormatFix(s, env.ID, payload)

	default:
		g.log.Warn(ctx, "unexpected frame from device",
			"frame", env.Type, "device_id", s.Device.DeviceID)
	}
}

func (g *Gateway) handlePrompt(s *transport.Session, frameID string, payload models.PromptPayload) {
	ctx := context.Background()
	source := payload.Source
	if source == "" {
		source = "user"
	}

	pctx, personas := g.source.PromptContext(ctx, s.Device.DeviceID)
	req := dot.Request{
		DeviceID:  s.Device.DeviceID,
		UserID:    s.Device.UserID,
		SessionID: payload.SessionID,
		Prompt:    payload.Text,
		Source:    source,
		Persona:   matchPersona(personas, payload.PersonaHint),
	}

	reply, err := g.dot.Respond(ctx, req, pctx, nil)
	if err != nil {
		g.metrics.RecordError("gateway", "prompt_failed")
		g.respond(s, models.ResponsePayload{
			Text:            "Something went wrong handling that request.",
			MessageID:       frameID,
			SessionID:       payload.SessionID,
			ScheduledTaskID: payload.ScheduledTaskID,
			Error:           err.Error(),
		})
		return
	}

	if reply.SkillFeedback != "" {
		g.respond(s, models.ResponsePayload{
			Text:      reply.SkillFeedback,
			SessionID: payload.SessionID,
		})
	}
	if reply.Dispatched {
		g.bus.RememberPrompt(reply.AgentTaskID, payload.Text)
	}
	g.respond(s, models.ResponsePayload{
		Text:            reply.Text,
		MessageID:       frameID,
		SessionID:       payload.SessionID,
		ScheduledTaskID: payload.ScheduledTaskID,
		AgentTaskID:     reply.AgentTaskID,
		IsRoutingAck:    reply.Dispatched,
	})
}

// handleFormatFix reformats malformed agent output against the expected
// schema and sends it back as a plain response frame.
func (g *Gateway) handleFormatFix(s *transport.Session, frameID string, payload models.FormatFixPayload) {
	fixed, err := g.dot.FixFormat(context.Background(), payload.Original, payload.Schema)
	resp := models.ResponsePayload{MessageID: frameID, Text: fixed}
	if err != nil {
		resp.Error = err.Error()
	}
	g.respond(s, resp)
}

func (g *Gateway) respond(s *transport.Session, payload models.ResponsePayload) {
	if err := s.SendPayload(models.FrameResponse, payload); err != nil {
		g.log.Warn(context.Background(), "response not delivered",
			"device_id", s.Device.DeviceID, "error", err)
		return
	}
	g.metrics.RecordFrame(string(models.FrameResponse), "out")
}

func matchPersona(personas []models.PersonaProfile, hint string) *models.PersonaProfile {
	if hint == "" {
		return nil
	}
	for i := range personas {
		if personas[i].ID == hint || strings.EqualFold(personas[i].Name, hint) {
			return &personas[i]
		}
	}
	return nil
}
