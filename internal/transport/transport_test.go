package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

func TestDecodeFrameValidation(t *testing.T) {
	valid := func(typ models.FrameType, payload any) []byte {
		env, err := models.NewEnvelope(typ, "f1", time.Now().UTC(), payload)
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := json.Marshal(env)
		return raw
	}

	t.Run("valid prompt", func(t *testing.T) {
		env, err := DecodeFrame(valid(models.FramePrompt, models.PromptPayload{Text: "hi"}))
		if err != nil {
			t.Fatal(err)
		}
		if env.Type != models.FramePrompt || env.ID != "f1" {
			t.Fatalf("env = %+v", env)
		}
	})
	t.Run("prompt without text", func(t *testing.T) {
		if _, err := DecodeFrame(valid(models.FramePrompt, map[string]any{"source": "user"})); err == nil {
			t.Fatal("accepted")
		}
	})
	t.Run("unknown type", func(t *testing.T) {
		if _, err := DecodeFrame(valid("telemetry", map[string]any{})); err == nil {
			t.Fatal("accepted")
		}
	})
	t.Run("missing id", func(t *testing.T) {
		if _, err := DecodeFrame([]byte(`{"type":"prompt","timestamp":"2026-01-01T00:00:00Z","payload":{"text":"x"}}`)); err == nil {
			t.Fatal("accepted")
		}
	})
	t.Run("not json", func(t *testing.T) {
		if _, err := DecodeFrame([]byte("ping")); err == nil {
			t.Fatal("accepted")
		}
	})
	t.Run("auth requires credentials or token", func(t *testing.T) {
		if _, err := DecodeFrame(valid(models.FrameAuth, map[string]any{"fingerprint": "fp"})); err == nil {
			t.Fatal("accepted")
		}
		if _, err := DecodeFrame(valid(models.FrameAuth, models.AuthPayload{SessionToken: "jwt"})); err != nil {
			t.Fatal(err)
		}
	})
}

type recordingHandler struct {
	hub      *Hub
	authErr  error
	frames   chan models.Envelope
	opened   chan []models.ToolDescriptor
	closed   chan struct{}
	sessions chan *Session
}

func newRecordingHandler(hub *Hub) *recordingHandler {
	return &recordingHandler{
		hub:      hub,
		frames:   make(chan models.Envelope, 16),
		opened:   make(chan []models.ToolDescriptor, 4),
		closed:   make(chan struct{}, 4),
		sessions: make(chan *Session, 4),
	}
}

func (h *recordingHandler) Authenticate(ctx context.Context, payload models.AuthPayload) (AuthInfo, error) {
	if h.authErr != nil {
		return AuthInfo{}, h.authErr
	}
	return AuthInfo{DeviceID: payload.DeviceID, UserID: "owner"}, nil
}

func (h *recordingHandler) SessionOpened(s *Session, manifest []models.ToolDescriptor) {
	if h.hub != nil {
		h.hub.Attach(s)
	}
	h.opened <- manifest
	h.sessions <- s
}

func (h *recordingHandler) HandleFrame(ctx context.Context, s *Session, env models.Envelope) {
	if env.Type == models.FrameExecutionResult && h.hub != nil {
		var payload models.ExecutionResultPayload
		if err := env.DecodePayload(&payload); err == nil {
			h.hub.HandleExecutionResult(payload)
		}
	}
	h.frames <- env
}

func (h *recordingHandler) SessionClosed(s *Session) {
	if h.hub != nil {
		h.hub.Detach(s)
	}
	h.closed <- struct{}{}
}

func startTestServer(t *testing.T, h Handler) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(h, nil, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAndAuth(t *testing.T, url string, payload models.AuthPayload) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	writeFrame(t, conn, models.FrameAuth, payload)
	env := readFrame(t, conn)
	if env.Type != models.FrameAuthResult {
		t.Fatalf("first reply = %s", env.Type)
	}
	var result models.AuthResultPayload
	if err := env.DecodePayload(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("handshake rejected: %s", result.Error)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ models.FrameType, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	env, err := DecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestHandshakeAndPromptFlow(t *testing.T) {
	hub := NewHub(nil, nil)
	h := newRecordingHandler(hub)
	url := startTestServer(t, h)

	conn := dialAndAuth(t, url, models.AuthPayload{
		DeviceID:     "dev-1",
		DeviceSecret: "secret",
		Manifest:     []models.ToolDescriptor{{ID: "fs.list", Description: "list files"}},
	})

	var manifest []models.ToolDescriptor
	select {
	case manifest = <-h.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("session never opened")
	}
	if len(manifest) != 1 || manifest[0].ID != "fs.list" {
		t.Fatalf("manifest = %+v", manifest)
	}
	if !hub.Connected("dev-1") {
		t.Fatal("device not attached")
	}

	writeFrame(t, conn, models.FramePrompt, models.PromptPayload{Text: "what's up"})
	select {
	case env := <-h.frames:
		if env.Type != models.FramePrompt {
			t.Fatalf("frame type = %s", env.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prompt never arrived")
	}

	// Server-initiated response reaches the client.
	s := <-h.sessions
	if err := s.SendPayload(models.FrameResponse, models.ResponsePayload{Text: "not much"}); err != nil {
		t.Fatal(err)
	}
	env := readFrame(t, conn)
	if env.Type != models.FrameResponse {
		t.Fatalf("reply type = %s", env.Type)
	}
}

func TestHandshakeRejected(t *testing.T) {
	h := newRecordingHandler(nil)
	h.authErr = errors.New("device_revoked")
	url := startTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	writeFrame(t, conn, models.FrameAuth, models.AuthPayload{DeviceID: "dev-1", DeviceSecret: "bad"})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	env, err := DecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	var result models.AuthResultPayload
	if err := env.DecodePayload(&result); err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("rejected handshake reported success")
	}
	if !strings.Contains(result.Error, "device_revoked") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	hub := NewHub(nil, nil)
	h := newRecordingHandler(hub)
	url := startTestServer(t, h)

	conn := dialAndAuth(t, url, models.AuthPayload{DeviceID: "dev-1", DeviceSecret: "secret"})
	<-h.opened

	// Serve exactly one execution command from the fake agent.
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := DecodeFrame(raw)
		if err != nil || env.Type != models.FrameExecutionCommand {
			return
		}
		var cmd models.ExecutionCommandPayload
		if err := env.DecodePayload(&cmd); err != nil {
			return
		}
		reply, _ := models.NewEnvelope(models.FrameExecutionResult, uuid.NewString(), time.Now().UTC(),
			models.ExecutionResultPayload{TaskID: cmd.TaskID, ToolID: cmd.ToolID, Output: "3 files", Success: true})
		raw, _ = json.Marshal(reply)
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}()

	out, err := hub.ExecuteTool(context.Background(), "dev-1", "fs.list", json.RawMessage(`{"path":"."}`), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out != "3 files" {
		t.Fatalf("output = %q", out)
	}
}

func TestBridgeDisconnectedDevice(t *testing.T) {
	hub := NewHub(nil, nil)
	_, err := hub.ExecuteTool(context.Background(), "ghost", "fs.list", nil, time.Second)
	if !errors.Is(err, ErrAgentDisconnected) {
		t.Fatalf("err = %v", err)
	}
}

func TestBridgeLateResultDropped(t *testing.T) {
	hub := NewHub(nil, nil)
	if hub.HandleExecutionResult(models.ExecutionResultPayload{TaskID: "gone", Success: true}) {
		t.Fatal("late result matched a pending call")
	}
}

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, toolID string, args json.RawMessage) (string, error) {
	return "ran " + toolID, nil
}

func TestClientServesExecutionCommands(t *testing.T) {
	hub := NewHub(nil, nil)
	h := newRecordingHandler(hub)
	url := startTestServer(t, h)

	client := NewClient(ClientConfig{
		URL:          url,
		DeviceID:     "dev-2",
		DeviceSecret: "secret",
		Manifest:     []models.ToolDescriptor{{ID: "shell.run"}},
	}, echoExecutor{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-h.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	out, err := hub.ExecuteTool(ctx, "dev-2", "shell.run", json.RawMessage(`{}`), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out != "ran shell.run" {
		t.Fatalf("output = %q", out)
	}
}
