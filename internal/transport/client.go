package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// LocalExecutor runs a tool on the agent's own machine in response to an
// execution_command from the server.
type LocalExecutor interface {
	Execute(ctx context.Context, toolID string, args json.RawMessage) (string, error)
}

// ClientConfig configures the agent's server connection.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. wss://host/ws.
	URL string
	// DeviceID and DeviceSecret are the pairing credentials.
	DeviceID     string
	DeviceSecret string
	// Fingerprint identifies the hardware; the server logs rotations.
	Fingerprint string
	// Manifest is the tool set this device advertises.
	Manifest []models.ToolDescriptor
}

// Client is the agent side of the device websocket. It reconnects with
// exponential backoff and serves execution commands between frames.
type Client struct {
	cfg      ClientConfig
	executor LocalExecutor
	log      *observability.Logger

	// OnFrame receives response, agent_complete, and dispatch_followup
	// frames. Optional.
	OnFrame func(env models.Envelope)
	// OnConnect fires after each successful handshake. Optional.
	OnConnect func()

	conn    *websocket.Conn
	sendMu  chanMutex
	backoff time.Duration
}

// chanMutex serializes writes to the connection. A channel rather than a
// sync.Mutex so Send can honor ctx cancellation while waiting.
type chanMutex chan struct{}

func (m chanMutex) lock()   { m <- struct{}{} }
func (m chanMutex) unlock() { <-m }

// NewClient builds a client. executor may be nil for listen-only clients.
func NewClient(cfg ClientConfig, executor LocalExecutor, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Client{
		cfg:      cfg,
		executor: executor,
		log:      logger,
		sendMu:   make(chanMutex, 1),
		backoff:  reconnectMin,
	}
}

// Run connects and serves frames until ctx is cancelled, reconnecting on
// every failure.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn(ctx, "server connection lost", "error", err, "retry_in", c.backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
		c.backoff *= 2
		if c.backoff > reconnectMax {
			c.backoff = reconnectMax
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.backoff = reconnectMin
	c.log.Info(ctx, "connected to server", "device_id", c.cfg.DeviceID)
	if c.OnConnect != nil {
		c.OnConnect()
	}

	// Close the socket when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	return c.readLoop(ctx)
}

func (c *Client) handshake(ctx context.Context) error {
	err := c.send(models.FrameAuth, models.AuthPayload{
		DeviceID:     c.cfg.DeviceID,
		DeviceSecret: c.cfg.DeviceSecret,
		Fingerprint:  c.cfg.Fingerprint,
		Manifest:     c.cfg.Manifest,
	})
	if err != nil {
		return err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	env, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	if env.Type != models.FrameAuthResult {
		return fmt.Errorf("expected auth_result, got %q", env.Type)
	}
	var result models.AuthResultPayload
	if err := env.DecodePayload(&result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("handshake rejected: %s", result.Error)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.sendMu.lock()
		defer c.sendMu.unlock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := DecodeFrame(raw)
		if err != nil {
			c.log.Warn(ctx, "dropping invalid frame", "error", err)
			continue
		}
		switch env.Type {
		case models.FrameExecutionCommand:
			go c.executeCommand(ctx, env)
		default:
			if c.OnFrame != nil {
				c.OnFrame(env)
			}
		}
	}
}

func (c *Client) executeCommand(ctx context.Context, env models.Envelope) {
	var cmd models.ExecutionCommandPayload
	if err := env.DecodePayload(&cmd); err != nil {
		c.log.Warn(ctx, "malformed execution command", "error", err)
		return
	}
	result := models.ExecutionResultPayload{TaskID: cmd.TaskID, ToolID: cmd.ToolID}

	if c.executor == nil {
		result.Error = "no tool executor on this device"
	} else {
		timeout := DefaultToolTimeout
		if cmd.TimeoutMS > 0 {
			timeout = time.Duration(cmd.TimeoutMS) * time.Millisecond
		}
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := c.executor.Execute(execCtx, cmd.ToolID, cmd.ToolArgs)
		cancel()
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Output = output
		}
	}

	if err := c.send(models.FrameExecutionResult, result); err != nil {
		c.log.Warn(ctx, "execution result not delivered",
			"task_id", cmd.TaskID, "error", err)
	}
}

// SendPrompt submits user or scheduler text to the server. The frame id is
// returned so callers can correlate the response.
func (c *Client) SendPrompt(payload models.PromptPayload) (string, error) {
	id := uuid.NewString()
	env, err := models.NewEnvelope(models.FramePrompt, id, time.Now().UTC(), payload)
	if err != nil {
		return "", err
	}
	return id, c.sendEnvelope(env)
}

// SubmitPrompt implements the scheduler's submitter with a caller-chosen
// frame id.
func (c *Client) SubmitPrompt(ctx context.Context, promptID, prompt string) error {
	env, err := models.NewEnvelope(models.FramePrompt, promptID, time.Now().UTC(), models.PromptPayload{
		Text:   prompt,
		Source: "scheduled_task",
	})
	if err != nil {
		return err
	}
	return c.sendEnvelope(env)
}

func (c *Client) send(typ models.FrameType, payload any) error {
	env, err := models.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	return c.sendEnvelope(env)
}

func (c *Client) sendEnvelope(env models.Envelope) error {
	conn := c.conn
	if conn == nil {
		return ErrAgentDisconnected
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.sendMu.lock()
	defer c.sendMu.unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
