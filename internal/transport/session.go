// Package transport frames the device websocket: the envelope codec with
// JSON-schema validation, the server-side session and hub, the
// execution-command bridge, and the reconnecting agent client.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	pingInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	authWait        = 30 * time.Second
	sendBuffer      = 64
)

// AuthInfo is the resolved identity of an authenticated connection.
type AuthInfo struct {
	DeviceID string
	UserID   string
	IsAdmin  bool
}

// Handler is the application side of a server session. The gateway
// implements it.
type Handler interface {
	// Authenticate resolves the handshake frame to an identity, or fails.
	Authenticate(ctx context.Context, payload models.AuthPayload) (AuthInfo, error)
	// SessionOpened fires after a successful handshake, with the manifest
	// the device advertised.
	SessionOpened(s *Session, manifest []models.ToolDescriptor)
	// HandleFrame receives every validated post-handshake frame.
	HandleFrame(ctx context.Context, s *Session, env models.Envelope)
	// SessionClosed fires once when the connection goes away.
	SessionClosed(s *Session)
}

// Session is one authenticated websocket connection on the server.
type Session struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	ID     string
	Device AuthInfo

	closeOnce sync.Once
}

// Send queues a frame for delivery. Returns an error when the session is
// closing or the client cannot drain fast enough.
func (s *Session) Send(env models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("transport: session closed")
	case s.send <- raw:
		return nil
	default:
		return fmt.Errorf("transport: session backlogged")
	}
}

// SendPayload wraps payload into a fresh envelope and queues it.
func (s *Session) SendPayload(typ models.FrameType, payload any) error {
	env, err := models.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	return s.Send(env)
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}

// Server upgrades HTTP requests into agent sessions.
type Server struct {
	handler  Handler
	log      *observability.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// NewServer builds the websocket endpoint around the given handler.
func NewServer(handler Handler, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Server{
		handler: handler,
		log:     logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the /ws endpoint.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		ID:     uuid.NewString(),
	}
	go srv.run(s)
}

func (srv *Server) run(s *Session) {
	defer s.Close()

	manifest, err := srv.handshake(s)
	if err != nil {
		srv.log.Warn(s.ctx, "websocket handshake rejected", "error", err)
		_ = srv.writeDirect(s, models.FrameAuthResult, models.AuthResultPayload{
			Success: false, Error: err.Error(),
		})
		return
	}
	_ = srv.writeDirect(s, models.FrameAuthResult, models.AuthResultPayload{
		Success: true, DeviceID: s.Device.DeviceID, UserID: s.Device.UserID,
	})

	srv.metrics.DeviceConnected()
	srv.handler.SessionOpened(s, manifest)
	defer func() {
		srv.metrics.DeviceDisconnected()
		srv.handler.SessionClosed(s)
	}()

	go srv.writeLoop(s)
	srv.readLoop(s)
}

// handshake reads exactly one frame, which must be auth.
func (srv *Server) handshake(s *Session) ([]models.ToolDescriptor, error) {
	s.conn.SetReadLimit(maxPayloadBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		return nil, err
	}
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	env, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if env.Type != models.FrameAuth {
		return nil, fmt.Errorf("first frame must be auth, got %q", env.Type)
	}
	var payload models.AuthPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	info, err := srv.handler.Authenticate(s.ctx, payload)
	if err != nil {
		return nil, err
	}
	s.Device = info
	return payload.Manifest, nil
}

func (srv *Server) readLoop(s *Session) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := DecodeFrame(raw)
		if err != nil {
			srv.log.Warn(s.ctx, "dropping invalid frame",
				"device_id", s.Device.DeviceID, "error", err)
			continue
		}
		srv.metrics.RecordFrame(string(env.Type), "in")
		srv.handler.HandleFrame(s.ctx, s, env)
	}
}

func (srv *Server) writeLoop(s *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.Close()
				return
			}
		}
	}
}

// writeDirect bypasses the send channel; used only before the write loop
// starts.
func (srv *Server) writeDirect(s *Session, typ models.FrameType, payload any) error {
	env, err := models.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}
