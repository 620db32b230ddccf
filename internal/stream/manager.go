// Package stream serves the chat WebSocket: one connection per session,
// JSON frames for deltas, and a keepalive ticker. Persistence stays with the
// chat engine; a dead connection never aborts a turn that already started.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// SessionLookup validates sessions before a connection is accepted.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
}

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// ClientFrame is an inbound WebSocket message.
type ClientFrame struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	EnableThinking bool   `json:"enable_thinking,omitempty"`
	EnableTools    bool   `json:"enable_tools,omitempty"`
}

// ServerFrame is an outbound WebSocket message. Only the fields for the
// frame's type are populated.
type ServerFrame struct {
	Type         string             `json:"type"`
	Content      string             `json:"content,omitempty"`
	ToolCall     *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult   *models.ToolResult `json:"tool_result,omitempty"`
	InputTokens  int                `json:"input_tokens,omitempty"`
	OutputTokens int                `json:"output_tokens,omitempty"`
	Cost         float64            `json:"cost,omitempty"`
	MessageID    string             `json:"message_id,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// Manager upgrades chat WebSocket connections and drives turns through the
// engine.
type Manager struct {
	engine       *chat.Engine
	store        SessionLookup
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewManager creates a manager. pingInterval is the keepalive cadence.
func NewManager(engine *chat.Engine, st SessionLookup, pingInterval time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Manager{
		engine:       engine,
		store:        st,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "stream"),
		conns:  make(map[string]*conn),
	}
}

// conn is one upgraded connection. It implements chat.Sink; gorilla
// connections allow one concurrent writer, so every write goes through mu.
type conn struct {
	id      string
	session string
	ws      *websocket.Conn
	mu      sync.Mutex
	closed  bool
}

func (c *conn) send(frame *ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *conn) SendThinking(delta string) error {
	return c.send(&ServerFrame{Type: "thinking", Content: delta})
}

func (c *conn) SendToken(delta string) error {
	return c.send(&ServerFrame{Type: "token", Content: delta})
}

func (c *conn) SendToolCall(call models.ToolCall) error {
	return c.send(&ServerFrame{Type: "tool_call", ToolCall: &call})
}

func (c *conn) SendToolResult(result models.ToolResult) error {
	return c.send(&ServerFrame{Type: "tool_result", ToolResult: &result})
}

func (c *conn) SendUsage(inputTokens, outputTokens int, cost float64) error {
	return c.send(&ServerFrame{
		Type:         "usage",
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
	})
}

// HandleChat upgrades the request and serves the session's chat stream.
func (m *Manager) HandleChat(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrade failed", "session", sessionID, "error", err)
		return
	}

	if m.engine == nil {
		m.closeWith(ws, websocket.CloseTryAgainLater, "engine not ready")
		return
	}
	session, err := m.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			m.closeWith(ws, websocket.ClosePolicyViolation, "unknown session")
		} else {
			m.closeWith(ws, websocket.CloseInternalServerErr, "session lookup failed")
		}
		return
	}
	if session.Ended() {
		m.closeWith(ws, websocket.ClosePolicyViolation, "session ended")
		return
	}

	c := &conn{id: connID(sessionID), session: sessionID, ws: ws}
	m.register(c)
	observability.WSConnections.Inc()
	m.logger.Info("connection opened", "conn", c.id)

	defer func() {
		m.unregister(c)
		observability.WSConnections.Dec()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		ws.Close()
		m.logger.Info("connection closed", "conn", c.id)
	}()

	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go m.keepalive(c, stopKeepalive)

	// Turns outlive the connection: once a message is accepted its
	// persistence must not be canceled by a disconnect.
	turnCtx := context.WithoutCancel(r.Context())

	for {
		var frame ClientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("read failed", "conn", c.id, "error", err)
			}
			return
		}

		switch frame.Type {
		case "ping":
			c.send(&ServerFrame{Type: "pong"})
		case "message":
			if frame.Content == "" {
				c.send(&ServerFrame{Type: "error", Message: "empty message"})
				continue
			}
			m.runTurn(turnCtx, c, sessionID, frame)
		default:
			c.send(&ServerFrame{Type: "error", Message: fmt.Sprintf("unknown frame type: %s", frame.Type)})
		}
	}
}

// runTurn executes one user message. The done and error frames are mutually
// exclusive; neither is sent if the connection died mid-turn.
func (m *Manager) runTurn(ctx context.Context, c *conn, sessionID string, frame ClientFrame) {
	resp, err := m.engine.StreamMessage(ctx, sessionID, frame.Content, chat.SendOptions{
		EnableThinking: frame.EnableThinking,
		EnableTools:    frame.EnableTools,
	}, c)
	if err != nil {
		m.logger.Error("turn failed", "conn", c.id, "error", err)
		c.send(&ServerFrame{Type: "error", Message: err.Error()})
		return
	}
	c.send(&ServerFrame{
		Type:         "done",
		MessageID:    resp.MessageID,
		FinishReason: resp.FinishReason,
	})
}

// keepalive emits a pong frame on a fixed cadence so idle connections
// survive intermediaries.
func (m *Manager) keepalive(c *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.send(&ServerFrame{Type: "pong"}) != nil {
				return
			}
		}
	}
}

func (m *Manager) closeWith(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}

func (m *Manager) register(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

func (m *Manager) unregister(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c.id)
}

// ConnCount reports the number of live connections.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll tears down every live connection, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.closeWith(c.ws, websocket.CloseGoingAway, "server shutting down")
	}
}

// connID is "{session_id}:{random-8-hex}".
func connID(sessionID string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return sessionID + ":00000000"
	}
	return sessionID + ":" + hex.EncodeToString(buf)
}
