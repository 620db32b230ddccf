package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

const sessionColumns = `id, agent_id, type, status, title, model, temperature,
	max_tokens, context_window, system_prompt, message_count, total_tokens,
	total_cost, metadata, created_at, updated_at, ended_at`

// CreateSession persists a new session, filling in id, status, and
// timestamps. Creation is subject to the per-process rate limit.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if err := s.checkCreateLimit(); err != nil {
		return err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Type == "" {
		session.Type = models.SessionInteractive
	}
	if session.ContextWindow == 0 {
		session.ContextWindow = s.contextWindow
	}
	session.Status = models.SessionActive
	now := s.now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	metadata, err := json.Marshal(orEmptyMap(session.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	start := s.now()
	defer s.observe("insert", "sessions", start)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, type, status, title, model,
			temperature, max_tokens, context_window, system_prompt, metadata,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.Type, session.Status,
		session.Title, session.Model, session.Temperature, session.MaxTokens,
		session.ContextWindow, session.SystemPrompt, string(metadata),
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	observability.ActiveSessions.Inc()
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	start := s.now()
	defer s.observe("select", "sessions", start)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetOrCreateSession returns the agent's most recent active session of the
// given type, creating one if none exists. Repeated calls with the same
// arguments return the same session until it ends.
func (s *Store) GetOrCreateSession(ctx context.Context, agentID string, typ models.SessionType) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = ? AND type = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`,
		agentID, typ, models.SessionActive)
	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	session = &models.Session{AgentID: agentID, Type: typ}
	if err := s.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessionsFilter narrows ListSessions.
type ListSessionsFilter struct {
	AgentID string
	Status  models.SessionStatus
	Limit   int
	Offset  int
}

// ListSessions returns sessions most recently updated first.
func (s *Store) ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY updated_at DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	start := s.now()
	defer s.observe("select", "sessions", start)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// EndSession transitions a session to ended. Ending twice is a no-op.
func (s *Store) EndSession(ctx context.Context, id string) error {
	now := s.now().UTC()
	start := s.now()
	defer s.observe("update", "sessions", start)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.SessionEnded, now, now, id, models.SessionActive)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		observability.ActiveSessions.Dec()
	}
	return nil
}

// DeleteSession removes an ended session and, via cascade, its messages.
// Active sessions must be ended first.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !session.Ended() {
		return ErrSessionActive
	}
	start := s.now()
	defer s.observe("delete", "sessions", start)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SetSessionTitle sets the title if none is set yet.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	start := s.now()
	defer s.observe("update", "sessions", start)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ? AND title = ''`, title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return nil
}

// UpdateSessionCounters applies the per-turn counter deltas as a single
// in-row increment, which keeps concurrent writers from losing updates.
func (s *Store) UpdateSessionCounters(ctx context.Context, id string, deltaMessages int, deltaTokens int64, deltaCost float64) error {
	start := s.now()
	defer s.observe("update", "sessions", start)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = message_count + ?,
			total_tokens  = total_tokens + ?,
			total_cost    = total_cost + ?,
			updated_at    = ?
		WHERE id = ?`,
		deltaMessages, deltaTokens, deltaCost, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessage persists a message and bumps the session's updated_at in one
// transaction. Messages are append-only.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		payload, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(payload)
	}

	start := s.now()
	defer s.observe("insert", "messages", start)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, thinking,
			tool_calls, tool_call_id, tool_name, model, input_tokens,
			output_tokens, cost, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Thinking,
		toolCalls, msg.ToolCallID, msg.ToolName, msg.Model, msg.InputTokens,
		msg.OutputTokens, msg.Cost, msg.Latency.Milliseconds(), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		s.now().UTC(), msg.SessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	observability.MessagesPersisted.WithLabelValues(string(msg.Role)).Inc()
	return nil
}

const messageColumns = `id, session_id, role, content, thinking, tool_calls,
	tool_call_id, tool_name, model, input_tokens, output_tokens, cost,
	latency_ms, created_at`

// GetHistory returns the session's last limit messages in chronological
// order. A non-positive limit returns nothing.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	start := s.now()
	defer s.observe("select", "messages", start)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first from the index, reversed to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListMessages pages through a session's messages newest first, using
// created-at keyset pagination. A zero before means "from the latest".
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int, before time.Time) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	start := s.now()
	defer s.observe("select", "messages", start)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages finds messages whose content matches the query substring,
// newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	start := s.now()
	defer s.observe("select", "messages", start)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE content LIKE ?
		ORDER BY created_at DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountSessions returns the number of sessions in the given status.
func (s *Store) CountSessions(ctx context.Context, status models.SessionStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var metadata string
	var endedAt sql.NullTime
	err := row.Scan(&session.ID, &session.AgentID, &session.Type,
		&session.Status, &session.Title, &session.Model, &session.Temperature,
		&session.MaxTokens, &session.ContextWindow, &session.SystemPrompt,
		&session.MessageCount, &session.TotalTokens, &session.TotalCost,
		&metadata, &session.CreatedAt, &session.UpdatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &session, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var toolCalls sql.NullString
		var latencyMS int64
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.Thinking, &toolCalls, &msg.ToolCallID, &msg.ToolName,
			&msg.Model, &msg.InputTokens, &msg.OutputTokens, &msg.Cost,
			&latencyMS, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Latency = time.Duration(latencyMS) * time.Millisecond
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
