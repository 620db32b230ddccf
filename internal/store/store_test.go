package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, opts...), mock
}

func sessionRows(s *models.Session) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "agent_id", "type", "status", "title", "model", "temperature",
		"max_tokens", "context_window", "system_prompt", "message_count",
		"total_tokens", "total_cost", "metadata", "created_at", "updated_at",
		"ended_at",
	}).AddRow(s.ID, s.AgentID, s.Type, s.Status, s.Title, s.Model,
		s.Temperature, s.MaxTokens, s.ContextWindow, s.SystemPrompt,
		s.MessageCount, s.TotalTokens, s.TotalCost, "{}",
		s.CreatedAt, s.UpdatedAt, s.EndedAt)
}

func TestCreateSessionDefaults(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	session := &models.Session{AgentID: "main"}
	if err := s.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	if session.ID == "" {
		t.Error("id not assigned")
	}
	if session.Type != models.SessionInteractive {
		t.Errorf("type = %q", session.Type)
	}
	if session.ContextWindow != 50 {
		t.Errorf("context window = %d", session.ContextWindow)
	}
	if session.Status != models.SessionActive {
		t.Errorf("status = %q", session.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateSessionConfiguredWindow(t *testing.T) {
	s, mock := newMockStore(t, WithContextWindow(25))
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	session := &models.Session{AgentID: "main"}
	if err := s.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	if session.ContextWindow != 25 {
		t.Errorf("context window = %d, want 25", session.ContextWindow)
	}
}

func TestCreateSessionRateLimited(t *testing.T) {
	s, mock := newMockStore(t, WithCreateRateLimit(2))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.CreateSession(ctx, &models.Session{AgentID: "main"}); err != nil {
			t.Fatal(err)
		}
	}
	err := s.CreateSession(ctx, &models.Session{AgentID: "main"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestCreateSessionRateLimitWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	s, mock := newMockStore(t,
		WithCreateRateLimit(1),
		WithNow(func() time.Time { return now }))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := s.CreateSession(ctx, &models.Session{AgentID: "main"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, &models.Session{AgentID: "main"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	now = now.Add(61 * time.Second)
	if err := s.CreateSession(ctx, &models.Session{AgentID: "main"}); err != nil {
		t.Fatalf("creation after window should pass: %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM sessions WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestGetOrCreateSessionReusesActive(t *testing.T) {
	s, mock := newMockStore(t)
	existing := &models.Session{
		ID: "s1", AgentID: "main", Type: models.SessionCron,
		Status: models.SessionActive, ContextWindow: 50,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	mock.ExpectQuery("SELECT .* FROM sessions").
		WillReturnRows(sessionRows(existing))

	got, err := s.GetOrCreateSession(context.Background(), "main", models.SessionCron)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "s1" {
		t.Errorf("id = %q, want reuse of s1", got.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrCreateSessionCreatesWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.GetOrCreateSession(context.Background(), "main", models.SessionCron)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == "" || got.AgentID != "main" || got.Type != models.SessionCron {
		t.Errorf("session = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteSessionRequiresEnded(t *testing.T) {
	s, mock := newMockStore(t)
	active := &models.Session{
		ID: "s1", AgentID: "main", Type: models.SessionInteractive,
		Status: models.SessionActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	mock.ExpectQuery("SELECT .* FROM sessions WHERE id").
		WillReturnRows(sessionRows(active))

	err := s.DeleteSession(context.Background(), "s1")
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestDeleteSessionEnded(t *testing.T) {
	s, mock := newMockStore(t)
	endedAt := time.Now()
	ended := &models.Session{
		ID: "s1", AgentID: "main", Type: models.SessionInteractive,
		Status: models.SessionEnded, EndedAt: &endedAt,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	mock.ExpectQuery("SELECT .* FROM sessions WHERE id").
		WillReturnRows(sessionRows(ended))
	mock.ExpectExec("DELETE FROM sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAppendMessageTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET updated_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.Message{
		SessionID: "s1",
		Role:      models.RoleAssistant,
		Content:   "hi",
		ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "fs__read", Arguments: json.RawMessage(`{}`)},
		},
	}
	if err := s.AppendMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("message not stamped: %+v", msg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateSessionCounters(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sessions SET").
		WithArgs(2, int64(150), 0.003, sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateSessionCounters(context.Background(), "s1", 2, 150, 0.003)
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.UpdateSessionCounters(context.Background(), "missing", 1, 1, 0)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestGetHistoryChronological(t *testing.T) {
	s, mock := newMockStore(t)
	base := time.Unix(1000, 0).UTC()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "role", "content", "thinking", "tool_calls",
		"tool_call_id", "tool_name", "model", "input_tokens", "output_tokens",
		"cost", "latency_ms", "created_at",
	}).
		AddRow("m3", "s1", "assistant", "third", "", nil, "", "", "", 0, 0, 0.0, 0, base.Add(3*time.Second)).
		AddRow("m2", "s1", "user", "second", "", nil, "", "", "", 0, 0, 0.0, 0, base.Add(2*time.Second))
	mock.ExpectQuery("SELECT .* FROM messages").
		WillReturnRows(rows)

	messages, err := s.GetHistory(context.Background(), "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[0].ID != "m2" || messages[1].ID != "m3" {
		t.Errorf("order = %q, %q; want chronological", messages[0].ID, messages[1].ID)
	}
}

func TestSearchMessages(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "role", "content", "thinking", "tool_calls",
		"tool_call_id", "tool_name", "model", "input_tokens", "output_tokens",
		"cost", "latency_ms", "created_at",
	}).
		AddRow("m1", "s1", "user", "deploy the canary", "", nil, "", "", "", 0, 0, 0.0, 0, time.Unix(1000, 0).UTC())
	mock.ExpectQuery("SELECT .* FROM messages").
		WithArgs("%canary%", 50).
		WillReturnRows(rows)

	messages, err := s.SearchMessages(context.Background(), "canary", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Errorf("messages = %+v", messages)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetHistoryZeroWindow(t *testing.T) {
	s, _ := newMockStore(t)
	messages, err := s.GetHistory(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if messages != nil {
		t.Errorf("got %d messages for zero window", len(messages))
	}
}

func TestCronJobRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO cron_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &models.CronJob{ID: "daily-report", Schedule: "30m", AgentID: "main", Enabled: true}
	if err := s.UpsertCronJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.PayloadType != "prompt" {
		t.Errorf("payload type = %q", job.PayloadType)
	}
	if job.SessionMode != models.SessionModeIsolated {
		t.Errorf("session mode = %q", job.SessionMode)
	}

	mock.ExpectExec("UPDATE cron_jobs SET enabled").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.SetCronJobEnabled(context.Background(), "missing", false); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestPruneExecutions(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM job_executions").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.PruneExecutions(context.Background(), time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("pruned = %d", n)
	}
}

func TestSaveAgentStateNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE agents SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveAgentState(context.Background(), &models.Agent{ID: "ghost"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}
