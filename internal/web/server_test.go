package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

type fakeStore struct {
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	agents   map[string]*models.Agent
	jobs     map[string]*models.CronJob
	execs    map[string][]*models.JobExecution
	pingErr  error
}

func newWebStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		agents:   make(map[string]*models.Agent),
		jobs:     make(map[string]*models.CronJob),
		execs:    make(map[string][]*models.JobExecution),
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) CreateSession(_ context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = "sess-new"
	}
	if session.Type == "" {
		session.Type = models.SessionInteractive
	}
	session.Status = models.SessionActive
	session.CreatedAt = time.Now().UTC()
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return session, nil
}

func (f *fakeStore) ListSessions(_ context.Context, filter store.ListSessionsFilter) ([]*models.Session, error) {
	var out []*models.Session
	for _, session := range f.sessions {
		if filter.AgentID != "" && session.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

func (f *fakeStore) EndSession(_ context.Context, id string) error {
	session, ok := f.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	session.Status = models.SessionEnded
	return nil
}

func (f *fakeStore) GetHistory(_ context.Context, sessionID string, _ int) ([]*models.Message, error) {
	return f.messages[sessionID], nil
}

func (f *fakeStore) SearchMessages(_ context.Context, query string, _ int) ([]*models.Message, error) {
	var out []*models.Message
	for _, msgs := range f.messages {
		for _, msg := range msgs {
			if strings.Contains(msg.Content, query) {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CountSessions(context.Context, models.SessionStatus) (int, error) {
	return len(f.sessions), nil
}

func (f *fakeStore) ListAgents(context.Context) ([]*models.Agent, error) {
	var out []*models.Agent
	for _, agent := range f.agents {
		out = append(out, agent)
	}
	return out, nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	agent, ok := f.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	return agent, nil
}

func (f *fakeStore) UpsertAgent(_ context.Context, agent *models.Agent) error {
	f.agents[agent.ID] = agent
	return nil
}

func (f *fakeStore) ListCronJobs(context.Context) ([]*models.CronJob, error) {
	var out []*models.CronJob
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeStore) GetCronJob(_ context.Context, id string) (*models.CronJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) UpsertCronJob(_ context.Context, job *models.CronJob) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) SetCronJobEnabled(_ context.Context, id string, enabled bool) error {
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Enabled = enabled
	return nil
}

func (f *fakeStore) ListExecutions(_ context.Context, jobID string, _ int) ([]*models.JobExecution, error) {
	return f.execs[jobID], nil
}

type fakeEngine struct {
	resp *chat.ChatResponse
	err  error
}

func (f *fakeEngine) SendMessage(_ context.Context, sessionID, content string, _ chat.SendOptions) (*chat.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.SessionID = sessionID
	return &resp, nil
}

type fakeScheduler struct {
	reloads int
	runs    []string
}

func (f *fakeScheduler) Reload(context.Context) error { f.reloads++; return nil }
func (f *fakeScheduler) RunNow(_ context.Context, jobID string) error {
	f.runs = append(f.runs, jobID)
	return nil
}

func newTestServer(st *fakeStore, engine Engine, sched Scheduler) *Server {
	return NewServer(":0", st, engine, sched, nil, nil)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return v
}

func TestCreateSession(t *testing.T) {
	st := newWebStore()
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/sessions", map[string]any{
		"agent_id": "main",
		"title":    "research",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	session := decodeBody[models.Session](t, rec)
	if session.AgentID != "main" || session.Status != models.SessionActive {
		t.Errorf("session = %+v", session)
	}
	if _, ok := st.sessions[session.ID]; !ok {
		t.Error("session not persisted")
	}
}

func TestCreateSessionRequiresAgent(t *testing.T) {
	s := newTestServer(newWebStore(), &fakeEngine{}, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/sessions", map[string]any{"title": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[errorResponse](t, rec)
	if !strings.Contains(body.Detail, "agent_id") {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestGetSessionWithMessages(t *testing.T) {
	st := newWebStore()
	st.sessions["s1"] = &models.Session{ID: "s1", AgentID: "main", Status: models.SessionActive}
	st.messages["s1"] = []*models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hi"},
		{ID: "m2", Role: models.RoleAssistant, Content: "hello"},
	}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	detail := decodeBody[sessionDetailResponse](t, rec)
	if detail.Session.ID != "s1" || len(detail.Messages) != 2 {
		t.Errorf("detail = %+v", detail)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEndSession(t *testing.T) {
	st := newWebStore()
	st.sessions["s1"] = &models.Session{ID: "s1", Status: models.SessionActive}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodDelete, "/api/sessions/s1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if st.sessions["s1"].Status != models.SessionEnded {
		t.Error("session not ended")
	}
}

func TestSendMessage(t *testing.T) {
	st := newWebStore()
	st.sessions["s1"] = &models.Session{ID: "s1", Status: models.SessionActive}
	engine := &fakeEngine{resp: &chat.ChatResponse{
		MessageID:    "m9",
		Content:      "answer",
		FinishReason: "stop",
		InputTokens:  7,
		OutputTokens: 3,
	}}
	s := newTestServer(st, engine, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/sessions/s1/messages",
		map[string]any{"content": "question"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chat.ChatResponse](t, rec)
	if resp.Content != "answer" || resp.SessionID != "s1" {
		t.Errorf("resp = %+v", resp)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/sessions/s1/messages", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for empty content", rec.Code)
	}
}

func TestSendMessageUpstreamFailure(t *testing.T) {
	st := newWebStore()
	engine := &fakeEngine{err: &llm.Error{
		Kind:  llm.KindExhausted,
		Alias: "primary",
		Err:   errors.New("every fallback failed"),
	}}
	s := newTestServer(st, engine, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/sessions/s1/messages",
		map[string]any{"content": "q"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[errorResponse](t, rec)
	if body.Detail == "" {
		t.Error("empty detail")
	}
}

func TestExportJSONLRoundTrip(t *testing.T) {
	st := newWebStore()
	st.sessions["s1"] = &models.Session{
		ID: "s1", AgentID: "main", Type: models.SessionInteractive,
		Title: "greetings", MessageCount: 2,
	}
	st.messages["s1"] = []*models.Message{
		{Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()},
		{Role: models.RoleAssistant, Content: "hello", Model: "primary",
			InputTokens: 4, OutputTokens: 2, Cost: 0.001, CreatedAt: time.Now()},
	}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/s1/export?format=jsonl", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	scanner := bufio.NewScanner(rec.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d", len(lines))
	}

	var header jsonlHeader
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
		t.Fatal(err)
	}
	if header.SessionID != "s1" || header.Title != "greetings" {
		t.Errorf("header = %+v", header)
	}
	var second jsonlMessage
	if err := json.Unmarshal([]byte(lines[2]), &second); err != nil {
		t.Fatal(err)
	}
	if second.Role != "assistant" || second.TokensInput != 4 {
		t.Errorf("message = %+v", second)
	}
}

func TestExportMarkdown(t *testing.T) {
	st := newWebStore()
	st.sessions["s1"] = &models.Session{ID: "s1", AgentID: "main", Title: "greetings"}
	st.messages["s1"] = []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleTool, ToolName: "fs__read", Content: `{"ok":true}`},
	}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/s1/export?format=markdown", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"# greetings", "## User", "## Tool: fs__read", "```\n{\"ok\":true}\n```"} {
		if !strings.Contains(body, want) {
			t.Errorf("markdown missing %q:\n%s", want, body)
		}
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions/s1/export?format=xml", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for unknown format", rec.Code)
	}
}

func TestSearchMessages(t *testing.T) {
	st := newWebStore()
	st.messages["s1"] = []*models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "deploy the canary"},
		{ID: "m2", Role: models.RoleAssistant, Content: "done"},
	}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/messages/search?q=canary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	result := decodeBody[map[string][]*models.Message](t, rec)
	if len(result["messages"]) != 1 || result["messages"][0].ID != "m1" {
		t.Errorf("result = %+v", result)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/messages/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for missing query", rec.Code)
	}
}

func TestPatchAgent(t *testing.T) {
	st := newWebStore()
	st.agents["main"] = &models.Agent{ID: "main", Name: "Main", Model: "primary"}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodPatch, "/api/agents/main",
		map[string]any{"model": "backup", "system_prompt": "be brief"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	agent := decodeBody[models.Agent](t, rec)
	if agent.Model != "backup" || agent.SystemPrompt != "be brief" {
		t.Errorf("agent = %+v", agent)
	}
	// Untouched fields survive a partial patch.
	if agent.Name != "Main" {
		t.Errorf("name = %q", agent.Name)
	}
}

func TestCronEndpoints(t *testing.T) {
	st := newWebStore()
	st.jobs["daily"] = &models.CronJob{ID: "daily", Schedule: "5m", Enabled: true}
	st.execs["daily"] = []*models.JobExecution{
		{ID: "e1", JobID: "daily", Status: models.ExecutionSuccess},
	}
	sched := &fakeScheduler{}
	s := newTestServer(st, &fakeEngine{}, sched)

	rec := doRequest(t, s, http.MethodPost, "/api/cron/jobs/daily/disable", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if st.jobs["daily"].Enabled {
		t.Error("job still enabled")
	}
	if sched.reloads != 1 {
		t.Errorf("reloads = %d", sched.reloads)
	}

	rec = doRequest(t, s, http.MethodPatch, "/api/cron/jobs/daily",
		map[string]any{"schedule": "1h", "retry_count": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if st.jobs["daily"].Schedule != "1h" || st.jobs["daily"].RetryCount != 3 {
		t.Errorf("job = %+v", st.jobs["daily"])
	}

	rec = doRequest(t, s, http.MethodGet, "/api/cron/jobs/daily/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	history := decodeBody[map[string][]*models.JobExecution](t, rec)
	if len(history["executions"]) != 1 {
		t.Errorf("history = %+v", history)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/cron/jobs/daily/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(sched.runs) != 1 || sched.runs[0] != "daily" {
		t.Errorf("runs = %v", sched.runs)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/cron/jobs/ghost/enable", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRequestMetricsRecorded(t *testing.T) {
	st := newWebStore()
	s := newTestServer(st, &fakeEngine{}, nil)

	counter := observability.HTTPRequests.WithLabelValues(http.MethodGet, "200")
	before := testutil.ToFloat64(counter)

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("request counter = %v, want %v", got, before+1)
	}
}

func TestHealth(t *testing.T) {
	st := newWebStore()
	st.sessions["s1"] = &models.Session{ID: "s1", Status: models.SessionActive}
	st.agents["main"] = &models.Agent{ID: "main"}
	s := newTestServer(st, &fakeEngine{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	health := decodeBody[healthResponse](t, rec)
	if health.Status != "ok" || health.Database != "ok" {
		t.Errorf("health = %+v", health)
	}
	if health.Sessions != 1 || health.Agents != 1 {
		t.Errorf("health = %+v", health)
	}

	st.pingErr = errors.New("disk full")
	rec = doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}
