package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/config"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.CronJob
	execs    []*models.JobExecution
	sessions map[string]*models.Session
	created  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*models.CronJob),
		sessions: make(map[string]*models.Session),
	}
}

func (f *fakeStore) ListCronJobs(context.Context) ([]*models.CronJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.CronJob, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeStore) GetCronJob(_ context.Context, id string) (*models.CronJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) UpsertCronJob(_ context.Context, job *models.CronJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) RecordExecution(_ context.Context, exec *models.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, exec)
	return nil
}

func (f *fakeStore) PruneExecutions(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) CreateSession(_ context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	session.ID = fmt.Sprintf("cron-session-%d", f.created)
	session.Status = models.SessionActive
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return session, nil
}

func (f *fakeStore) GetOrCreateSession(ctx context.Context, agentID string, typ models.SessionType) (*models.Session, error) {
	f.mu.Lock()
	for _, session := range f.sessions {
		if session.AgentID == agentID && session.Type == typ {
			f.mu.Unlock()
			return session, nil
		}
	}
	f.mu.Unlock()
	session := &models.Session{AgentID: agentID, Type: typ}
	return session, f.CreateSession(ctx, session)
}

func (f *fakeStore) executions() []*models.JobExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.JobExecution(nil), f.execs...)
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []string // session ids
	fn    func(ctx context.Context, call int) (*chat.ChatResponse, error)
}

func (f *fakeEngine) SendMessage(ctx context.Context, sessionID, _ string, _ chat.SendOptions) (*chat.ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	call := len(f.calls)
	f.mu.Unlock()
	if f.fn == nil {
		return &chat.ChatResponse{Content: "ok"}, nil
	}
	return f.fn(ctx, call)
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testJob(id, schedule string) *models.CronJob {
	return &models.CronJob{
		ID:          id,
		Schedule:    schedule,
		AgentID:     "main",
		Enabled:     true,
		PayloadType: "prompt",
		Payload:     "do the thing",
		SessionMode: models.SessionModeIsolated,
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"5m", "1h", "90m", "0 */5 * * * *", "0 0 9 * * 1-5"}
	for _, expr := range valid {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q) = %v", expr, err)
		}
	}
	invalid := []string{"", "xyz", "0m", "5s", "-5m", "* * * * *"}
	for _, expr := range invalid {
		if _, err := ParseSchedule(expr); !errors.Is(err, ErrBadSchedule) {
			t.Errorf("ParseSchedule(%q) = %v, want ErrBadSchedule", expr, err)
		}
	}
}

func TestIntervalNext(t *testing.T) {
	sched, err := ParseSchedule("5m")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(base)
	if got := next.Sub(base); got != 5*time.Minute {
		t.Errorf("next in %v, want 5m", got)
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	st := newFakeStore()
	st.jobs["every-5m"] = testJob("every-5m", "5m")
	engine := &fakeEngine{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(st, engine, config.CronConfig{}, WithNow(func() time.Time { return now }))

	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.tick()
	if engine.callCount() != 0 {
		t.Fatal("fired before due")
	}

	now = now.Add(5*time.Minute + time.Second)
	s.tick()
	waitFor(t, func() bool { return engine.callCount() == 1 })

	// The next fire time advanced; an immediate second tick stays quiet.
	s.tick()
	time.Sleep(20 * time.Millisecond)
	if engine.callCount() != 1 {
		t.Errorf("calls = %d after quiet tick", engine.callCount())
	}

	waitFor(t, func() bool { return len(st.executions()) == 1 })
	exec := st.executions()[0]
	if exec.Status != models.ExecutionSuccess || exec.JobID != "every-5m" {
		t.Errorf("execution = %+v", exec)
	}
	if exec.FinishedAt.Before(exec.StartedAt) {
		t.Error("finished before started")
	}
}

func TestSingleFlightDropsOverlap(t *testing.T) {
	st := newFakeStore()
	job := testJob("slow", "5m")
	st.jobs["slow"] = job
	release := make(chan struct{})
	engine := &fakeEngine{fn: func(ctx context.Context, _ int) (*chat.ChatResponse, error) {
		<-release
		return &chat.ChatResponse{Content: "ok"}, nil
	}}
	s := New(st, engine, config.CronConfig{})
	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.fire(job)
	waitFor(t, func() bool { return engine.callCount() == 1 })

	// Second fire overlaps the first and is dropped, with a history row.
	s.fire(job)
	waitFor(t, func() bool {
		for _, e := range st.executions() {
			if e.Status == models.ExecutionDropped {
				return true
			}
		}
		return false
	})
	if engine.callCount() != 1 {
		t.Errorf("calls = %d", engine.callCount())
	}

	close(release)
	waitFor(t, func() bool { return len(st.executions()) == 2 })
}

func TestRunJobRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	job := testJob("flaky", "5m")
	job.RetryCount = 2
	engine := &fakeEngine{fn: func(_ context.Context, call int) (*chat.ChatResponse, error) {
		if call == 1 {
			return nil, errors.New("transient")
		}
		return &chat.ChatResponse{Content: "recovered"}, nil
	}}
	s := New(st, engine, config.CronConfig{})

	s.runJob(context.Background(), job)

	if engine.callCount() != 2 {
		t.Errorf("calls = %d", engine.callCount())
	}
	execs := st.executions()
	if len(execs) != 1 {
		t.Fatalf("executions = %d", len(execs))
	}
	if execs[0].Status != models.ExecutionSuccess || execs[0].Result != "recovered" {
		t.Errorf("execution = %+v", execs[0])
	}
}

func TestRunJobRetriesExhausted(t *testing.T) {
	st := newFakeStore()
	job := testJob("broken", "5m")
	job.RetryCount = 1
	engine := &fakeEngine{fn: func(context.Context, int) (*chat.ChatResponse, error) {
		return nil, errors.New("permanent")
	}}
	s := New(st, engine, config.CronConfig{})

	s.runJob(context.Background(), job)

	if engine.callCount() != 2 {
		t.Errorf("calls = %d", engine.callCount())
	}
	execs := st.executions()
	if len(execs) != 1 || execs[0].Status != models.ExecutionError {
		t.Fatalf("executions = %+v", execs)
	}
	if execs[0].Error != "permanent" {
		t.Errorf("error = %q", execs[0].Error)
	}
}

func TestRunJobTimeout(t *testing.T) {
	st := newFakeStore()
	job := testJob("stuck", "5m")
	job.MaxDuration = 1
	job.RetryCount = 5
	engine := &fakeEngine{fn: func(ctx context.Context, _ int) (*chat.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := New(st, engine, config.CronConfig{})

	s.runJob(context.Background(), job)

	execs := st.executions()
	if len(execs) != 1 || execs[0].Status != models.ExecutionTimeout {
		t.Fatalf("executions = %+v", execs)
	}
	// A timeout is terminal; the retry budget does not apply.
	if engine.callCount() != 1 {
		t.Errorf("calls = %d", engine.callCount())
	}
}

func TestSessionModes(t *testing.T) {
	t.Run("isolated", func(t *testing.T) {
		st := newFakeStore()
		job := testJob("iso", "5m")
		engine := &fakeEngine{}
		s := New(st, engine, config.CronConfig{})
		s.runJob(context.Background(), job)
		s.runJob(context.Background(), job)
		if st.created != 2 {
			t.Errorf("created %d sessions, want a fresh one per run", st.created)
		}
	})

	t.Run("shared", func(t *testing.T) {
		st := newFakeStore()
		job := testJob("sh", "5m")
		job.SessionMode = models.SessionModeShared
		engine := &fakeEngine{}
		s := New(st, engine, config.CronConfig{})
		s.runJob(context.Background(), job)
		s.runJob(context.Background(), job)
		if st.created != 1 {
			t.Errorf("created %d sessions, want one shared", st.created)
		}
		if engine.calls[0] != engine.calls[1] {
			t.Errorf("runs used different sessions: %v", engine.calls)
		}
	})

	t.Run("persistent", func(t *testing.T) {
		st := newFakeStore()
		job := testJob("p1", "5m")
		job.SessionMode = models.SessionModePersistent
		other := testJob("p2", "5m")
		other.SessionMode = models.SessionModePersistent
		engine := &fakeEngine{}
		s := New(st, engine, config.CronConfig{})
		s.runJob(context.Background(), job)
		s.runJob(context.Background(), other)
		// Both jobs share the agent's persistent cron session.
		if st.created != 1 {
			t.Errorf("created %d sessions", st.created)
		}
		if engine.calls[0] != engine.calls[1] {
			t.Errorf("runs used different sessions: %v", engine.calls)
		}
	})
}

func TestRunNowSingleFlight(t *testing.T) {
	st := newFakeStore()
	st.jobs["manual"] = testJob("manual", "5m")
	release := make(chan struct{})
	engine := &fakeEngine{fn: func(context.Context, int) (*chat.ChatResponse, error) {
		<-release
		return &chat.ChatResponse{Content: "ok"}, nil
	}}
	s := New(st, engine, config.CronConfig{})

	if err := s.RunNow(context.Background(), "manual"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return engine.callCount() == 1 })

	if err := s.RunNow(context.Background(), "manual"); !errors.Is(err, ErrJobRunning) {
		t.Errorf("err = %v", err)
	}
	if err := s.RunNow(context.Background(), "ghost"); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("err = %v", err)
	}
	close(release)
}

func TestMigrateYAMLIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	content := `jobs:
  - id: morning-report
    schedule: "0 0 9 * * 1-5"
    agent_id: main
    payload: "Summarize overnight activity."
    session_mode: shared
    max_duration_seconds: 300
    retry_count: 2
  - id: heartbeat
    schedule: 5m
    agent_id: main
    payload: "Check in."
    enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	st := newFakeStore()
	s := New(st, &fakeEngine{}, config.CronConfig{})

	for i := 0; i < 2; i++ {
		n, err := s.MigrateYAML(context.Background(), path)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("migrated %d jobs", n)
		}
	}
	if len(st.jobs) != 2 {
		t.Fatalf("jobs = %d", len(st.jobs))
	}
	if job := st.jobs["morning-report"]; job.SessionMode != models.SessionModeShared || job.RetryCount != 2 {
		t.Errorf("job = %+v", job)
	}
	if st.jobs["heartbeat"].Enabled {
		t.Error("heartbeat should be disabled")
	}
}

func TestMigrateYAMLMissingFile(t *testing.T) {
	s := New(newFakeStore(), &fakeEngine{}, config.CronConfig{})
	n, err := s.MigrateYAML(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || n != 0 {
		t.Errorf("n=%d err=%v", n, err)
	}
}

func TestMigrateYAMLBadSchedule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(path, []byte("jobs:\n  - id: bad\n    schedule: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(newFakeStore(), &fakeEngine{}, config.CronConfig{})
	if _, err := s.MigrateYAML(context.Background(), path); !errors.Is(err, ErrBadSchedule) {
		t.Errorf("err = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
