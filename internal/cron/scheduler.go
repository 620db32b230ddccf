package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/config"
	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// retryBaseDelay and retryMaxDelay bound the retry backoff: 1s, 2s, 4s.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 4 * time.Second
	pruneInterval  = time.Hour
)

// ErrJobRunning is returned by RunNow when the job's previous run has not
// finished.
var ErrJobRunning = errors.New("job already running")

// Engine executes a job payload in a session. *chat.Engine implements it.
type Engine interface {
	SendMessage(ctx context.Context, sessionID, content string, opts chat.SendOptions) (*chat.ChatResponse, error)
}

// Store is the persistence surface the scheduler uses.
type Store interface {
	ListCronJobs(ctx context.Context) ([]*models.CronJob, error)
	GetCronJob(ctx context.Context, id string) (*models.CronJob, error)
	UpsertCronJob(ctx context.Context, job *models.CronJob) error
	RecordExecution(ctx context.Context, exec *models.JobExecution) error
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetOrCreateSession(ctx context.Context, agentID string, typ models.SessionType) (*models.Session, error)
}

// entry is one scheduled job with its parsed schedule and next fire time.
type entry struct {
	job      *models.CronJob
	schedule robfig.Schedule
	next     time.Time
}

// Scheduler fires jobs from the job table. The table is the source of
// truth; Reload rebuilds the in-memory entries from it.
type Scheduler struct {
	store  Store
	engine Engine
	cfg    config.CronConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	running map[string]bool
	// sharedSessions caches the session per (agent, job) pair for jobs in
	// shared mode.
	sharedSessions map[string]string

	wg        sync.WaitGroup
	stop      chan struct{}
	loopDone  chan struct{}
	lastPrune time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(st Store, engine Engine, cfg config.CronConfig, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 30 * 24 * time.Hour
	}
	s := &Scheduler{
		store:          st,
		engine:         engine,
		cfg:            cfg,
		logger:         slog.Default().With("component", "cron"),
		now:            time.Now,
		entries:        make(map[string]*entry),
		running:        make(map[string]bool),
		sharedSessions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the job table and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop()
	return nil
}

// Stop halts the tick loop and waits for in-flight runs to finish or the
// context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.stop != nil {
		close(s.stop)
		<-s.loopDone
		s.stop = nil
	}
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain jobs: %w", ctx.Err())
	}
}

// Reload rebuilds the schedule entries from the job table. Jobs with
// unparsable schedules are kept visible but never fire.
func (s *Scheduler) Reload(ctx context.Context) error {
	jobs, err := s.store.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("reload jobs: %w", err)
	}

	now := s.now()
	entries := make(map[string]*entry, len(jobs))
	enabled := 0
	for _, job := range jobs {
		e := &entry{job: job}
		sched, err := ParseSchedule(job.Schedule)
		if err != nil {
			s.logger.Warn("job schedule unparsable", "job", job.ID, "schedule", job.Schedule, "error", err)
		} else {
			e.schedule = sched
			e.next = sched.Next(now)
		}
		if job.Enabled {
			enabled++
		}
		entries[job.ID] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	observability.CronJobs.WithLabelValues("enabled").Set(float64(enabled))
	observability.CronJobs.WithLabelValues("disabled").Set(float64(len(jobs) - enabled))
	s.logger.Info("jobs loaded", "total", len(jobs), "enabled", enabled)
	return nil
}

// Jobs returns the scheduler's current view with next fire times.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.next
	}
	return out
}

// RunNow fires a job immediately, outside its schedule. The single-flight
// guard still applies.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) error {
	job, err := s.store.GetCronJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !s.tryAcquire(jobID) {
		return ErrJobRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(jobID)
		s.runJob(context.WithoutCancel(ctx), job)
	}()
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every due entry and runs the hourly history prune.
func (s *Scheduler) tick() {
	now := s.now()

	s.mu.Lock()
	var due []*models.CronJob
	for _, e := range s.entries {
		if e.schedule == nil || !e.job.Enabled {
			continue
		}
		if !e.next.IsZero() && !now.Before(e.next) {
			due = append(due, e.job)
			e.next = e.schedule.Next(now)
		}
	}
	prune := now.Sub(s.lastPrune) >= pruneInterval
	if prune {
		s.lastPrune = now
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(job)
	}
	if prune {
		s.pruneHistory()
	}
}

// fire starts one run unless the previous run of the same job is still in
// flight; overlapping fires are dropped and recorded.
func (s *Scheduler) fire(job *models.CronJob) {
	if !s.tryAcquire(job.ID) {
		s.logger.Warn("fire dropped, previous run still in flight", "job", job.ID)
		observability.CronExecutions.WithLabelValues(job.ID, string(models.ExecutionDropped)).Inc()
		now := s.now()
		s.recordExecution(&models.JobExecution{
			JobID:      job.ID,
			Status:     models.ExecutionDropped,
			StartedAt:  now,
			FinishedAt: now,
			Error:      "previous run still in flight",
		})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(job.ID)
		s.runJob(context.Background(), job)
	}()
}

// runJob executes one run with retries and writes exactly one history row.
func (s *Scheduler) runJob(ctx context.Context, job *models.CronJob) {
	started := s.now()
	exec := &models.JobExecution{JobID: job.ID, StartedAt: started}

	session, err := s.resolveSession(ctx, job)
	if err != nil {
		exec.Status = models.ExecutionError
		exec.Error = fmt.Sprintf("resolve session: %v", err)
		s.finishRun(exec)
		return
	}

	runCtx := ctx
	if job.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.MaxDuration)*time.Second)
		defer cancel()
	}

	var resp *chat.ChatResponse
	for attempt := 0; ; attempt++ {
		resp, err = s.engine.SendMessage(runCtx, session.ID, job.Payload, chat.SendOptions{EnableTools: true})
		if err == nil {
			break
		}
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil {
			exec.Status = models.ExecutionTimeout
			exec.Error = err.Error()
			s.finishRun(exec)
			return
		}
		if attempt >= job.RetryCount {
			exec.Status = models.ExecutionError
			exec.Error = err.Error()
			s.finishRun(exec)
			return
		}
		delay := retryBaseDelay << attempt
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		s.logger.Warn("run failed, retrying",
			"job", job.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-runCtx.Done():
			exec.Status = models.ExecutionTimeout
			exec.Error = runCtx.Err().Error()
			s.finishRun(exec)
			return
		case <-time.After(delay):
		}
	}

	exec.Status = models.ExecutionSuccess
	exec.Result = resp.Content
	s.finishRun(exec)
}

func (s *Scheduler) finishRun(exec *models.JobExecution) {
	exec.FinishedAt = s.now()
	exec.Duration = exec.FinishedAt.Sub(exec.StartedAt)
	s.recordExecution(exec)
	observability.CronExecutions.WithLabelValues(exec.JobID, string(exec.Status)).Inc()
	observability.CronExecutionDuration.WithLabelValues(exec.JobID).Observe(exec.Duration.Seconds())
	if exec.Status == models.ExecutionSuccess {
		s.logger.Info("run finished", "job", exec.JobID, "duration", exec.Duration)
	} else {
		s.logger.Warn("run failed", "job", exec.JobID, "status", exec.Status, "error", exec.Error)
	}
}

func (s *Scheduler) recordExecution(exec *models.JobExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		s.logger.Error("record execution failed", "job", exec.JobID, "error", err)
	}
}

// resolveSession picks the run's session by the job's mode.
func (s *Scheduler) resolveSession(ctx context.Context, job *models.CronJob) (*models.Session, error) {
	switch job.SessionMode {
	case models.SessionModePersistent:
		return s.store.GetOrCreateSession(ctx, job.AgentID, models.SessionCron)

	case models.SessionModeShared:
		key := job.AgentID + "|" + job.ID
		s.mu.Lock()
		id := s.sharedSessions[key]
		s.mu.Unlock()
		if id != "" {
			session, err := s.store.GetSession(ctx, id)
			if err == nil && !session.Ended() {
				return session, nil
			}
		}
		session := &models.Session{
			AgentID:  job.AgentID,
			Type:     models.SessionCron,
			Metadata: map[string]any{"job_id": job.ID},
		}
		if err := s.store.CreateSession(ctx, session); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sharedSessions[key] = session.ID
		s.mu.Unlock()
		return session, nil

	default: // isolated
		session := &models.Session{
			AgentID:  job.AgentID,
			Type:     models.SessionCron,
			Metadata: map[string]any{"job_id": job.ID},
		}
		if err := s.store.CreateSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
}

func (s *Scheduler) pruneHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := s.now().Add(-s.cfg.HistoryRetention)
	n, err := s.store.PruneExecutions(ctx, cutoff)
	if err != nil {
		s.logger.Error("history prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("history pruned", "rows", n)
	}
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[jobID] {
		return false
	}
	s.running[jobID] = true
	return true
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}
