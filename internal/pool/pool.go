// Package pool manages the agent swarm: bounded task execution, pheromone
// scoring for routing, structured spawn groups, and the decay sweep that
// pulls idle scores back toward neutral.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/config"
	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// neutralScore is the pheromone resting point.
const neutralScore = 0.5

// ErrAgentUnknown is returned for tasks addressed to unregistered agents.
var ErrAgentUnknown = errors.New("agent not registered")

// Runner executes one prompt in a session. *chat.Engine implements it.
type Runner interface {
	SendMessage(ctx context.Context, sessionID, content string, opts chat.SendOptions) (*chat.ChatResponse, error)
}

// Store is the persistence surface the pool uses.
type Store interface {
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	SaveAgentState(ctx context.Context, agent *models.Agent) error
	RecordPheromoneObservation(ctx context.Context, agentID, task string, success bool, score float64) error
	CreateSession(ctx context.Context, session *models.Session) error
}

// Task is one unit of work addressed to an agent.
type Task struct {
	AgentID string
	Prompt  string
	// Timeout bounds this task; zero means no per-task bound.
	Timeout time.Duration
	// EnableTools exposes the registry to the agent for this task.
	EnableTools bool
}

// TaskStatus is the terminal outcome of one task.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskTimeout TaskStatus = "timeout"
	TaskError   TaskStatus = "error"
)

// TaskResult is the outcome of one task, in input order for batch calls.
type TaskResult struct {
	AgentID      string        `json:"agent_id"`
	SessionID    string        `json:"session_id,omitempty"`
	Status       TaskStatus    `json:"status"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	Latency      time.Duration `json:"latency"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
}

// Pool coordinates agents. All task execution funnels through one weighted
// semaphore so the concurrency bound holds across Spawn and RunParallel.
type Pool struct {
	store  Store
	runner Runner
	cfg    config.PoolConfig
	logger *slog.Logger
	now    func() time.Time
	sem    *semaphore.Weighted

	mu     sync.Mutex
	agents map[string]*models.Agent

	decayStop chan struct{}
	decayDone chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool. Call Load before dispatching tasks.
func New(st Store, runner Runner, cfg config.PoolConfig, opts ...Option) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ScoreGain <= 0 {
		cfg.ScoreGain = 0.1
	}
	if cfg.DecayFactor <= 0 {
		cfg.DecayFactor = 0.05
	}
	if cfg.Coordinator == "" {
		cfg.Coordinator = "main"
	}
	p := &Pool{
		store:  st,
		runner: runner,
		cfg:    cfg,
		logger: slog.Default().With("component", "pool"),
		now:    time.Now,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		agents: make(map[string]*models.Agent),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load hydrates the in-memory agent view from the store.
func (p *Pool) Load(ctx context.Context) error {
	agents, err := p.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	p.mu.Lock()
	for _, agent := range agents {
		p.agents[agent.ID] = agent
	}
	p.mu.Unlock()
	p.updateGauges()
	p.logger.Info("pool loaded", "agents", len(agents))
	return nil
}

// Register upserts an agent and adds it to the pool.
func (p *Pool) Register(ctx context.Context, agent *models.Agent) error {
	if err := p.store.UpsertAgent(ctx, agent); err != nil {
		return err
	}
	p.mu.Lock()
	if existing, ok := p.agents[agent.ID]; ok {
		existing.Name = agent.Name
		existing.Model = agent.Model
		existing.SystemPrompt = agent.SystemPrompt
		existing.Focus = agent.Focus
	} else {
		p.agents[agent.ID] = agent
	}
	p.mu.Unlock()
	p.updateGauges()
	return nil
}

// Agents returns a snapshot of the pool's agents.
func (p *Pool) Agents() []*models.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		copied := *agent
		out = append(out, &copied)
	}
	return out
}

// Run executes one task to completion, updating the agent's score and
// runtime state.
func (p *Pool) Run(ctx context.Context, task Task) TaskResult {
	start := p.now()
	fail := func(status TaskStatus, err error) TaskResult {
		return TaskResult{
			AgentID: task.AgentID,
			Status:  status,
			Error:   err.Error(),
			Latency: p.now().Sub(start),
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fail(TaskError, err)
	}
	defer p.sem.Release(1)

	agent, ok := p.lookup(task.AgentID)
	if !ok {
		return fail(TaskError, fmt.Errorf("%w: %s", ErrAgentUnknown, task.AgentID))
	}

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	session := &models.Session{
		AgentID: agent.ID,
		Type:    models.SessionAgent,
		Model:   agent.Model,
	}
	if err := p.store.CreateSession(ctx, session); err != nil {
		return fail(TaskError, fmt.Errorf("create task session: %w", err))
	}

	p.setBusy(ctx, agent.ID, session.ID, task.Prompt)
	resp, err := p.runner.SendMessage(runCtx, session.ID, task.Prompt, chat.SendOptions{
		EnableTools: task.EnableTools,
	})

	result := TaskResult{
		AgentID:   agent.ID,
		SessionID: session.ID,
		Latency:   p.now().Sub(start),
	}
	switch {
	case err == nil:
		result.Status = TaskSuccess
		result.Output = resp.Content
		result.InputTokens = resp.InputTokens
		result.OutputTokens = resp.OutputTokens
		result.Cost = resp.Cost
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = TaskTimeout
		result.Error = err.Error()
	default:
		result.Status = TaskError
		result.Error = err.Error()
	}

	p.settle(ctx, agent.ID, task.Prompt, result.Status == TaskSuccess)
	return result
}

// Spawn runs a group of tasks as one structured unit: the first failure
// cancels the siblings that have not finished. Results stay in input order;
// canceled siblings report their cancellation.
func (p *Pool) Spawn(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	results := make([]TaskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = p.Run(gctx, task)
			if results[i].Status != TaskSuccess {
				return fmt.Errorf("agent %s: %s", task.AgentID, results[i].Error)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// RunParallel runs tasks tolerantly: every task runs to its own outcome and
// the batch never fails as a whole.
func (p *Pool) RunParallel(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Run(ctx, task)
		}()
	}
	wg.Wait()
	return results
}

// RouteToBest picks the available agent with the highest pheromone score.
// With no available agents it falls back to the coordinator.
func (p *Pool) RouteToBest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := ""
	bestScore := -1.0
	for id, agent := range p.agents {
		if agent.Status != models.AgentIdle && agent.Status != models.AgentBusy {
			continue
		}
		if agent.Pheromone > bestScore || (agent.Pheromone == bestScore && id < best) {
			best = id
			bestScore = agent.Pheromone
		}
	}
	if best == "" {
		return p.cfg.Coordinator
	}
	return best
}

// StartDecay begins the periodic sweep that relaxes every score toward
// neutral.
func (p *Pool) StartDecay() {
	if p.decayStop != nil {
		return
	}
	interval := p.cfg.DecayInterval
	if interval <= 0 {
		interval = time.Minute
	}
	p.decayStop = make(chan struct{})
	p.decayDone = make(chan struct{})
	go func() {
		defer close(p.decayDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.decayStop:
				return
			case <-ticker.C:
				p.DecaySweep(context.Background())
			}
		}
	}()
}

// DecaySweep moves every agent's score one decay step toward neutral and
// persists the change.
func (p *Pool) DecaySweep(ctx context.Context) {
	p.mu.Lock()
	agents := make([]*models.Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		agent.Pheromone += p.cfg.DecayFactor * (neutralScore - agent.Pheromone)
		copied := *agent
		agents = append(agents, &copied)
	}
	p.mu.Unlock()

	for _, agent := range agents {
		if err := p.store.SaveAgentState(ctx, agent); err != nil {
			p.logger.Warn("decay persist failed", "agent", agent.ID, "error", err)
		}
	}
}

// Shutdown stops the decay loop and waits for in-flight tasks to drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.decayStop != nil {
		close(p.decayStop)
		<-p.decayDone
		p.decayStop = nil
	}
	// Draining means holding every permit at once.
	if err := p.sem.Acquire(ctx, int64(p.cfg.MaxConcurrent)); err != nil {
		return fmt.Errorf("drain tasks: %w", err)
	}
	p.sem.Release(int64(p.cfg.MaxConcurrent))
	return nil
}

func (p *Pool) lookup(id string) (*models.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.agents[id]
	return agent, ok
}

// setBusy flips the agent into its working state and persists it.
func (p *Pool) setBusy(ctx context.Context, agentID, sessionID, task string) {
	p.mu.Lock()
	agent, ok := p.agents[agentID]
	if ok {
		agent.Status = models.AgentBusy
		agent.SessionID = sessionID
		agent.CurrentTask = task
		agent.LastActiveAt = p.now().UTC()
	}
	var copied models.Agent
	if ok {
		copied = *agent
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.updateGauges()
	if err := p.store.SaveAgentState(ctx, &copied); err != nil {
		p.logger.Warn("save agent state failed", "agent", agentID, "error", err)
	}
}

// settle returns the agent to idle, applies the score update, and records
// the observation.
func (p *Pool) settle(ctx context.Context, agentID, task string, success bool) {
	p.mu.Lock()
	agent, ok := p.agents[agentID]
	var copied models.Agent
	if ok {
		if success {
			agent.Pheromone += p.cfg.ScoreGain * (1 - agent.Pheromone)
			agent.FailureCount = 0
		} else {
			agent.Pheromone -= p.cfg.ScoreGain * agent.Pheromone
			agent.FailureCount++
		}
		agent.Status = models.AgentIdle
		agent.CurrentTask = ""
		agent.LastActiveAt = p.now().UTC()
		copied = *agent
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.updateGauges()
	if err := p.store.SaveAgentState(ctx, &copied); err != nil {
		p.logger.Warn("save agent state failed", "agent", agentID, "error", err)
	}
	if err := p.store.RecordPheromoneObservation(ctx, agentID, task, success, copied.Pheromone); err != nil {
		p.logger.Warn("record observation failed", "agent", agentID, "error", err)
	}
}

func (p *Pool) updateGauges() {
	counts := map[models.AgentStatus]int{
		models.AgentIdle: 0, models.AgentBusy: 0,
		models.AgentError: 0, models.AgentDisabled: 0,
	}
	p.mu.Lock()
	for _, agent := range p.agents {
		counts[agent.Status]++
	}
	p.mu.Unlock()
	for status, n := range counts {
		observability.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
