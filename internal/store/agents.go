package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

const agentColumns = `id, name, model, system_prompt, focus, status,
	pheromone, failure_count, last_active_at, session_id, current_task,
	created_at, updated_at`

// UpsertAgent inserts or updates an agent's identity fields. Runtime state
// (status, pheromone, failure count) is preserved on update; a fresh insert
// starts idle with a neutral 0.5 score.
func (s *Store) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	now := s.now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = models.AgentIdle
	}
	if agent.Pheromone == 0 {
		agent.Pheromone = 0.5
	}

	start := s.now()
	defer s.observe("insert", "agents", start)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, model, system_prompt, focus, status,
			pheromone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			focus = excluded.focus,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Model, agent.SystemPrompt, agent.Focus,
		agent.Status, agent.Pheromone, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	start := s.now()
	defer s.observe("select", "agents", start)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	start := s.now()
	defer s.observe("select", "agents", start)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// SaveAgentState persists the pool-owned runtime fields of an agent.
func (s *Store) SaveAgentState(ctx context.Context, agent *models.Agent) error {
	start := s.now()
	defer s.observe("update", "agents", start)
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, pheromone = ?, failure_count = ?,
			last_active_at = ?, session_id = ?, current_task = ?, updated_at = ?
		WHERE id = ?`,
		agent.Status, agent.Pheromone, agent.FailureCount,
		nullableTime(agent.LastActiveAt), agent.SessionID, agent.CurrentTask,
		s.now().UTC(), agent.ID)
	if err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// RecordPheromoneObservation appends one score observation for later
// analysis.
func (s *Store) RecordPheromoneObservation(ctx context.Context, agentID, task string, success bool, score float64) error {
	start := s.now()
	defer s.observe("insert", "pheromone_observations", start)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pheromone_observations (id, agent_id, task, success, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), agentID, task, success, score, s.now().UTC())
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	return nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var lastActive sql.NullTime
	err := row.Scan(&agent.ID, &agent.Name, &agent.Model, &agent.SystemPrompt,
		&agent.Focus, &agent.Status, &agent.Pheromone, &agent.FailureCount,
		&lastActive, &agent.SessionID, &agent.CurrentTask,
		&agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if lastActive.Valid {
		agent.LastActiveAt = lastActive.Time
	}
	return &agent, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
