// Package models defines the shared data model for the runtime: sessions,
// messages, agents, scheduled jobs, and the tool-call plumbing between them.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// SessionType classifies how a session was created.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionCron        SessionType = "cron"
	SessionAgent       SessionType = "agent"
	SessionRoundtable  SessionType = "roundtable"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// AgentStatus is the runtime state of an agent in the pool.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentError    AgentStatus = "error"
	AgentDisabled AgentStatus = "disabled"
)

// TitleMaxLen is the maximum length of an auto-derived session title.
const TitleMaxLen = 80

// Session represents a conversation owned by one agent.
type Session struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	Type          SessionType   `json:"type"`
	Status        SessionStatus `json:"status"`
	Title         string        `json:"title,omitempty"`
	Model         string        `json:"model,omitempty"` // per-session model override
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens"`
	ContextWindow int           `json:"context_window"` // most-recent messages retained for prompting
	SystemPrompt  string        `json:"system_prompt,omitempty"`

	MessageCount int     `json:"message_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool {
	return s.Status == SessionEnded
}

// Message is a single turn in a session. Messages are append-only: once
// persisted they are never mutated, and they are removed only when their
// session is deleted.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Thinking  string `json:"thinking,omitempty"`

	// ToolCalls holds the structured calls emitted by an assistant turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a role=tool message back to the assistant tool call
	// it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	Model        string        `json:"model,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Cost         float64       `json:"cost,omitempty"`
	Latency      time.Duration `json:"latency,omitempty"`
	Embedding    []float32     `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ToolCall represents a model-emitted request to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the normalized outcome of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// Agent is a persistent identity with routing metadata. Runtime fields
// (Status, Pheromone, FailureCount) are owned exclusively by the agent pool.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Model        string      `json:"model"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Focus        string      `json:"focus,omitempty"`
	Status       AgentStatus `json:"status"`
	Pheromone    float64     `json:"pheromone"` // [0,1], defaults to 0.5
	FailureCount int         `json:"failure_count"`
	LastActiveAt time.Time   `json:"last_active_at,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	CurrentTask  string      `json:"current_task,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// SessionMode controls how a cron job resolves its session.
type SessionMode string

const (
	// SessionModeIsolated creates a fresh session for every run.
	SessionModeIsolated SessionMode = "isolated"
	// SessionModeShared reuses one session per (agent, job) pair.
	SessionModeShared SessionMode = "shared"
	// SessionModePersistent reuses the agent's persistent cron session.
	SessionModePersistent SessionMode = "persistent"
)

// CronJob is a scheduled unit of work persisted in the job table.
type CronJob struct {
	ID          string      `json:"id"`
	Schedule    string      `json:"schedule"` // "Nm"/"Nh" interval or 6-field cron
	AgentID     string      `json:"agent_id"`
	Enabled     bool        `json:"enabled"`
	PayloadType string      `json:"payload_type"` // currently only "prompt"
	Payload     string      `json:"payload"`
	SessionMode SessionMode `json:"session_mode"`
	MaxDuration int         `json:"max_duration_seconds"`
	RetryCount  int         `json:"retry_count"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ExecutionStatus is the terminal outcome of one cron job run.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
	ExecutionTimeout ExecutionStatus = "timeout"
	// ExecutionDropped marks a fire skipped because the previous run of the
	// same job was still in flight.
	ExecutionDropped ExecutionStatus = "dropped"
)

// JobExecution is an append-only history entry for one cron job run.
type JobExecution struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Duration   time.Duration   `json:"duration"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}
