// Package chat implements the synchronous message pipeline: resolve session,
// assemble context, drive the gateway tool loop, persist turns in causal
// order, and maintain session counters.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/internal/prompt"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/internal/tools"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// maxToolIterations caps the gateway tool loop per user turn.
const maxToolIterations = 10

// Gateway is the completion surface the engine drives. *llm.Gateway
// implements it; tests substitute fakes.
type Gateway interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, string, error)
	EstimateCost(alias string, inputTokens, outputTokens int) float64
}

// Store is the persistence surface the engine uses.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	UpdateSessionCounters(ctx context.Context, id string, deltaMessages int, deltaTokens int64, deltaCost float64) error
	SetSessionTitle(ctx context.Context, id, title string) error
}

// SendOptions tunes one turn.
type SendOptions struct {
	EnableThinking bool
	EnableTools    bool
}

// ChatResponse summarizes the final turn of one user message.
type ChatResponse struct {
	MessageID    string              `json:"message_id"`
	SessionID    string              `json:"session_id"`
	Content      string              `json:"content"`
	Thinking     string              `json:"thinking,omitempty"`
	ToolCalls    []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []models.ToolResult `json:"tool_results,omitempty"`
	Model        string              `json:"model"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	Cost         float64             `json:"cost"`
	Latency      time.Duration       `json:"latency"`
	FinishReason string              `json:"finish_reason"`
}

// Engine drives the message pipeline.
type Engine struct {
	store     Store
	gateway   Gateway
	registry  *tools.Registry
	executor  *tools.Executor
	assembler *prompt.Assembler
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine's collaborators.
func NewEngine(st Store, gw Gateway, registry *tools.Registry, executor *tools.Executor, assembler *prompt.Assembler, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		gateway:   gw,
		registry:  registry,
		executor:  executor,
		assembler: assembler,
		logger:    slog.Default().With("component", "chat"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// turnState carries the mutable bookkeeping of one user turn.
type turnState struct {
	session      *models.Session
	request      *llm.Request
	messages     []llm.Message
	thinking     strings.Builder
	toolCalls    []models.ToolCall
	toolResults  []models.ToolResult
	inputTokens  int
	outputTokens int
	cost         float64
	persisted    int
	startedAt    time.Time
}

// SendMessage runs one complete user turn and returns the final assistant
// response.
func (e *Engine) SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (*ChatResponse, error) {
	state, err := e.beginTurn(ctx, sessionID, content, opts)
	if err != nil {
		return nil, err
	}

	var final *llm.Response
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		state.request.Messages = state.messages
		resp, err := e.gateway.Complete(ctx, state.request)
		if err != nil {
			e.finishTurn(ctx, state, "", "")
			return nil, fmt.Errorf("gateway: %w", err)
		}
		e.accumulate(state, resp)

		if len(resp.ToolCalls) == 0 || iteration == maxToolIterations-1 {
			// The loop also ends here when the iteration cap lands with the
			// model still requesting tools. Those calls will never execute,
			// so they are dropped: a stored assistant message carries tool
			// calls only when the matching tool results follow it.
			resp.ToolCalls = nil
			final = resp
			break
		}
		if err := e.runToolRound(ctx, state, resp); err != nil {
			e.finishTurn(ctx, state, "", "")
			return nil, err
		}
	}

	messageID, err := e.persistFinal(ctx, state, final)
	if err != nil {
		return nil, err
	}
	e.finishTurn(ctx, state, content, final.Content)

	return &ChatResponse{
		MessageID:    messageID,
		SessionID:    sessionID,
		Content:      final.Content,
		Thinking:     state.thinking.String(),
		ToolCalls:    state.toolCalls,
		ToolResults:  state.toolResults,
		Model:        final.Model,
		InputTokens:  state.inputTokens,
		OutputTokens: state.outputTokens,
		Cost:         state.cost,
		Latency:      e.now().Sub(state.startedAt),
		FinishReason: final.FinishReason,
	}, nil
}

// beginTurn validates the session, persists the user message, and builds
// the outgoing context.
func (e *Engine) beginTurn(ctx context.Context, sessionID, content string, opts SendOptions) (*turnState, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Ended() {
		return nil, store.ErrSessionEnded
	}

	state := &turnState{session: session, startedAt: e.now()}

	// Context window first, so the new user message is not duplicated.
	history, err := e.store.GetHistory(ctx, sessionID, session.ContextWindow)
	if err != nil {
		return nil, err
	}

	// The user message is persisted before the model call so concurrent
	// readers see it immediately.
	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	state.persisted++

	state.messages = toGatewayMessages(history)
	state.messages = append(state.messages, llm.Message{Role: "user", Content: content})

	model := session.Model
	var agentPrompt string
	if agent, err := e.store.GetAgent(ctx, session.AgentID); err == nil {
		agentPrompt = agent.SystemPrompt
		if model == "" {
			model = agent.Model
		}
	}

	assembled := e.assembler.Assemble(prompt.Input{
		AgentID:     session.AgentID,
		AgentPrompt: agentPrompt,
		Tools:       e.toolSpecs(opts),
		Override:    session.SystemPrompt,
	})

	state.request = &llm.Request{
		Model:          model,
		System:         assembled.Prompt,
		Temperature:    session.Temperature,
		MaxTokens:      session.MaxTokens,
		Tools:          e.toolSpecs(opts),
		EnableThinking: opts.EnableThinking,
	}
	return state, nil
}

// runToolRound persists the assistant tool-call turn, executes the calls,
// persists one tool message per result, and extends the running context.
func (e *Engine) runToolRound(ctx context.Context, state *turnState, resp *llm.Response) error {
	assistantMsg := &models.Message{
		ID:           uuid.NewString(),
		SessionID:    state.session.ID,
		Role:         models.RoleAssistant,
		Content:      resp.Content,
		Thinking:     resp.Thinking,
		ToolCalls:    resp.ToolCalls,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         resp.Cost,
	}
	if err := e.store.AppendMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}
	state.persisted++
	state.toolCalls = append(state.toolCalls, resp.ToolCalls...)

	results := e.executor.ExecuteAll(ctx, resp.ToolCalls)
	state.toolResults = append(state.toolResults, results...)

	for _, result := range results {
		toolMsg := &models.Message{
			ID:         uuid.NewString(),
			SessionID:  state.session.ID,
			Role:       models.RoleTool,
			Content:    toolResultBody(result),
			ToolCallID: result.ToolCallID,
			ToolName:   result.Name,
		}
		if err := e.store.AppendMessage(ctx, toolMsg); err != nil {
			return fmt.Errorf("persist tool result: %w", err)
		}
		state.persisted++
	}

	state.messages = append(state.messages, llm.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	state.messages = append(state.messages, llm.Message{
		Role:        "tool",
		ToolResults: results,
	})
	return nil
}

// persistFinal writes the closing assistant message of the turn.
func (e *Engine) persistFinal(ctx context.Context, state *turnState, final *llm.Response) (string, error) {
	msg := &models.Message{
		ID:           uuid.NewString(),
		SessionID:    state.session.ID,
		Role:         models.RoleAssistant,
		Content:      final.Content,
		Thinking:     state.thinking.String(),
		ToolCalls:    final.ToolCalls,
		Model:        final.Model,
		InputTokens:  final.InputTokens,
		OutputTokens: final.OutputTokens,
		Cost:         final.Cost,
		Latency:      e.now().Sub(state.startedAt),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("persist final message: %w", err)
	}
	state.persisted++
	return msg.ID, nil
}

// finishTurn applies counters and the auto-title. It runs even for failed
// turns so already-persisted messages stay counted.
func (e *Engine) finishTurn(ctx context.Context, state *turnState, userContent, _ string) {
	if state.persisted == 0 {
		return
	}
	tokens := int64(state.inputTokens + state.outputTokens)
	if err := e.store.UpdateSessionCounters(ctx, state.session.ID, state.persisted, tokens, state.cost); err != nil {
		e.logger.Error("update counters failed", "session", state.session.ID, "error", err)
	}
	if state.session.Title == "" && userContent != "" {
		if err := e.store.SetSessionTitle(ctx, state.session.ID, DeriveTitle(userContent)); err != nil {
			e.logger.Error("set title failed", "session", state.session.ID, "error", err)
		}
	}
}

func (e *Engine) accumulate(state *turnState, resp *llm.Response) {
	if resp.Thinking != "" {
		if state.thinking.Len() > 0 {
			state.thinking.WriteString("\n\n")
		}
		state.thinking.WriteString(resp.Thinking)
	}
	state.inputTokens += resp.InputTokens
	state.outputTokens += resp.OutputTokens
	state.cost += resp.Cost
}

func (e *Engine) toolSpecs(opts SendOptions) []llm.Tool {
	if !opts.EnableTools || e.registry == nil {
		return nil
	}
	return e.registry.Specs()
}

// toGatewayMessages converts stored history to the outgoing form, keeping
// tool-call metadata and tool_call_id linkage intact.
func toGatewayMessages(history []*models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleTool:
			out = append(out, llm.Message{
				Role: "tool",
				ToolResults: []models.ToolResult{{
					ToolCallID: msg.ToolCallID,
					Name:       msg.ToolName,
					Content:    msg.Content,
					Success:    true,
				}},
			})
		default:
			out = append(out, llm.Message{
				Role:      string(msg.Role),
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls,
			})
		}
	}
	return out
}

// toolResultBody renders a normalized result as the tool message content.
// Failures carry a JSON error body the model can read and recover from.
func toolResultBody(result models.ToolResult) string {
	if result.Success {
		return result.Content
	}
	body, err := json.Marshal(map[string]any{
		"error":   result.Content,
		"success": false,
	})
	if err != nil {
		return result.Content
	}
	return string(body)
}

// DeriveTitle builds a session title from the first user message: first
// line, whitespace collapsed, truncated with an ellipsis.
func DeriveTitle(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.Join(strings.Fields(line), " ")
	if len(line) > models.TitleMaxLen {
		cut := models.TitleMaxLen - 1
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "…"
	}
	return line
}
