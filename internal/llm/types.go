// Package llm provides a provider-agnostic gateway over heterogeneous chat
// completion backends. The gateway resolves model aliases through the
// catalogue, activates thinking where the model family supports it, guards
// each alias with a circuit breaker, and walks an ordered fallback chain on
// hard provider errors.
package llm

import (
	"context"
	"encoding/json"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

// Message is one turn of provider-bound conversation context.
type Message struct {
	Role    string
	Content string
	// Thinking carries reasoning text from a previous assistant turn. It is
	// never sent back to providers; it rides along for accounting only.
	Thinking string

	// ToolCalls holds structured calls emitted by an assistant turn.
	ToolCalls []models.ToolCall
	// ToolResults holds results for a role "tool" turn.
	ToolResults []models.ToolResult
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters json.RawMessage
}

// Request is a completion request addressed to a model alias.
type Request struct {
	// Model is the catalogue alias. The gateway rewrites it to the
	// provider-specific identifier before dispatch.
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int

	// EnableThinking and ThinkingBudget are set by the gateway from the
	// catalogue entry; callers normally leave them zero.
	EnableThinking bool
	ThinkingBudget int
	// Family is the model lineage, set by the gateway from the catalogue.
	Family string
}

// Chunk is one streaming event from a provider.
type Chunk struct {
	Text     string
	Thinking string
	// ThinkingStart / ThinkingEnd bracket a native thinking block.
	ThinkingStart bool
	ThinkingEnd   bool

	// ToolCall is a complete, accumulated tool call.
	ToolCall *models.ToolCall
	// FinishReason is set on the terminal content chunk when the provider
	// reports one ("stop", "tool_calls", "length").
	FinishReason string

	Done         bool
	InputTokens  int
	OutputTokens int
	Error        error
}

// Response is a fully accumulated completion.
type Response struct {
	Content      string
	Thinking     string
	ToolCalls    []models.ToolCall
	FinishReason string
	// Model is the alias that actually served the request, which differs
	// from the requested alias after a fallback.
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Provider is a single chat completion backend. Complete returns immediately
// with a channel of chunks; the channel is closed after the Done or Error
// chunk. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}
