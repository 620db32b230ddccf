// Package providers contains the concrete llm.Provider adapters. The OpenAI
// adapter also serves every OpenAI-compatible endpoint (Qwen, DeepSeek) via a
// custom base URL.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// OpenAIProvider implements llm.Provider on the OpenAI chat completion API.
//
// Family-specific behavior:
//   - Qwen models take `enable_thinking` through chat template kwargs and may
//     embed reasoning in <think> blocks, which the gateway strips.
//   - DeepSeek reasoner models return reasoning in the `reasoning_content`
//     delta field, forwarded here as Thinking chunks.
//
// Tool calls stream incrementally and are accumulated by index before being
// emitted as complete llm.Chunk tool calls.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates an adapter for an OpenAI-compatible endpoint.
// An empty baseURL targets api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete starts a streaming chat completion and returns the chunk channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	// Qwen-style endpoints switch thinking through the chat template.
	// DeepSeek reasoner models think unconditionally, so no kwarg is needed.
	if strings.HasPrefix(req.Family, "qwen") {
		chatReq.ChatTemplateKwargs = map[string]any{
			"enable_thinking": req.EnableThinking,
		}
	}

	stream, err := p.createStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// createStream opens the SSE stream with linear-backoff retries on
// transient errors.
func (p *OpenAIProvider) createStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			return stream, nil
		}
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// processStream converts SSE deltas into llm.Chunk values. Tool calls stream
// as fragments keyed by index and are emitted only once complete.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	order := make([]int, 0, 4)
	var inputTokens, outputTokens int
	finishReason := ""

	flushToolCalls := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc.ID != "" && tc.Name != "" {
				chunks <- &llm.Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &llm.Chunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- &llm.Chunk{
					Done:         true,
					FinishReason: finishReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &llm.Chunk{Error: err, Done: true}
			return
		}

		// The usage frame arrives with empty choices when IncludeUsage is set.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &llm.Chunk{Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			chunks <- &llm.Chunk{Thinking: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			acc := toolCalls[index]
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.Arguments = append(acc.Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flushToolCalls()
				chunks <- &llm.Chunk{FinishReason: finishReason}
			}
		}
	}
}

// convertOpenAIMessages maps gateway messages to the wire format. The system
// prompt becomes the leading message; each tool result becomes its own
// role "tool" message linked by tool_call_id.
func convertOpenAIMessages(messages []llm.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "tool" {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertOpenAITools(tools []llm.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			// A bad schema degrades to an empty object so the remaining
			// tools still work.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// isRetryable classifies transient endpoint failures worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
