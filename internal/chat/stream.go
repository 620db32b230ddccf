package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// Sink receives incremental events during a streamed turn. A send error
// marks the sink dead: the engine stops delivering events but continues
// the turn and its persistence.
type Sink interface {
	SendThinking(delta string) error
	SendToken(delta string) error
	SendToolCall(call models.ToolCall) error
	SendToolResult(result models.ToolResult) error
	SendUsage(inputTokens, outputTokens int, cost float64) error
}

// streamTurn is the accumulated outcome of one streamed model call.
type streamTurn struct {
	content      string
	thinking     string
	finishReason string
	inputTokens  int
	outputTokens int
	sawToolCall  bool
	alias        string
}

// StreamMessage runs one user turn, forwarding deltas to the sink as they
// arrive. Tool rounds are resolved with a non-streaming completion so the
// executed calls are canonical. The returned response matches what
// SendMessage would have produced for the same turn.
func (e *Engine) StreamMessage(ctx context.Context, sessionID, content string, opts SendOptions, sink Sink) (*ChatResponse, error) {
	state, err := e.beginTurn(ctx, sessionID, content, opts)
	if err != nil {
		return nil, err
	}
	sinkAlive := true

	var final *llm.Response
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		state.request.Messages = state.messages
		turn, err := e.streamOnce(ctx, state, sink, &sinkAlive)
		if err != nil {
			e.persistPartial(ctx, state, turn)
			e.finishTurn(ctx, state, "", "")
			return nil, err
		}

		if (turn.finishReason == "tool_calls" || turn.sawToolCall) && iteration < maxToolIterations-1 {
			resp, err := e.gateway.Complete(ctx, state.request)
			if err != nil {
				e.persistPartial(ctx, state, turn)
				e.finishTurn(ctx, state, "", "")
				return nil, fmt.Errorf("resolve tool calls: %w", err)
			}
			e.accumulate(state, resp)
			if len(resp.ToolCalls) == 0 {
				final = resp
				break
			}
			if sinkAlive {
				for _, call := range resp.ToolCalls {
					if sink.SendToolCall(call) != nil {
						sinkAlive = false
						break
					}
				}
			}
			before := len(state.toolResults)
			if err := e.runToolRound(ctx, state, resp); err != nil {
				e.finishTurn(ctx, state, "", "")
				return nil, err
			}
			if sinkAlive {
				for _, result := range state.toolResults[before:] {
					if sink.SendToolResult(result) != nil {
						sinkAlive = false
						break
					}
				}
			}
			continue
		}

		final = e.turnResponse(state, turn)
		e.accumulate(state, final)
		break
	}

	messageID, err := e.persistFinal(ctx, state, final)
	if err != nil {
		return nil, err
	}
	e.finishTurn(ctx, state, content, final.Content)

	if sinkAlive {
		if sink.SendUsage(state.inputTokens, state.outputTokens, state.cost) != nil {
			sinkAlive = false
		}
	}

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

// streamOnce consumes one model stream, forwarding deltas while the sink
// stays alive. The partial accumulator is returned alongside errors so the
// caller can persist what arrived.
func (e *Engine) streamOnce(ctx context.Context, state *turnState, sink Sink, sinkAlive *bool) (*streamTurn, error) {
	chunks, alias, err := e.gateway.Stream(ctx, state.request)
	if err != nil {
		return &streamTurn{alias: alias}, err
	}

	turn := &streamTurn{alias: alias}
	var content, thinking string
	for chunk := range chunks {
		if chunk.Error != nil {
			turn.content = content
			turn.thinking = thinking
			return turn, chunk.Error
		}
		if chunk.Thinking != "" {
			thinking += chunk.Thinking
			if *sinkAlive && sink.SendThinking(chunk.Thinking) != nil {
				*sinkAlive = false
			}
		}
		if chunk.Text != "" {
			content += chunk.Text
			if *sinkAlive && sink.SendToken(chunk.Text) != nil {
				*sinkAlive = false
			}
		}
		if chunk.ToolCall != nil {
			turn.sawToolCall = true
		}
		if chunk.FinishReason != "" {
			turn.finishReason = chunk.FinishReason
		}
		if chunk.Done {
			turn.inputTokens = chunk.InputTokens
			turn.outputTokens = chunk.OutputTokens
		}
	}

	// Streamed text may carry embedded thinking tags; native thinking from
	// the stream takes precedence.
	clean, embedded := llm.ExtractThinking(content)
	turn.content = clean
	if thinking == "" {
		thinking = embedded
	}
	turn.thinking = thinking
	if turn.finishReason == "" {
		turn.finishReason = "stop"
	}
	return turn, nil
}

// turnResponse converts an accumulated stream into the response shape the
// shared persistence path expects.
func (e *Engine) turnResponse(state *turnState, turn *streamTurn) *llm.Response {
	return &llm.Response{
		Content:      turn.content,
		Thinking:     turn.thinking,
		FinishReason: turn.finishReason,
		Model:        turn.alias,
		InputTokens:  turn.inputTokens,
		OutputTokens: turn.outputTokens,
		Cost:         e.gateway.EstimateCost(turn.alias, turn.inputTokens, turn.outputTokens),
	}
}

// persistPartial saves whatever content a failed stream produced so the
// transcript reflects what the client saw.
func (e *Engine) persistPartial(ctx context.Context, state *turnState, turn *streamTurn) {
	if turn == nil || (turn.content == "" && turn.thinking == "") {
		return
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: state.session.ID,
		Role:      models.RoleAssistant,
		Content:   turn.content,
		Thinking:  turn.thinking,
		Model:     turn.alias,
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		e.logger.Error("persist partial message failed", "session", state.session.ID, "error", err)
		return
	}
	state.persisted++
}
