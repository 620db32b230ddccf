package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// DefaultTimeout bounds a single tool execution unless the tool overrides it.
const DefaultTimeout = 300 * time.Second

// Executor runs tool calls against the registry with bounded concurrency.
// Execution never returns an error to the caller: every failure mode
// (unknown tool, handler error, timeout, panic) is normalized into a
// models.ToolResult with Success=false so the loop can hand it back to the
// model as a tool message.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	sem      chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithMaxConcurrency bounds parallel executions.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		timeout:  DefaultTimeout,
		sem:      make(chan struct{}, 5),
		logger:   slog.Default().With("component", "tools"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call to completion.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := e.now()
	result := e.run(ctx, call)
	result.DurationMS = e.now().Sub(start).Milliseconds()

	status := "success"
	if !result.Success {
		status = "error"
		observability.Errors.WithLabelValues("tools", "execution").Inc()
	}
	observability.ToolExecutions.WithLabelValues(call.Name, status).Inc()
	observability.ToolExecutionDuration.WithLabelValues(call.Name).Observe(float64(result.DurationMS) / 1000)
	return result
}

// ExecuteAll runs a batch of tool calls with bounded parallelism, returning
// results in input order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			results[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) run(ctx context.Context, call models.ToolCall) models.ToolResult {
	fail := func(format string, args ...any) models.ToolResult {
		return models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    fmt.Sprintf(format, args...),
			Success:    false,
		}
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn("unknown tool requested", "tool", call.Name)
		return fail("unknown tool: %s", call.Name)
	}

	args := normalizeArgs(call.Arguments)
	timeout := e.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		content, err := tool.Handler(ctx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fail("tool %s timed out after %s", call.Name, timeout)
		}
		return fail("tool %s canceled: %v", call.Name, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return fail("%v", out.err)
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    out.content,
			Success:    true,
		}
	}
}

// normalizeArgs guarantees handlers always see a JSON object. Arguments that
// fail to parse as an object are wrapped under an "input" key so a model's
// malformed emission still reaches the tool.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return raw
	}
	wrapped, err := json.Marshal(map[string]string{"input": string(raw)})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}
