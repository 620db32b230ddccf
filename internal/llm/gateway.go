package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/myrmex-ai/myrmex/internal/catalog"
	"github.com/myrmex-ai/myrmex/internal/observability"
)

// claudeThinkingBudget is the token budget passed to Anthropic models when
// thinking is enabled.
const claudeThinkingBudget = 4096

// Gateway routes completion requests to providers by catalogue alias.
type Gateway struct {
	catalog   *catalog.Catalog
	providers map[string]Provider
	fallbacks []string
	breaker   *breaker
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway over the given providers, keyed by provider
// name ("openai", "anthropic"). Fallbacks is the ordered alias chain tried
// after the requested alias on hard errors.
func NewGateway(cat *catalog.Catalog, providers map[string]Provider, fallbacks []string, opts ...Option) *Gateway {
	g := &Gateway{
		catalog:   cat,
		providers: providers,
		fallbacks: fallbacks,
		logger:    slog.Default().With("component", "llm"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = newBreaker(g.now)
	return g
}

// Complete runs a one-shot completion, walking the fallback chain on hard
// errors, and returns the fully accumulated, normalized response.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for _, alias := range g.chain(req.Model) {
		resp, err := g.completeOnce(ctx, alias, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !shouldFallback(err) {
			return nil, err
		}
		g.logger.Warn("completion failed, trying fallback",
			"model", alias, "kind", KindOf(err), "error", err)
	}
	return nil, g.exhausted(req.Model, lastErr)
}

// Stream starts a streaming completion and returns the chunk channel along
// with the alias that is serving it. Fallback applies only to the initial
// dispatch; once chunks flow, errors surface on the channel.
func (g *Gateway) Stream(ctx context.Context, req *Request) (<-chan *Chunk, string, error) {
	var lastErr error
	for _, alias := range g.chain(req.Model) {
		ch, err := g.dispatch(ctx, alias, req)
		if err == nil {
			return g.observe(alias, ch), alias, nil
		}
		lastErr = err
		if !shouldFallback(err) {
			return nil, "", err
		}
		g.logger.Warn("stream dispatch failed, trying fallback",
			"model", alias, "kind", KindOf(err), "error", err)
	}
	return nil, "", g.exhausted(req.Model, lastErr)
}

// EstimateCost computes the USD cost of a turn served by the given alias.
func (g *Gateway) EstimateCost(alias string, inputTokens, outputTokens int) float64 {
	entry, err := g.catalog.Resolve(alias)
	if err != nil {
		return 0
	}
	return entry.EstimateCost(inputTokens, outputTokens)
}

// chain returns the requested alias followed by fallbacks, deduplicated.
func (g *Gateway) chain(requested string) []string {
	if strings.TrimSpace(requested) == "" {
		requested = g.catalog.DefaultAlias()
	}
	out := []string{requested}
	seen := map[string]bool{requested: true}
	for _, alias := range g.fallbacks {
		if !seen[alias] {
			seen[alias] = true
			out = append(out, alias)
		}
	}
	return out
}

// dispatch resolves one alias, checks its breaker, and starts the provider
// stream. Failures are recorded against the alias.
func (g *Gateway) dispatch(ctx context.Context, alias string, req *Request) (<-chan *Chunk, error) {
	entry, err := g.catalog.Resolve(alias)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Alias: alias, Err: err}
	}
	if !g.breaker.allow(alias) {
		observability.LLMBreakerRejects.WithLabelValues(alias).Inc()
		return nil, &Error{Kind: KindCircuitOpen, Alias: alias,
			Err: fmt.Errorf("circuit breaker open")}
	}
	provider, ok := g.providers[entry.Provider]
	if !ok {
		return nil, &Error{Kind: KindProvider, Alias: alias,
			Err: fmt.Errorf("no provider registered for %q", entry.Provider)}
	}

	preq := *req
	preq.Model = entry.Model
	preq.Family = entry.Family
	preq.EnableThinking = entry.SupportsThinking
	if entry.SupportsThinking && entry.Provider == "anthropic" {
		preq.ThinkingBudget = claudeThinkingBudget
	}

	ch, err := provider.Complete(ctx, &preq)
	if err != nil {
		g.breaker.recordFailure(alias)
		g.setBreakerGauge(alias)
		return nil, &Error{Kind: classify(err), Alias: alias, Err: err}
	}
	return ch, nil
}

// observe wraps a provider channel to feed breaker state and metrics from
// the stream outcome.
func (g *Gateway) observe(alias string, in <-chan *Chunk) <-chan *Chunk {
	out := make(chan *Chunk)
	start := g.now()
	go func() {
		defer close(out)
		failed := false
		for chunk := range in {
			if chunk.Error != nil {
				failed = true
				chunk.Error = &Error{Kind: classify(chunk.Error), Alias: alias, Err: chunk.Error}
			}
			if chunk.Done {
				observability.LLMTokens.WithLabelValues(alias, "input").Add(float64(chunk.InputTokens))
				observability.LLMTokens.WithLabelValues(alias, "output").Add(float64(chunk.OutputTokens))
				observability.LLMCost.WithLabelValues(alias).Add(g.EstimateCost(alias, chunk.InputTokens, chunk.OutputTokens))
			}
			out <- chunk
		}
		outcome := "success"
		if failed {
			outcome = "error"
			g.breaker.recordFailure(alias)
		} else {
			g.breaker.recordSuccess(alias)
		}
		g.setBreakerGauge(alias)
		observability.LLMRequests.WithLabelValues(alias, outcome).Inc()
		observability.LLMRequestDuration.WithLabelValues(alias).Observe(g.now().Sub(start).Seconds())
	}()
	return out
}

// completeOnce accumulates one alias's stream into a Response.
func (g *Gateway) completeOnce(ctx context.Context, alias string, req *Request) (*Response, error) {
	ch, err := g.dispatch(ctx, alias, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{Model: alias}
	var content, thinking strings.Builder
	for chunk := range g.observe(alias, ch) {
		switch {
		case chunk.Error != nil:
			return nil, chunk.Error
		case chunk.Text != "":
			content.WriteString(chunk.Text)
		case chunk.Thinking != "":
			thinking.WriteString(chunk.Thinking)
		case chunk.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Done {
			resp.InputTokens = chunk.InputTokens
			resp.OutputTokens = chunk.OutputTokens
		}
	}

	resp.Content = content.String()
	resp.Thinking = thinking.String()
	normalizeThinking(resp)
	if len(resp.ToolCalls) > 0 && resp.FinishReason == "" {
		resp.FinishReason = "tool_calls"
	}
	if resp.InputTokens == 0 {
		resp.InputTokens = estimateTokens(req)
	}
	if resp.OutputTokens == 0 {
		resp.OutputTokens = len(resp.Content) / 4
	}
	resp.Cost = g.EstimateCost(alias, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// exhausted wraps the terminal failure. With no fallbacks configured the
// single alias's own classified error is returned untouched.
func (g *Gateway) exhausted(alias string, lastErr error) error {
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate models")
	}
	if len(g.fallbacks) == 0 {
		return lastErr
	}
	return &Error{Kind: KindExhausted, Alias: alias, Err: lastErr}
}

func (g *Gateway) setBreakerGauge(alias string) {
	v := 0.0
	if g.breaker.isOpen(alias) {
		v = 1
	}
	observability.LLMBreakerOpen.WithLabelValues(alias).Set(v)
}

// estimateTokens is the crude length/4 fallback used when a provider omits
// usage data.
func estimateTokens(req *Request) int {
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n / 4
}
