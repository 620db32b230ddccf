// Package catalog maps agent-level model aliases to provider endpoints and
// capability flags. The catalogue is static after startup and safe for
// concurrent reads.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/myrmex-ai/myrmex/internal/config"
)

// Entry describes one resolvable model alias.
type Entry struct {
	// Alias is the name agents and sessions refer to.
	Alias string
	// Provider is the backend family: "openai" or "anthropic".
	Provider string
	// Model is the provider-specific model string.
	Model string
	// Family identifies the model lineage ("qwen", "deepseek", "claude", …)
	// and drives thinking-token activation.
	Family string
	// SupportsThinking reports whether the model can emit thinking tokens.
	SupportsThinking bool
	// InputCostPer1K / OutputCostPer1K are USD estimates used when the
	// provider does not report a cost.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// Catalog is the static alias table.
type Catalog struct {
	entries      map[string]Entry
	defaultAlias string
}

// New builds a catalogue from configuration.
func New(cfg config.LLMConfig) (*Catalog, error) {
	entries := make(map[string]Entry, len(cfg.Catalog))
	for alias, spec := range cfg.Catalog {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			return nil, fmt.Errorf("catalog: empty alias")
		}
		entries[alias] = Entry{
			Alias:            alias,
			Provider:         spec.Provider,
			Model:            spec.Model,
			Family:           strings.ToLower(spec.Family),
			SupportsThinking: spec.Thinking,
			InputCostPer1K:   spec.InputCostPer1K,
			OutputCostPer1K:  spec.OutputCostPer1K,
		}
	}
	return &Catalog{entries: entries, defaultAlias: cfg.DefaultModel}, nil
}

// Resolve returns the entry for an alias. An empty alias resolves to the
// configured default model.
func (c *Catalog) Resolve(alias string) (Entry, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		alias = c.defaultAlias
	}
	entry, ok := c.entries[alias]
	if !ok {
		return Entry{}, fmt.Errorf("catalog: unknown model alias %q", alias)
	}
	return entry, nil
}

// DefaultAlias returns the configured default model alias.
func (c *Catalog) DefaultAlias() string {
	return c.defaultAlias
}

// Aliases returns all known aliases in sorted order.
func (c *Catalog) Aliases() []string {
	out := make([]string, 0, len(c.entries))
	for alias := range c.entries {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// EstimateCost computes a USD estimate for a turn from token counts.
func (e Entry) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*e.InputCostPer1K +
		float64(outputTokens)/1000*e.OutputCostPer1K
}
