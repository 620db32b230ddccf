// Package config loads and validates the runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Tools     ToolsConfig     `yaml:"tools"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Pool      PoolConfig      `yaml:"pool"`
	Cron      CronConfig      `yaml:"cron"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// ServerConfig holds the HTTP listener addresses.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// PingInterval is the WebSocket keepalive beacon interval in seconds.
	PingInterval int `yaml:"ping_interval"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	BusyTimeout  int    `yaml:"busy_timeout_ms"`
}

// ProviderConfig holds credentials for one model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelSpec maps a model alias to a provider-specific identifier.
type ModelSpec struct {
	Provider string `yaml:"provider"` // "openai" or "anthropic"
	Model    string `yaml:"model"`    // provider-specific model string
	// Family drives thinking activation: "qwen", "deepseek", "claude", …
	Family string `yaml:"family"`
	// Thinking reports whether the model supports thinking tokens.
	Thinking bool `yaml:"thinking"`
	// InputCostPer1K / OutputCostPer1K estimate cost when the provider
	// does not report one.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// LLMConfig configures providers, the model catalogue, and fallback routing.
type LLMConfig struct {
	OpenAI    ProviderConfig       `yaml:"openai"`
	Anthropic ProviderConfig       `yaml:"anthropic"`
	Catalog   map[string]ModelSpec `yaml:"catalog"`
	// DefaultModel is the alias used when neither session nor agent
	// specifies one.
	DefaultModel string `yaml:"default_model"`
	// Fallbacks is the ordered alias chain consulted on hard provider errors.
	Fallbacks []string `yaml:"fallbacks"`
}

// PromptConfig configures the prompt assembler.
type PromptConfig struct {
	IdentityFile string        `yaml:"identity_file"`
	SoulFile     string        `yaml:"soul_file"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	Timezone     string        `yaml:"timezone"`
}

// ToolsConfig configures skill discovery and the tool executor.
type ToolsConfig struct {
	SkillsDir      string        `yaml:"skills_dir"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// SessionsConfig configures session-store behavior.
type SessionsConfig struct {
	// RateLimitPerMinute caps session creations per process per minute.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// ContextWindow is the default count of recent messages sent to the model.
	ContextWindow int `yaml:"context_window"`
}

// PoolConfig configures the agent pool.
type PoolConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	Coordinator   string `yaml:"coordinator"`
	// ScoreGain is the pheromone adjustment applied per task outcome.
	ScoreGain float64 `yaml:"score_gain"`
	// DecayFactor pulls scores toward 0.5 on each sweep.
	DecayFactor   float64       `yaml:"decay_factor"`
	DecayInterval time.Duration `yaml:"decay_interval"`
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	// HistoryRetention prunes execution rows older than this.
	HistoryRetention time.Duration `yaml:"history_retention"`
	// JobsFile optionally seeds the job table from YAML on startup.
	JobsFile string `yaml:"jobs_file"`
}

// AgentConfig declares an agent loaded into the pool at startup.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	Focus        string `yaml:"focus"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8420",
			MetricsAddr:  ":9420",
			PingInterval: 30,
		},
		Database: DatabaseConfig{
			Path:         "myrmex.db",
			MaxOpenConns: 8,
			BusyTimeout:  5000,
		},
		LLM: LLMConfig{
			Catalog: map[string]ModelSpec{},
		},
		Prompt: PromptConfig{
			IdentityFile: "identity.md",
			SoulFile:     "soul.md",
			CacheTTL:     60 * time.Second,
		},
		Tools: ToolsConfig{
			SkillsDir:      "skills",
			Timeout:        300 * time.Second,
			MaxConcurrency: 5,
		},
		Sessions: SessionsConfig{
			RateLimitPerMinute: 10,
			ContextWindow:      50,
		},
		Pool: PoolConfig{
			MaxConcurrent: 5,
			Coordinator:   "main",
			ScoreGain:     0.1,
			DecayFactor:   0.05,
			DecayInterval: time.Minute,
		},
		Cron: CronConfig{
			Enabled:          true,
			TickInterval:     time.Second,
			HistoryRetention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, expands ${ENV} references, and applies
// defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	for alias, spec := range c.LLM.Catalog {
		switch spec.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("catalog entry %q: unknown provider %q", alias, spec.Provider)
		}
		if strings.TrimSpace(spec.Model) == "" {
			return fmt.Errorf("catalog entry %q: model is required", alias)
		}
	}
	for _, alias := range c.LLM.Fallbacks {
		if _, ok := c.LLM.Catalog[alias]; !ok {
			return fmt.Errorf("fallback %q not present in catalog", alias)
		}
	}
	if c.LLM.DefaultModel != "" {
		if _, ok := c.LLM.Catalog[c.LLM.DefaultModel]; !ok {
			return fmt.Errorf("default model %q not present in catalog", c.LLM.DefaultModel)
		}
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Pool.ScoreGain < 0 || c.Pool.ScoreGain > 1 {
		return fmt.Errorf("pool.score_gain must be in [0,1]")
	}
	if c.Pool.DecayFactor < 0 || c.Pool.DecayFactor > 1 {
		return fmt.Errorf("pool.decay_factor must be in [0,1]")
	}
	return nil
}
