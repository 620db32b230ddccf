package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/myrmex-ai/myrmex/internal/catalog"
	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/config"
	"github.com/myrmex-ai/myrmex/internal/cron"
	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/internal/llm/providers"
	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/internal/pool"
	"github.com/myrmex-ai/myrmex/internal/prompt"
	"github.com/myrmex-ai/myrmex/internal/skills"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/internal/stream"
	"github.com/myrmex-ai/myrmex/internal/tools"
	"github.com/myrmex-ai/myrmex/internal/web"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("starting", "version", version)

	st, err := store.Open(cfg.Database,
		store.WithCreateRateLimit(cfg.Sessions.RateLimitPerMinute),
		store.WithContextWindow(cfg.Sessions.ContextWindow))
	if err != nil {
		return err
	}
	defer st.Close()

	cat, err := catalog.New(cfg.LLM)
	if err != nil {
		return err
	}
	gateway := llm.NewGateway(cat, buildProviders(cfg.LLM), cfg.LLM.Fallbacks)

	registry := tools.NewRegistry()
	manifests, err := skills.Discover(ctx, cfg.Tools.SkillsDir, logger)
	if err != nil {
		return err
	}
	for _, manifest := range manifests {
		if err := registry.RegisterManifest(manifest, nil); err != nil {
			return fmt.Errorf("register skill %s: %w", manifest.Name, err)
		}
	}
	executor := tools.NewExecutor(registry,
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithMaxConcurrency(cfg.Tools.MaxConcurrency))

	assembler, watcher, err := buildAssembler(cfg.Prompt)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}

	engine := chat.NewEngine(st, gateway, registry, executor, assembler)

	agentPool := pool.New(st, engine, cfg.Pool)
	if err := seedAgents(ctx, agentPool, cfg.Agents); err != nil {
		return err
	}
	if err := agentPool.Load(ctx); err != nil {
		return err
	}
	agentPool.StartDecay()

	var scheduler *cron.Scheduler
	if cfg.Cron.Enabled {
		scheduler = cron.New(st, engine, cfg.Cron)
		if _, err := scheduler.MigrateYAML(ctx, cfg.Cron.JobsFile); err != nil {
			return err
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
	}

	streamMgr := stream.NewManager(engine, st,
		time.Duration(cfg.Server.PingInterval)*time.Second, logger)

	var webScheduler web.Scheduler
	if scheduler != nil {
		webScheduler = scheduler
	}
	api := web.NewServer(cfg.Server.Addr, st, engine, webScheduler, streamMgr, logger)
	metrics := observability.NewServer(cfg.Server.MetricsAddr, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- api.Start() }()
	go func() { errCh <- metrics.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	streamMgr.CloseAll()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", "error", err)
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
	}
	if err := agentPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pool shutdown", "error", err)
	}
	logger.Info("stopped")
	return nil
}

// buildProviders wires a provider client for every credentialed backend.
func buildProviders(cfg config.LLMConfig) map[string]llm.Provider {
	out := make(map[string]llm.Provider)
	if cfg.OpenAI.APIKey != "" {
		out["openai"] = providers.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	}
	if cfg.Anthropic.APIKey != "" {
		out["anthropic"] = providers.NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)
	}
	return out
}

func buildAssembler(cfg config.PromptConfig) (*prompt.Assembler, *prompt.Watcher, error) {
	var opts []prompt.Option
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("load timezone: %w", err)
		}
		opts = append(opts, prompt.WithLocation(loc))
	}
	assembler := prompt.New(cfg.IdentityFile, cfg.SoulFile, cfg.CacheTTL, opts...)

	watcher, err := prompt.Watch(assembler)
	if err != nil {
		slog.Warn("prompt watcher unavailable", "error", err)
		watcher = nil
	}
	return assembler, watcher, nil
}

func seedAgents(ctx context.Context, p *pool.Pool, agents []config.AgentConfig) error {
	for _, a := range agents {
		err := p.Register(ctx, &models.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Model:        a.Model,
			SystemPrompt: a.SystemPrompt,
			Focus:        a.Focus,
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}
	return nil
}
