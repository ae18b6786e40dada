// Command server runs the agent server: it wires configuration, the
// Conversation Store, the Tool Registry, the Sandbox Executor, an LLM
// client, the ReAct Engine, and the Streaming HTTP Surface, then serves
// until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manifold-labs/agentserver/internal/config"
	"github.com/manifold-labs/agentserver/internal/httpapi"
	"github.com/manifold-labs/agentserver/internal/llm"
	"github.com/manifold-labs/agentserver/internal/llm/anthropic"
	"github.com/manifold-labs/agentserver/internal/llm/google"
	"github.com/manifold-labs/agentserver/internal/llm/openai"
	"github.com/manifold-labs/agentserver/internal/orchestrator"
	"github.com/manifold-labs/agentserver/internal/sandbox"
	"github.com/manifold-labs/agentserver/internal/store"
	"github.com/manifold-labs/agentserver/internal/telemetry"
	"github.com/manifold-labs/agentserver/internal/tools"
)

var (
	flagAddr       string
	flagDataDir    string
	flagOutputsDir string
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server_exited")
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentserver",
		Short: "ReAct agent server: LLM orchestration, sandboxed tool execution, and conversation persistence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "conversation store directory (overrides DATA_DIR)")
	root.Flags().StringVar(&flagOutputsDir, "outputs-dir", "", "per-conversation working directories (overrides OUTPUTS_DIR)")
	return root
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagAddr != "" {
		cfg.ListenAddr = flagAddr
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagOutputsDir != "" {
		cfg.OutputsDir = flagOutputsDir
	}

	configureLogging(cfg.LogLevel)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{Enabled: cfg.TracingEnabled, ServiceName: cfg.ServiceName})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	st, err := store.Open(cfg.DataDir, cfg.OutputsDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	provider, model, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	executor := sandbox.NewExecutor(sandbox.Config{
		BlockedBinaries: []string{"sudo", "su", "doas"},
	})

	registry := tools.NewRegistry(executor)
	if err := registerTools(registry, executor, cfg); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	registry.Freeze()

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	engine := orchestrator.New(provider, registry, systemPrompt)
	engine.Delegator = orchestrator.NewDelegator(engine)

	server := httpapi.NewServer(st, engine, model, cfg.KeepAliveDeadline)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("provider", provider.Name()).Str("model", model).Msg("server_listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-sigCtx.Done():
		log.Info().Msg("shutdown_signal_received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// selectProvider picks whichever configured provider has credentials,
// preferring OpenAI, then Anthropic, then Google — order chosen only to make
// startup deterministic when more than one key is present.
func selectProvider(ctx context.Context, cfg config.Config) (llm.Provider, string, error) {
	if cfg.OpenAI.APIKey != "" {
		return openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model), cfg.OpenAI.Model, nil
	}
	if cfg.Anthropic.APIKey != "" {
		return anthropic.New(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model), cfg.Anthropic.Model, nil
	}
	if cfg.Google.APIKey != "" {
		c, err := google.New(ctx, cfg.Google.APIKey, cfg.Google.Model)
		if err != nil {
			return nil, "", fmt.Errorf("init google provider: %w", err)
		}
		return c, cfg.Google.Model, nil
	}
	return nil, "", fmt.Errorf("no LLM provider configured")
}

func registerTools(registry *tools.Registry, executor *sandbox.Executor, cfg config.Config) error {
	if err := registry.Register(tools.CodeEvalDescriptor(int(cfg.ToolTimeouts.Code.Seconds())), tools.NewCodeEvalHandler(executor, int(cfg.ToolTimeouts.Code.Seconds()))); err != nil {
		return err
	}
	if err := registry.Register(tools.ShellDescriptor(int(cfg.ToolTimeouts.Code.Seconds())), tools.NewShellHandler(executor, int(cfg.ToolTimeouts.Code.Seconds()))); err != nil {
		return err
	}
	if err := registry.Register(tools.FetchURLDescriptor(int(cfg.ToolTimeouts.Fast.Seconds())), tools.NewFetchURLHandler(nil)); err != nil {
		return err
	}
	if err := registry.Register(tools.WebSearchDescriptor(int(cfg.ToolTimeouts.Fast.Seconds())), tools.NewWebSearchHandler()); err != nil {
		return err
	}
	if err := registry.Register(tools.PlanDescriptor(), tools.NewPlanHandler()); err != nil {
		return err
	}
	// agent_call is registered so Registry.DescribeForLLM advertises its
	// schema; the orchestrator's Delegator intercepts actual invocations
	// before they reach this handler (see Engine.invokeOne).
	if err := registry.Register(tools.AgentCallDescriptor(), tools.NewAgentCallHandler()); err != nil {
		return err
	}
	return nil
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

const defaultSystemPrompt = `You are a careful agent with access to tools for running code, fetching web pages, searching the web, and tracking a task plan. Use tools when they help answer the user's request; otherwise respond directly.`
