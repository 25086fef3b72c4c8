package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/behavior"
	"github.com/haasonsaas/nexus/internal/bridge"
	"github.com/haasonsaas/nexus/internal/broadcaster"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/sessions"
	execTools "github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/memstream"
	sessionTools "github.com/haasonsaas/nexus/internal/tools/sessions"
	"github.com/haasonsaas/nexus/internal/tools/subagent"
	"github.com/haasonsaas/nexus/pkg/models"
)

func buildServeCmd(logger zerolog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agentic brain pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBrainConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), logger, cfg)
		},
	}
}

// runServe wires every SPEC_FULL.md subsystem together and blocks until the
// context is cancelled (SIGINT/SIGTERM).
func runServe(ctx context.Context, logger zerolog.Logger, cfg *config.BrainConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}

	jobStore, closeJobs, err := buildJobStore(cfg)
	if err != nil {
		return fmt.Errorf("build job store: %w", err)
	}
	defer closeJobs()

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	runtime := agent.NewRuntimeWithOptions(provider, sessionStore, agent.RuntimeOptions{
		MaxIterations:   cfg.Agent.MaxIterations,
		ToolParallelism: cfg.Agent.ToolConcurrency,
		JobStore:        jobStore,
		Logger:          slogLogger(logger),
	})
	runtime.SetDefaultModel(cfg.LLM.Model)

	registerTools(runtime, sessionStore)

	inferFn := behavior.InferenceFunc(func(ctx context.Context, utterance string) (string, error) {
		return runOneTurn(ctx, runtime, sessionStore, cfg.Agent.ID, utterance)
	})
	matcher := behavior.NewMatcher(behavior.NewFallback(inferFn), cfg.BrainPipeline.MatchThreshold)

	br := buildBridge(cfg, logger)

	var bc *broadcaster.Broadcaster
	if cfg.Broadcaster.Enabled {
		bc = broadcaster.New(slogLogger(logger))
		if err := bc.Start(ctx, cfg.Broadcaster.BasePort, cfg.Broadcaster.HeartbeatInterval); err != nil {
			return fmt.Errorf("start broadcaster: %w", err)
		}
		defer bc.Stop()
	}

	memStream := memory.NewStream(nil)

	orc := orchestrator.New(cfg.Agent.ID, matcher, br, bc, memStream,
		orchestrator.WithLogger(slogLogger(logger)))

	logger.Info().
		Str("agent_id", cfg.Agent.ID).
		Str("llm_provider", cfg.LLM.Provider).
		Bool("broadcaster_enabled", cfg.Broadcaster.Enabled).
		Msg("brain runtime ready")

	go runJobJanitor(ctx, jobStore, cfg.BrainPipeline.JobPruneInterval, cfg.BrainPipeline.JobRetention)

	return serveStdinLoop(ctx, logger, orc)
}

// serveStdinLoop reads one utterance per line from stdin and prints the
// resulting ProcessResult as JSON. It is the brain's minimal interactive
// front end; real deployments drive Orchestrator.Process from a channel
// adapter instead.
func serveStdinLoop(ctx context.Context, logger zerolog.Logger, orc *orchestrator.Orchestrator) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	encoder := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				logger.Info().Msg("stdin closed, shutting down")
				return nil
			}
			if line == "" {
				continue
			}
			result := orc.Process(ctx, line)
			if err := encoder.Encode(result); err != nil {
				logger.Error().Err(err).Msg("encode process result")
			}
		}
	}
}

func buildSessionStore(cfg *config.BrainConfig) (sessions.Store, error) {
	if cfg.Data.SessionsDir == "" {
		return sessions.NewMemoryStore(), nil
	}
	return sessions.NewFileStore(cfg.Data.SessionsDir)
}

func buildJobStore(cfg *config.BrainConfig) (jobs.Store, func(), error) {
	if cfg.Data.DatabaseURL == "" {
		return jobs.NewMemoryStore(), func() {}, nil
	}
	store, err := jobs.NewCockroachStoreFromDSN(cfg.Data.DatabaseURL, jobs.DefaultCockroachConfig())
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func buildProvider(cfg *config.BrainConfig) (agent.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "anthropic", "":
		apiKey := cfg.LLM.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
}

func buildBridge(cfg *config.BrainConfig, logger zerolog.Logger) *bridge.Bridge {
	registry := bridge.NewRegistry()
	opts := []bridge.Option{bridge.WithLogger(slogLogger(logger))}

	if cfg.Bridge.ControllerAddr == "" {
		opts = append(opts, bridge.WithMock())
		return bridge.New(registry, nil, opts...)
	}

	conn, err := grpc.NewClient(cfg.Bridge.ControllerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Bridge.ControllerAddr).Msg("controller dial failed, falling back to mock bridge")
		opts = append(opts, bridge.WithMock())
		return bridge.New(registry, nil, opts...)
	}
	return bridge.New(registry, bridge.NewGRPCTransport(conn), opts...)
}

// registerTools attaches the filesystem/process, sub-agent, memory-stream,
// and session-introspection tool surfaces to runtime, in that order so the
// sub-agent manager (which itself needs runtime) can register back into it.
func registerTools(runtime *agent.Runtime, store sessions.Store) {
	execManager := execTools.NewManager(".")
	runtime.RegisterTool(execTools.NewExecTool("exec", execManager))
	runtime.RegisterTool(execTools.NewProcessTool(execManager))

	memRegistry := memstream.NewRegistry(nil)
	runtime.RegisterTool(memstream.NewWriteTool(memRegistry))
	runtime.RegisterTool(memstream.NewSearchTool(memRegistry))
	runtime.RegisterTool(memstream.NewGetTool(memRegistry))

	runtime.RegisterTool(sessionTools.NewListTool(store, ""))
	runtime.RegisterTool(sessionTools.NewHistoryTool(store))
	runtime.RegisterTool(sessionTools.NewStatusTool(store))
	runtime.RegisterTool(sessionTools.NewSendTool(store, runtime))

	subManager := subagent.NewManagerWithStore(runtime, store, 5)
	runtime.RegisterTool(subagent.NewSpawnTool(subManager))
	runtime.RegisterTool(subagent.NewStatusTool(subManager))
	runtime.RegisterTool(subagent.NewCancelTool(subManager))
}

// runOneTurn drives runtime through exactly one Process call for utterance
// and returns the concatenated assistant text, the shape fallback.Execute
// expects from an InferenceFunc.
func runOneTurn(ctx context.Context, runtime *agent.Runtime, store sessions.Store, agentID, utterance string) (string, error) {
	session, err := store.GetOrCreate(ctx, sessions.SessionKey(agentID, "cli", "fallback"), agentID, "cli", "fallback")
	if err != nil {
		return "", fmt.Errorf("get or create session: %w", err)
	}

	msg := &models.Message{
		Role:    models.RoleUser,
		Content: utterance,
	}

	chunks, err := runtime.Process(ctx, session, msg)
	if err != nil {
		return "", err
	}

	var text string
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		text += chunk.Text
	}
	return text, nil
}

// runJobJanitor periodically prunes jobs older than retention. It exits when
// ctx is cancelled.
func runJobJanitor(ctx context.Context, store jobs.Store, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = store.Prune(ctx, retention)
		}
	}
}
