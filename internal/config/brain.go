package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus/internal/memory"
)

// BrainConfig is the external configuration consumed by cmd/brain. Unlike
// the gateway Config above it does not call KnownFields(true): unrecognized
// top-level sections (channel, plugin, or gateway config living in the same
// file) are ignored rather than rejected.
type BrainConfig struct {
	LLM           BrainLLMConfig         `yaml:"llm"`
	Data          BrainDataConfig        `yaml:"data"`
	BrainPipeline BrainPipelineConfig    `yaml:"brain_pipeline"`
	Agent         BrainAgentConfig       `yaml:"agent"`
	Bridge        BrainBridgeConfig      `yaml:"bridge"`
	Broadcaster   BrainBroadcasterConfig `yaml:"broadcaster"`
	VectorMemory  memory.Config          `yaml:"vector_memory"`
}

// BrainLLMConfig selects the provider and model the agentic loop drives.
type BrainLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// BrainDataConfig selects where sessions and jobs persist. An empty
// DatabaseURL keeps both in memory; a postgres/cockroach DSN switches the
// job store to CockroachStore.
type BrainDataConfig struct {
	DatabaseURL string `yaml:"database_url"`
	SessionsDir string `yaml:"sessions_dir"`
}

// BrainPipelineConfig configures the process() pipeline: matcher threshold,
// compaction ratio, and async job housekeeping.
type BrainPipelineConfig struct {
	MatchThreshold   float64       `yaml:"match_threshold"`
	CompactionRatio  float64       `yaml:"compaction_ratio"`
	JobPruneInterval time.Duration `yaml:"job_prune_interval"`
	JobRetention     time.Duration `yaml:"job_retention"`
}

// BrainAgentConfig names the agent identity and loop budgets.
type BrainAgentConfig struct {
	ID              string `yaml:"id"`
	MaxIterations   int    `yaml:"max_iterations"`
	MaxTokens       int    `yaml:"max_tokens"`
	ToolConcurrency int    `yaml:"tool_concurrency"`
}

// BrainBridgeConfig selects the brain-cerebellum bridge transport. An empty
// ControllerAddr keeps the bridge in mock mode (commands recorded, never
// sent to a real controller).
type BrainBridgeConfig struct {
	ControllerAddr string `yaml:"controller_addr"`
}

// BrainBroadcasterConfig configures the WebSocket command fan-out.
type BrainBroadcasterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BasePort          int           `yaml:"base_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultBrainConfig returns sensible defaults for a brain pipeline running
// entirely in memory against the rule-based fallback.
func DefaultBrainConfig() *BrainConfig {
	return &BrainConfig{
		LLM: BrainLLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
		},
		BrainPipeline: BrainPipelineConfig{
			MatchThreshold:   0.5,
			CompactionRatio:  0.5,
			JobPruneInterval: 10 * time.Minute,
			JobRetention:     24 * time.Hour,
		},
		Agent: BrainAgentConfig{
			ID:              "brain-1",
			MaxIterations:   10,
			MaxTokens:       4096,
			ToolConcurrency: 4,
		},
		Broadcaster: BrainBroadcasterConfig{
			Enabled:           true,
			BasePort:          8765,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// LoadBrainConfig reads path as YAML into a BrainConfig, expanding
// environment variables and applying defaults for anything left zero.
// Unknown top-level keys (e.g. a gateway config sharing the same file) are
// ignored rather than rejected.
func LoadBrainConfig(path string) (*BrainConfig, error) {
	cfg := DefaultBrainConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read brain config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse brain config: %w", err)
	}

	applyBrainDefaults(cfg)
	return cfg, nil
}

func applyBrainDefaults(cfg *BrainConfig) {
	defaults := DefaultBrainConfig()
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = defaults.LLM.Provider
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaults.LLM.Model
	}
	if cfg.BrainPipeline.MatchThreshold == 0 {
		cfg.BrainPipeline.MatchThreshold = defaults.BrainPipeline.MatchThreshold
	}
	if cfg.BrainPipeline.CompactionRatio == 0 {
		cfg.BrainPipeline.CompactionRatio = defaults.BrainPipeline.CompactionRatio
	}
	if cfg.BrainPipeline.JobPruneInterval == 0 {
		cfg.BrainPipeline.JobPruneInterval = defaults.BrainPipeline.JobPruneInterval
	}
	if cfg.BrainPipeline.JobRetention == 0 {
		cfg.BrainPipeline.JobRetention = defaults.BrainPipeline.JobRetention
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = defaults.Agent.ID
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = defaults.Agent.MaxIterations
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = defaults.Agent.MaxTokens
	}
	if cfg.Agent.ToolConcurrency == 0 {
		cfg.Agent.ToolConcurrency = defaults.Agent.ToolConcurrency
	}
	if cfg.Broadcaster.BasePort == 0 {
		cfg.Broadcaster.BasePort = defaults.Broadcaster.BasePort
	}
	if cfg.Broadcaster.HeartbeatInterval == 0 {
		cfg.Broadcaster.HeartbeatInterval = defaults.Broadcaster.HeartbeatInterval
	}
}
