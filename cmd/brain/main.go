// Package main provides the CLI entry point for the OpenRoboBrain core
// runtime: the agentic brain that turns a natural-language utterance into a
// reply and a time-budgeted sequence of robot commands.
//
// # Basic Usage
//
// Start the runtime:
//
//	brain serve --config brain.yaml
//
// Inspect state:
//
//	brain sessions list
//	brain sessions show <id>
//	brain memory search "where did I leave the cup"
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = logger

	rootCmd := buildRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("command execution failed")
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Separated from main so tests can
// exercise it without a process exit.
func buildRootCmd(logger zerolog.Logger) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "brain",
		Short:        "OpenRoboBrain - agentic core runtime for a robot brain",
		Version:      version + " (" + commit + ")",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "brain.yaml", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildServeCmd(logger, &configPath),
		buildSessionsCmd(logger, &configPath),
		buildMemoryCmd(logger, &configPath),
	)
	return rootCmd
}
