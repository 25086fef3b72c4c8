package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/sessions"
)

// buildSessionsCmd creates the "sessions" command group for inspecting
// session state without driving the full agent loop.
func buildSessionsCmd(logger zerolog.Logger, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect brain sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(configPath),
		buildSessionsShowCmd(configPath),
	)
	return cmd
}

func buildSessionsListCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions for the configured agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBrainConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := buildSessionStore(cfg)
			if err != nil {
				return fmt.Errorf("build session store: %w", err)
			}

			list, err := store.List(cmd.Context(), cfg.Agent.ID, sessions.ListOptions{Limit: limit})
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			for _, s := range list {
				fmt.Fprintf(out, "%s  channel=%s/%s  messages=%d  last_activity=%s\n",
					s.ID, s.Channel, s.ChannelID, s.MessageCount, s.LastActivity.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to list")
	return cmd
}

func buildSessionsShowCmd(configPath *string) *cobra.Command {
	var historyLimit int
	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session's metadata and recent message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBrainConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := buildSessionStore(cfg)
			if err != nil {
				return fmt.Errorf("build session store: %w", err)
			}

			session, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			if session == nil {
				return fmt.Errorf("session %q not found", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", session.ID)
			fmt.Fprintf(out, "Agent:    %s\n", session.AgentID)
			fmt.Fprintf(out, "Channel:  %s/%s\n", session.Channel, session.ChannelID)
			fmt.Fprintf(out, "State:    %s\n", session.State)
			fmt.Fprintf(out, "Messages: %d (tokens: %d)\n", session.MessageCount, session.TokenCount)
			fmt.Fprintf(out, "Updated:  %s\n\n", session.UpdatedAt.Format(time.RFC3339))

			history, err := store.GetHistory(cmd.Context(), session.ID, historyLimit)
			if err != nil {
				return fmt.Errorf("get history: %w", err)
			}
			for _, msg := range history {
				fmt.Fprintf(out, "[%s] %s: %s\n", msg.CreatedAt.Format(time.Kitchen), msg.Role, msg.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&historyLimit, "history", 20, "Number of recent messages to show")
	return cmd
}
