package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/pkg/models"
)

// buildMemoryCmd creates the "memory" command group for the vector memory
// system (distinct from the ephemeral memory.Stream the orchestrator reads
// for conversational relevance scoring).
func buildMemoryCmd(logger zerolog.Logger, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Search and inspect the brain's long-term vector memory",
	}
	cmd.AddCommand(
		buildMemorySearchCmd(configPath),
		buildMemoryListCmd(configPath),
	)
	return cmd
}

func openMemoryManager(configPath *string) (*memory.Manager, error) {
	cfg, err := config.LoadBrainConfig(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.VectorMemory.Enabled {
		return nil, fmt.Errorf("vector memory is disabled (set vector_memory.enabled: true in config)")
	}
	mgr, err := memory.NewManager(&cfg.VectorMemory)
	if err != nil {
		return nil, fmt.Errorf("create memory manager: %w", err)
	}
	return mgr, nil
}

func buildMemorySearchCmd(configPath *string) *cobra.Command {
	var (
		scope     string
		scopeID   string
		limit     int
		threshold float32
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memory using semantic similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openMemoryManager(configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()

			resp, err := mgr.Search(cmd.Context(), &models.SearchRequest{
				Query:     args[0],
				Scope:     models.MemoryScope(scope),
				ScopeID:   scopeID,
				Limit:     limit,
				Threshold: threshold,
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			fmt.Fprintf(out, "Found %d results (query time: %v):\n\n", len(resp.Results), resp.QueryTime)
			for i, result := range resp.Results {
				content := result.Entry.Content
				if len(content) > 200 {
					content = content[:197] + "..."
				}
				fmt.Fprintf(out, "%d. [score %.3f] %s\n", i+1, result.Score, content)
				fmt.Fprintf(out, "   source: %s | created: %s\n\n",
					result.Entry.Metadata.Source, result.Entry.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "global", "Search scope (session, channel, agent, global)")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Scope ID for scoped searches")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().Float32Var(&threshold, "threshold", 0.7, "Minimum similarity threshold (0-1)")
	return cmd
}

func buildMemoryListCmd(configPath *string) *cobra.Command {
	var (
		scope   string
		scopeID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent memory entries for a scope without a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openMemoryManager(configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()

			resp, err := mgr.Search(cmd.Context(), &models.SearchRequest{
				Query:     "",
				Scope:     models.MemoryScope(scope),
				ScopeID:   scopeID,
				Limit:     limit,
				Threshold: 0,
			})
			if err != nil {
				return fmt.Errorf("list failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "No entries found.")
				return nil
			}
			for i, result := range resp.Results {
				content := result.Entry.Content
				if len(content) > 120 {
					content = content[:117] + "..."
				}
				fmt.Fprintf(out, "%d. %s (created %s)\n", i+1, content, result.Entry.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "global", "Scope (session, channel, agent, global)")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Scope ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	return cmd
}
