package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove acknowledged queue messages past their retention",
		Long: `Prune every queue once, removing messages acknowledged longer ago
than the configured message TTL. A running serve does this periodically;
prune is for databases nobody is serving.`,
		RunE: runPrune,
	}
}

func runPrune(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	s, err := openSession(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	n, err := s.engine.Prune(cmd.Context())
	if err != nil {
		return fmt.Errorf("pruning queues: %w", err)
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), map[string]int64{"pruned": n})
	}

	statusf(flagQuiet, "Pruned %d messages\n", n)

	return nil
}
