package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncd/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depths, client counts and leadership",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	s, err := openSession(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	stats, err := s.engine.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	if flagJSON {
		return printJSON(os.Stdout, stats)
	}

	return printStatusText(os.Stdout, resolvedCfg.Store.DBPath, stats)
}

func printStatusText(w io.Writer, dbPath string, stats *sync.Stats) error {
	ew := &errWriter{w: w}

	ew.printf("Database: %s\n\n", dbPath)

	rows := make([][]string, 0, len(stats.Queues))
	for _, q := range stats.Queues {
		rows = append(rows, []string{
			q.Name, strconv.Itoa(q.Waiting), strconv.Itoa(q.InFlight), strconv.Itoa(q.Done),
		})
	}

	if ew.err == nil {
		printTable(w, []string{"QUEUE", "WAITING", "IN FLIGHT", "DONE"}, rows)
	}

	ew.printf("\nClients:  %d (%d stopped), %d records\n",
		stats.Clients.Total, stats.Clients.Stopped, stats.Clients.Records)
	ew.printf("Updates:  %d\n", stats.Updates)
	ew.printf("Scheduler: %s\n", leaderState(stats.Scheduler))
	ew.printf("Cleaner:   %s\n", leaderState(stats.Cleaner))

	return ew.err
}

func leaderState(l sync.LeaderStats) string {
	if !l.Held {
		return fmt.Sprintf("%s (no leader)", l.Lock)
	}

	return fmt.Sprintf("%s (held until %s)", l.Lock, formatTime(l.Expires))
}
