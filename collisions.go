package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncd/internal/dataset"
)

func newCollisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collisions",
		Short: "Inspect and resolve recorded collisions",
		Long: `A collision is a pending change whose pre-image no longer matched the
backend when it was applied. The data handler records it instead of
overwriting the newer value; these commands read and discard those records.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <dataset>",
		Short: "List the collisions recorded for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollisionsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <dataset> <hash>",
		Short: "Discard a resolved collision",
		Args:  cobra.ExactArgs(2),
		RunE:  runCollisionsRemove,
	})

	return cmd
}

func runCollisionsList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), resolvedCfg, buildLogger())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	cols, err := s.engine.ListCollisions(cmd.Context(), args[0], nil)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, cols)
	}

	return printCollisions(os.Stdout, cols)
}

func runCollisionsRemove(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), resolvedCfg, buildLogger())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if err := s.engine.RemoveCollision(cmd.Context(), args[0], args[1], nil); err != nil {
		return err
	}

	statusf(flagQuiet, "Removed collision %s from %s\n", args[1], args[0])

	return nil
}

// printCollisions lists collisions oldest first.
func printCollisions(w io.Writer, cols map[string]dataset.Collision) error {
	if len(cols) == 0 {
		_, err := fmt.Fprintln(w, "No collisions")
		return err
	}

	hashes := make([]string, 0, len(cols))
	for h := range cols {
		hashes = append(hashes, h)
	}

	sort.Slice(hashes, func(i, j int) bool {
		a, b := cols[hashes[i]], cols[hashes[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}

		return hashes[i] < hashes[j]
	})

	rows := make([][]string, 0, len(hashes))
	for _, h := range hashes {
		c := cols[h]

		server := c.Hash
		if server == "" {
			server = "(deleted)"
		}

		rows = append(rows, []string{h, c.UID, server, formatTime(time.UnixMilli(c.Timestamp))})
	}

	printTable(w, []string{"HASH", "UID", "SERVER HASH", "DETECTED"}, rows)

	return nil
}
