package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncd/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a config file without starting anything",
		Long: `Validate a config file and report every problem found. With no argument
the file selected by --config or SYNCD_CONFIG is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConfigCheck,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "datasets",
		Short: "List each dataset's effective sync timings",
		RunE:  runConfigDatasets,
	})

	return cmd
}

var errNoConfig = errors.New("no configuration loaded")

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errNoConfig
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), resolvedCfg)
	}

	return config.RenderEffective(resolvedCfg, cmd.OutOrStdout())
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	path := activeConfigPath()
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("checking config: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	statusf(flagQuiet, "%s: OK (%d datasets)\n", path, len(cfg.Datasets))

	return nil
}

// activeConfigPath is the file the running configuration was loaded from,
// or would be if it existed.
func activeConfigPath() string {
	if resolvedCfg != nil && resolvedCfg.ConfigPath != "" {
		return resolvedCfg.ConfigPath
	}

	env, _ := config.ReadEnvOverrides()

	return config.ConfigPath(env, activeOverrides)
}

// datasetTimings is one row of "config datasets".
type datasetTimings struct {
	Dataset             string        `json:"dataset"`
	SyncFrequency       time.Duration `json:"sync_frequency"`
	ClientSyncTimeout   time.Duration `json:"client_sync_timeout"`
	BackendListTimeout  time.Duration `json:"backend_list_timeout"`
	MaxScheduleWaitTime time.Duration `json:"max_schedule_wait_time"`
}

func runConfigDatasets(cmd *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errNoConfig
	}

	rows := effectiveDatasets(resolvedCfg)

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), rows)
	}

	return printDatasets(cmd.OutOrStdout(), rows)
}

// effectiveDatasets lists the defaults first, then each configured dataset
// merged over them, sorted by id.
func effectiveDatasets(r *config.Resolved) []datasetTimings {
	ids := make([]string, 0, len(r.Datasets))
	for id := range r.Datasets {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	row := func(name string, d *config.Resolved, id string) datasetTimings {
		eff := d.DatasetDefaults
		if id != "" {
			eff = d.Datasets[id].Merge(d.DatasetDefaults)
		}

		return datasetTimings{
			Dataset:             name,
			SyncFrequency:       eff.SyncFrequency,
			ClientSyncTimeout:   eff.ClientSyncTimeout,
			BackendListTimeout:  eff.BackendListTimeout,
			MaxScheduleWaitTime: eff.MaxScheduleWaitTime,
		}
	}

	rows := []datasetTimings{row("(defaults)", r, "")}
	for _, id := range ids {
		rows = append(rows, row(id, r, id))
	}

	return rows
}

func printDatasets(w io.Writer, rows []datasetTimings) error {
	cells := make([][]string, 0, len(rows))
	for _, d := range rows {
		cells = append(cells, []string{
			d.Dataset,
			d.SyncFrequency.String(),
			d.ClientSyncTimeout.String(),
			d.BackendListTimeout.String(),
			d.MaxScheduleWaitTime.String(),
		})
	}

	printTable(w, []string{"DATASET", "SYNC EVERY", "CLIENT TIMEOUT", "LIST TIMEOUT", "MAX WAIT"}, cells)

	return nil
}
