package config

import (
	"fmt"
	"io"
	"sort"
)

// RenderEffective writes the resolved configuration as an annotated TOML-ish
// summary to w. This powers "config show": the effective values after
// defaults, file, environment and flags have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	if r.ConfigPath != "" {
		ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)
	} else {
		ew.printf("# Effective configuration (built-in defaults)\n\n")
	}

	ew.printf("[store]\n")
	ew.printf("  db_path        = %q\n", r.Store.DBPath)
	ew.printf("  busy_timeout   = %q\n", r.Store.BusyTimeout)
	ew.printf("  max_open_conns = %d\n\n", r.Store.MaxOpenConns)

	ew.printf("[queues]\n")
	ew.printf("  visibility      = %q\n", r.Queues.Visibility)

	if r.Queues.SyncVisibility > 0 {
		ew.printf("  sync_visibility = %q\n", r.Queues.SyncVisibility)
	}

	ew.printf("  message_ttl     = %q\n", r.Queues.MessageTTL)
	ew.printf("  prune_frequency = %q\n\n", r.Queues.PruneFrequency)

	renderWorkers(ew, &r.Workers)

	ew.printf("[scheduler]\n")
	ew.printf("  lock_name                 = %q\n", r.Scheduler.LockName)
	ew.printf("  time_between_checks       = %q\n", r.Scheduler.Interval)
	ew.printf("  time_before_crash_assumed = %q\n\n", r.Scheduler.LockTTL)

	ew.printf("[cleaner]\n")
	ew.printf("  lock_name       = %q\n", r.Cleaner.LockName)
	ew.printf("  check_frequency = %q\n", r.Cleaner.Interval)
	ew.printf("  lock_ttl        = %q\n", r.Cleaner.LockTTL)
	ew.printf("  retention       = %q\n\n", r.Cleaner.Retention)

	renderDatasets(ew, r)
	renderLogging(ew, &r.Logging)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderWorkers(ew *errWriter, w *ResolvedWorkers) {
	ew.printf("[workers]\n")
	ew.printf("  ack_concurrency        = %d\n", w.AckConcurrency)
	ew.printf("  pending_concurrency    = %d\n", w.PendingConcurrency)
	ew.printf("  sync_concurrency       = %d\n", w.SyncConcurrency)
	ew.printf("  pending_retry_limit    = %d\n", w.PendingRetryLimit)
	ew.printf("  pending_retry_interval = %q\n\n", w.PendingRetryInterval)

	for _, role := range []struct {
		name string
		r    ResolvedRole
	}{{"ack", w.Ack}, {"pending", w.Pending}, {"sync", w.Sync}} {
		ew.printf("[workers.%s]\n", role.name)
		ew.printf("  interval    = %q\n", role.r.Interval)
		ew.printf("  backoff     = %q\n", role.r.Backoff.Strategy)

		if role.r.Backoff.Max > 0 {
			ew.printf("  backoff_max = %q\n", role.r.Backoff.Max)
		}

		ew.printf("\n")
	}
}

func renderDatasets(ew *errWriter, r *Resolved) {
	d := r.DatasetDefaults

	ew.printf("[dataset_defaults]\n")
	ew.printf("  sync_frequency         = %q\n", d.SyncFrequency)
	ew.printf("  client_sync_timeout    = %q\n", d.ClientSyncTimeout)
	ew.printf("  backend_list_timeout   = %q\n", d.BackendListTimeout)
	ew.printf("  max_schedule_wait_time = %q\n\n", d.MaxScheduleWaitTime)

	ids := make([]string, 0, len(r.Datasets))
	for id := range r.Datasets {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		// Show the merged values the dataset actually runs with.
		eff := r.Datasets[id].Merge(d)

		ew.printf("[datasets.%s]\n", id)
		ew.printf("  sync_frequency         = %q\n", eff.SyncFrequency)
		ew.printf("  client_sync_timeout    = %q\n", eff.ClientSyncTimeout)
		ew.printf("  backend_list_timeout   = %q\n", eff.BackendListTimeout)
		ew.printf("  max_schedule_wait_time = %q\n\n", eff.MaxScheduleWaitTime)
	}
}

func renderLogging(ew *errWriter, l *ResolvedLogging) {
	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file           = %q\n", l.LogFile)
		ew.printf("  log_max_size_bytes = %d\n", l.LogMaxSizeBytes)
		ew.printf("  log_retention_days = %d\n", l.LogRetentionDays)
	}

	ew.printf("  log_format         = %q\n", l.LogFormat)
}
