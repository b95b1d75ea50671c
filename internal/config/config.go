// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for syncd. Values are layered
// defaults -> config file -> environment -> CLI flags. Per-dataset sections
// ([datasets.<id>]) override [dataset_defaults] field by field.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are strings ("30s", "5m") and are parsed during validation.
type Config struct {
	Store           StoreConfig              `toml:"store"`
	Queues          QueuesConfig             `toml:"queues"`
	Workers         WorkersConfig            `toml:"workers"`
	Scheduler       SchedulerConfig          `toml:"scheduler"`
	Cleaner         CleanerConfig            `toml:"cleaner"`
	DatasetDefaults DatasetConfig            `toml:"dataset_defaults"`
	Datasets        map[string]DatasetConfig `toml:"datasets"`
	Logging         LoggingConfig            `toml:"logging"`
}

// StoreConfig locates the shared SQLite database every instance uses.
type StoreConfig struct {
	DBPath       string `toml:"db_path"`
	BusyTimeout  string `toml:"busy_timeout"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// QueuesConfig tunes the ack, pending and sync queues. sync_visibility is
// optional: unset, a claimed sync job stays hidden for the longest
// backend_list_timeout plus visibility.
type QueuesConfig struct {
	Visibility     string `toml:"visibility"`
	SyncVisibility string `toml:"sync_visibility"`
	MessageTTL     string `toml:"message_ttl"`
	PruneFrequency string `toml:"prune_frequency"`
}

// WorkersConfig sizes the worker pools and their polling backoff.
// pending_retry_limit is how many deliveries of one pending change may call
// the data handler; pending_retry_interval is how long a claimed pending
// change stays invisible before it can be delivered again. The [workers.ack],
// [workers.pending] and [workers.sync] tables pace one role each; their
// empty fields inherit interval, backoff and backoff_max from [workers].
type WorkersConfig struct {
	AckConcurrency       int        `toml:"ack_concurrency"`
	PendingConcurrency   int        `toml:"pending_concurrency"`
	SyncConcurrency      int        `toml:"sync_concurrency"`
	Interval             string     `toml:"interval"`
	Backoff              string     `toml:"backoff"`
	BackoffMax           string     `toml:"backoff_max"`
	PendingRetryLimit    int        `toml:"pending_retry_limit"`
	PendingRetryInterval string     `toml:"pending_retry_interval"`
	Ack                  RolePacing `toml:"ack"`
	Pending              RolePacing `toml:"pending"`
	Sync                 RolePacing `toml:"sync"`
}

// RolePacing is the polling interval and backoff of one worker role.
type RolePacing struct {
	Interval   string `toml:"interval"`
	Backoff    string `toml:"backoff"`
	BackoffMax string `toml:"backoff_max"`
}

// SchedulerConfig controls the leader-elected sync scheduler.
type SchedulerConfig struct {
	LockName               string `toml:"lock_name"`
	TimeBetweenChecks      string `toml:"time_between_checks"`
	TimeBeforeCrashAssumed string `toml:"time_before_crash_assumed"`
}

// CleanerConfig controls removal of inactive dataset clients.
type CleanerConfig struct {
	LockName       string `toml:"lock_name"`
	CheckFrequency string `toml:"check_frequency"`
	LockTTL        string `toml:"lock_ttl"`
	Retention      string `toml:"retention"`
}

// DatasetConfig holds the per-dataset sync timings. Empty fields inherit.
type DatasetConfig struct {
	SyncFrequency       string `toml:"sync_frequency"`
	ClientSyncTimeout   string `toml:"client_sync_timeout"`
	BackendListTimeout  string `toml:"backend_list_timeout"`
	MaxScheduleWaitTime string `toml:"max_schedule_wait_time"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
	LogMaxSize       string `toml:"log_max_size"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	LogLevel   *string // --log-level flag
}
