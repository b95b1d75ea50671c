package config

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultBusyTimeout            = "5s"
	defaultVisibility             = "30s"
	defaultMessageTTL             = "24h"
	defaultPruneFrequency         = "10m"
	defaultConcurrency            = 1
	defaultWorkerInterval         = "1s"
	defaultBackoff                = "exponential"
	defaultBackoffMax             = "30s"
	defaultPendingRetryLimit      = 1
	defaultPendingRetryInterval   = "5m"
	defaultSchedulerLockName      = "sync:scheduler"
	defaultTimeBetweenChecks      = "500ms"
	defaultTimeBeforeCrashAssumed = "20s"
	defaultCleanerLockName        = "sync:cleaner"
	defaultCleanerFrequency       = "1h"
	defaultCleanerLockTTL         = "5m"
	defaultClientRetention        = "24h"
	defaultSyncFrequency          = "10s"
	defaultClientSyncTimeout      = "15s"
	defaultBackendListTimeout     = "5m"
	defaultMaxScheduleWaitTime    = "30s"
	defaultLogLevel               = "info"
	defaultLogFormat              = "text"
	defaultLogRetentionDays       = 30
	defaultLogMaxSize             = "100MB"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DBPath:      DefaultDBPath(),
			BusyTimeout: defaultBusyTimeout,
		},
		Queues: QueuesConfig{
			Visibility:     defaultVisibility,
			MessageTTL:     defaultMessageTTL,
			PruneFrequency: defaultPruneFrequency,
		},
		Workers: WorkersConfig{
			AckConcurrency:       defaultConcurrency,
			PendingConcurrency:   defaultConcurrency,
			SyncConcurrency:      defaultConcurrency,
			Interval:             defaultWorkerInterval,
			Backoff:              defaultBackoff,
			BackoffMax:           defaultBackoffMax,
			PendingRetryLimit:    defaultPendingRetryLimit,
			PendingRetryInterval: defaultPendingRetryInterval,
		},
		Scheduler: SchedulerConfig{
			LockName:               defaultSchedulerLockName,
			TimeBetweenChecks:      defaultTimeBetweenChecks,
			TimeBeforeCrashAssumed: defaultTimeBeforeCrashAssumed,
		},
		Cleaner: CleanerConfig{
			LockName:       defaultCleanerLockName,
			CheckFrequency: defaultCleanerFrequency,
			LockTTL:        defaultCleanerLockTTL,
			Retention:      defaultClientRetention,
		},
		DatasetDefaults: DatasetConfig{
			SyncFrequency:       defaultSyncFrequency,
			ClientSyncTimeout:   defaultClientSyncTimeout,
			BackendListTimeout:  defaultBackendListTimeout,
			MaxScheduleWaitTime: defaultMaxScheduleWaitTime,
		},
		Datasets: make(map[string]DatasetConfig),
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
			LogMaxSize:       defaultLogMaxSize,
		},
	}
}
