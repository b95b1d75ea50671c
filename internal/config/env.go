package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables layered between the config file and CLI flags.
const (
	EnvConfig          = "SYNCD_CONFIG"
	EnvDBPath          = "SYNCD_DB_PATH"
	EnvLogLevel        = "SYNCD_LOG_LEVEL"
	EnvLogFormat       = "SYNCD_LOG_FORMAT"
	EnvSyncConcurrency = "SYNCD_SYNC_CONCURRENCY"
)

// EnvOverrides holds the SYNCD_* values found in the environment. Empty
// strings and a zero SyncConcurrency mean unset.
type EnvOverrides struct {
	ConfigPath      string
	DBPath          string
	LogLevel        string
	LogFormat       string
	SyncConcurrency int
}

// ReadEnvOverrides reads the process environment.
func ReadEnvOverrides() (EnvOverrides, error) {
	return readEnv(os.LookupEnv)
}

func readEnv(lookup func(string) (string, bool)) (EnvOverrides, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}

	env := EnvOverrides{
		ConfigPath: get(EnvConfig),
		DBPath:     get(EnvDBPath),
		LogLevel:   strings.ToLower(get(EnvLogLevel)),
		LogFormat:  strings.ToLower(get(EnvLogFormat)),
	}

	if v := get(EnvSyncConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return EnvOverrides{}, fmt.Errorf("%s: want a positive integer, got %q", EnvSyncConcurrency, v)
		}

		env.SyncConcurrency = n
	}

	return env, nil
}

// apply layers the set overrides onto cfg.
func (e EnvOverrides) apply(cfg *Config) {
	if e.DBPath != "" {
		cfg.Store.DBPath = e.DBPath
	}

	if e.LogLevel != "" {
		cfg.Logging.LogLevel = e.LogLevel
	}

	if e.LogFormat != "" {
		cfg.Logging.LogFormat = e.LogFormat
	}

	if e.SyncConcurrency > 0 {
		cfg.Workers.SyncConcurrency = e.SyncConcurrency
	}
}
