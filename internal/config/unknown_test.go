package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TopLevel(t *testing.T) {
	path := writeTestConfig(t, `
unknown_section = "value"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config section or key "unknown_section"`)
}

func TestLoad_UnknownSection_Suggestion(t *testing.T) {
	path := writeTestConfig(t, "[queue]\nvisibility = \"10s\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "queues"?`)
}

func TestLoad_UnknownKey_InSection(t *testing.T) {
	//nolint:misspell // intentional typo to test unknown key detection
	path := writeTestConfig(t, "[queues]\nvisibilty = \"10s\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "visibilty" in [queues]`)
	assert.Contains(t, err.Error(), `"visibility"`)
}

func TestLoad_UnknownKey_InDataset(t *testing.T) {
	path := writeTestConfig(t, `
[datasets.todos]
sync_frequncy = "5s"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "sync_frequncy" in [datasets.todos]`)
	assert.Contains(t, err.Error(), `did you mean "sync_frequency"?`)
}

func TestLoad_UnknownKey_InWorkerRole(t *testing.T) {
	path := writeTestConfig(t, `
[workers.sync]
intervl = "5s"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "intervl" in [workers.sync]`)
	assert.Contains(t, err.Error(), `did you mean "interval"?`)
}

func TestLoad_WorkerRoleTablesAccepted(t *testing.T) {
	path := writeTestConfig(t, `
[workers.ack]
interval = "100ms"

[workers.pending]
backoff = "none"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "100ms", cfg.Workers.Ack.Interval)
	assert.Equal(t, "none", cfg.Workers.Pending.Backoff)
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, `
[workers]
completely_unrelated_key = true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownKeys_AllReported(t *testing.T) {
	path := writeTestConfig(t, `
[store]
db_pth = "/tmp/x.db"

[logging]
log_levle = "debug"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db_path")
	assert.Contains(t, err.Error(), "log_level")
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"lock_nam", "lock_name", 1},
		{"vis" + "ibilty", "visibility", 1},
		{"completely_different", "xyz", 19},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch(t *testing.T) {
	known := knownSectionKeys["cleaner"]
	assert.Equal(t, "lock_ttl", closestMatch("lock_tl", known))
	assert.Equal(t, "retention", closestMatch("retension", known))
	assert.Empty(t, closestMatch("completely_unrelated", known))
}
