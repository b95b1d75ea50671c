package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// datasetsSection holds one table per dataset id, each with datasetKeys.
const datasetsSection = "datasets"

// workersSection nests one pacing table per role, each with roleKeys.
const workersSection = "workers"

var (
	workerRoles = []string{"ack", "pending", "sync"}
	roleKeys    = []string{"backoff", "backoff_max", "interval"}
)

var datasetKeys = []string{
	"backend_list_timeout", "client_sync_timeout", "max_schedule_wait_time", "sync_frequency",
}

// knownSectionKeys are the valid keys of every fixed section, sorted for
// deterministic suggestions when two candidates have the same edit distance.
var knownSectionKeys = map[string][]string{
	"store":            {"busy_timeout", "db_path", "max_open_conns"},
	"queues":           {"message_ttl", "prune_frequency", "sync_visibility", "visibility"},
	"scheduler":        {"lock_name", "time_before_crash_assumed", "time_between_checks"},
	"cleaner":          {"check_frequency", "lock_name", "lock_ttl", "retention"},
	"dataset_defaults": datasetKeys,
	"logging":          {"log_file", "log_format", "log_level", "log_max_size", "log_retention_days"},
	workersSection: {
		"ack", "ack_concurrency", "backoff", "backoff_max", "interval", "pending",
		"pending_concurrency", "pending_retry_interval", "pending_retry_limit", "sync",
		"sync_concurrency",
	},
}

// knownSections is the sorted list of top-level table names.
var knownSections = func() []string {
	names := make([]string, 0, len(knownSectionKeys)+1)
	for k := range knownSectionKeys {
		names = append(names, k)
	}

	names = append(names, datasetsSection)
	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. Keys under an unknown
// section all report the section itself.
func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	if !isSection(key[0]) {
		return withSuggestion(fmt.Sprintf("unknown config section or key %q", key[0]), key[0], knownSections)
	}

	switch {
	case len(key) == 1:
		return nil
	case key[0] == datasetsSection && len(key) == 2:
		return nil
	case key[0] == datasetsSection:
		return withSuggestion(
			fmt.Sprintf("unknown key %q in [datasets.%s]", key[2], key[1]), key[2], datasetKeys)
	case key[0] == workersSection && len(key) > 2 && slices.Contains(workerRoles, key[1]):
		return withSuggestion(
			fmt.Sprintf("unknown key %q in [workers.%s]", key[2], key[1]), key[2], roleKeys)
	default:
		return withSuggestion(
			fmt.Sprintf("unknown key %q in [%s]", key[1], key[0]), key[1], knownSectionKeys[key[0]])
	}
}

func isSection(name string) bool {
	_, ok := knownSectionKeys[name]
	return ok || name == datasetsSection
}

func withSuggestion(msg, unknown string, known []string) error {
	if suggestion := closestMatch(unknown, known); suggestion != "" {
		return fmt.Errorf("%s: did you mean %q?", msg, suggestion)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: two rows instead of a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
