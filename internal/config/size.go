package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rotateUnit is the unit lumberjack counts MaxSize in.
const rotateUnit = 1 << 20

// sizeUnits are the log_max_size suffixes, matched case-insensitively. KB,
// MB and GB are decimal; KiB, MiB and GiB are binary.
var sizeUnits = map[string]int64{
	"":    1,
	"b":   1,
	"kb":  1e3,
	"kib": 1 << 10,
	"mb":  1e6,
	"mib": 1 << 20,
	"gb":  1e9,
	"gib": 1 << 30,
}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]*)$`)

// ParseSize converts a size such as "100MB", "1.5 GiB" or "4096" to bytes.
// An empty value is zero.
func ParseSize(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, nil
	}

	m := sizePattern.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q: want a non-negative number with an optional B, KB, KiB, MB, MiB, GB or GiB suffix", s)
	}

	unit, ok := sizeUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, m[2])
	}

	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	return int64(n * float64(unit)), nil
}

// RotateSizeMB is log_max_size as lumberjack's MaxSize, rounded up to whole
// MiB. lumberjack reads 0 as its own default, so the result is at least 1.
func (l ResolvedLogging) RotateSizeMB() int {
	return max(int((l.LogMaxSizeBytes+rotateUnit-1)/rotateUnit), 1)
}
