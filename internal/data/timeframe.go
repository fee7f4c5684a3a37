package data

import (
	"fmt"
	"strconv"
	"strings"
)

var timeframeUnits = []struct {
	suffix  string
	seconds int64
}{
	// longer suffixes first: "1month" also ends in "h"
	{"month", 2_592_000},
	{"week", 604_800},
	{"hour", 3600},
	{"day", 86_400},
	{"min", 60},
	{"mo", 2_592_000},
	{"s", 1},
	{"m", 60},
	{"h", 3600},
	{"d", 86_400},
	{"w", 604_800},
}

// ParseTimeframe converts labels such as "1m", "5min", "1h", "60s" or a bare
// number of seconds into a step in seconds.
func ParseTimeframe(value string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid timeframe seconds: %q", value)
		}
		return n, nil
	}

	for _, unit := range timeframeUnits {
		number, ok := strings.CutSuffix(s, unit.suffix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(number, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid timeframe: %q", value)
		}
		return n * unit.seconds, nil
	}
	return 0, fmt.Errorf("unsupported timeframe: %q", value)
}
