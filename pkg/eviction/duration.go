package eviction

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

const maxDurationLength = 200

var durationRegex = regexp.MustCompile(`^(([0-9]*[.])?[0-9]+)(d|h|m|s|w|y)?$`)

var unitMillis = map[string]float64{
	"":  1,
	"s": 1000,
	"m": 60 * 1000,
	"h": 60 * 60 * 1000,
	"d": 24 * 60 * 60 * 1000,
	"w": 7 * 24 * 60 * 60 * 1000,
	"y": 365 * 24 * 60 * 60 * 1000,
}

// ParseDuration parses a magnitude with an optional unit suffix, for example
// "500", "1.5h" or "30d". A missing unit means milliseconds. The result is
// truncated to whole milliseconds and is zero for input that does not parse.
func ParseDuration(s string) time.Duration {
	if len(s) > maxDurationLength {
		return 0
	}
	match := durationRegex.FindStringSubmatch(s)
	if match == nil {
		return 0
	}
	n, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	ms := math.Floor(n * unitMillis[match[3]])
	if ms >= math.MaxInt64/float64(time.Millisecond) {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
