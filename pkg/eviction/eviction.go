// Package eviction decides when a tracked log should stop being seeded.
package eviction

import (
	"time"

	"hyperseeder/pkg/store"
)

const (
	DefaultEmptyLifespan = "2h"
	DefaultFullLifespan  = "30d"
)

type Policy struct {
	// EmptyLifespan is how long a log may stay empty before it is dropped.
	EmptyLifespan time.Duration
	// FullLifespan is how long any log is kept without a refresh.
	FullLifespan time.Duration
}

// NewPolicy parses the two lifespans. Unparseable values become zero, which
// evicts on the next check.
func NewPolicy(emptyLifespan, fullLifespan string) Policy {
	return Policy{
		EmptyLifespan: ParseDuration(emptyLifespan),
		FullLifespan:  ParseDuration(fullLifespan),
	}
}

func DefaultPolicy() Policy {
	return NewPolicy(DefaultEmptyLifespan, DefaultFullLifespan)
}

// IsEmptyAndStale reports whether a log known to be empty has had a record
// for at least the empty lifespan. Logs without a record are never stale.
func (p Policy) IsEmptyAndStale(rec *store.Record, currentLength uint64, now time.Time) bool {
	if rec == nil || currentLength != 0 {
		return false
	}
	return now.Sub(rec.LastUpdated) >= p.EmptyLifespan
}

// IsAbandoned reports whether the record was last refreshed at least the full
// lifespan ago.
func (p Policy) IsAbandoned(rec *store.Record, now time.Time) bool {
	if rec == nil {
		return false
	}
	return now.Sub(rec.LastUpdated) >= p.FullLifespan
}

// ShouldEvict combines both rules and returns the reason used for metrics.
func (p Policy) ShouldEvict(rec *store.Record, currentLength uint64, now time.Time) (string, bool) {
	if p.IsEmptyAndStale(rec, currentLength, now) {
		return "empty", true
	}
	if p.IsAbandoned(rec, now) {
		return "abandoned", true
	}
	return "", false
}
