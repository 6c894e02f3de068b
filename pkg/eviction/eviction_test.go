package eviction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hyperseeder/pkg/store"
)

func TestIsEmptyAndStale(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	p := Policy{EmptyLifespan: 1000 * time.Millisecond, FullLifespan: time.Hour}

	tests := []struct {
		name     string
		rec      *store.Record
		length   uint64
		expected bool
	}{
		{
			name:     "no record",
			rec:      nil,
			length:   0,
			expected: false,
		},
		{
			name:     "empty and fresh",
			rec:      &store.Record{LastUpdated: now.Add(-999 * time.Millisecond)},
			length:   0,
			expected: false,
		},
		{
			name:     "empty at lifespan",
			rec:      &store.Record{LastUpdated: now.Add(-1000 * time.Millisecond)},
			length:   0,
			expected: true,
		},
		{
			name:     "not empty",
			rec:      &store.Record{LastUpdated: now.Add(-time.Minute)},
			length:   1,
			expected: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.expected, p.IsEmptyAndStale(tt.rec, tt.length, now))
		})
	}
}

func TestIsAbandoned(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	p := Policy{EmptyLifespan: time.Hour, FullLifespan: 1000 * time.Millisecond}

	require.False(t, p.IsAbandoned(nil, now))
	require.False(t, p.IsAbandoned(&store.Record{Length: 10, LastUpdated: now.Add(-999 * time.Millisecond)}, now))
	require.True(t, p.IsAbandoned(&store.Record{Length: 10, LastUpdated: now.Add(-1000 * time.Millisecond)}, now))
	require.True(t, p.IsAbandoned(&store.Record{Length: 0, LastUpdated: now.Add(-time.Hour)}, now))

	reason, ok := p.ShouldEvict(&store.Record{Length: 10, LastUpdated: now.Add(-time.Second)}, 10, now)
	require.True(t, ok)
	require.Equal(t, "abandoned", reason)
	_, ok = p.ShouldEvict(&store.Record{Length: 10, LastUpdated: now}, 10, now)
	require.False(t, ok)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	long := ""
	for range 201 {
		long += "1"
	}

	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"12", 12 * time.Millisecond},
		{"12s", 12 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"1.5s", 1500 * time.Millisecond},
		{".5s", 500 * time.Millisecond},
		{"1.0005", time.Millisecond},
		{"", 0},
		{"abc", 0},
		{"-5s", 0},
		{"5 s", 0},
		{"5ms", 0},
		{"1.s", 0},
		{long, 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.expected, ParseDuration(tt.input))
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	require.Equal(t, 2*time.Hour, p.EmptyLifespan)
	require.Equal(t, 30*24*time.Hour, p.FullLifespan)
}
