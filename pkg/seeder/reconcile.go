package seeder

import (
	"context"
	"fmt"
	"math"

	"hyperseeder/pkg/store"
)

// storedLogs snapshots the records persisted before the seeder opened.
func (s *Seeder) storedLogs(ctx context.Context) ([]store.Entry, error) {
	entries := []store.Entry{}
	for e, err := range s.store.Scan(ctx) {
		if err != nil {
			return nil, fmt.Errorf("could not scan stored logs: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// reconcile resumes seeding of the given logs one at a time.
func (s *Seeder) reconcile(ctx context.Context, entries []store.Entry) {
	log := s.log.WithName("reconcile")
	log.Info("starting to seed existing logs", "stored", len(entries))
	count := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		rec := e.Record
		if err := s.beginSeeding(ctx, e.Key, &rec); err != nil {
			log.Error(err, "could not resume seeding", "key", e.Key.Short())
			continue
		}
		count++
	}
	log.Info("resumed seeding existing logs", "count", count)
}

func (s *Seeder) reportStatus(ctx context.Context) {
	first := s.clock.Timer(s.statusDelay)
	defer first.Stop()
	ticker := s.clock.Ticker(s.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			s.logStatus()
		case <-ticker.C:
			s.logStatus()
		}
	}
}

func (s *Seeder) logStatus() {
	stats := s.Stats()
	s.log.Info("status",
		"uptimeMinutes", int(math.Ceil(stats.Uptime.Minutes())),
		"peers", stats.Peers,
		"connections", stats.Connections,
		"requests", stats.Requests,
		"itemsSeeded", stats.ItemsSeeded,
		"tracked", stats.Tracked,
	)
	s.reports.Add(1)
}
