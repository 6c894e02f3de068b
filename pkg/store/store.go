// Package store persists tracking records with compare-and-swap writes so
// that a slow writer can never move a record's length backwards.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"hyperseeder/pkg/kv"
	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/metrics"
)

type StoreConfig struct {
	Clock clock.Clock
}

func (cfg *StoreConfig) Apply(opts ...StoreOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type StoreOption func(cfg *StoreConfig) error

func WithClock(c clock.Clock) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.Clock = c
		return nil
	}
}

type Entry struct {
	Key    logstore.Key
	Record Record
}

type Store struct {
	kv    *kv.Store
	clock clock.Clock
}

func New(kvStore *kv.Store, opts ...StoreOption) (*Store, error) {
	cfg := StoreConfig{
		Clock: clock.New(),
	}
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}
	return &Store{
		kv:    kvStore,
		clock: cfg.Clock,
	}, nil
}

func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Get returns the record for key. A missing or undecodable record is reported
// as not found.
func (s *Store) Get(ctx context.Context, key logstore.Key) (Record, bool, error) {
	b, err := s.kv.Get(ctx, key[:])
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("could not read record for %s: %w", key.Short(), err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		logr.FromContextOrDiscard(ctx).V(4).Info("ignoring undecodable record", "key", key.Short(), "error", err.Error())
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Put writes a fresh record with the given length. The write is rejected
// unless the length grows, or stays equal when forceRefresh is set.
func (s *Store) Put(ctx context.Context, key logstore.Key, length uint64, forceRefresh bool) (bool, error) {
	rec := Record{
		Type:        RecordType,
		Length:      length,
		LastUpdated: s.clock.Now(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := s.kv.CompareAndPut(ctx, key[:], b, func(prev, _ []byte) bool {
		var prevLength uint64
		if prevRec, err := decodeRecord(prev); err == nil {
			prevLength = prevRec.Length
		}
		if forceRefresh {
			return length >= prevLength
		}
		return length > prevLength
	})
	if err != nil {
		metrics.RecordWritesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("could not write record for %s: %w", key.Short(), err)
	}
	if !ok {
		metrics.RecordWritesTotal.WithLabelValues("rejected").Inc()
		return false, nil
	}
	metrics.RecordWritesTotal.WithLabelValues("accepted").Inc()
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key logstore.Key) error {
	err := s.kv.Delete(ctx, key[:])
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("could not delete record for %s: %w", key.Short(), err)
	}
	return nil
}

// Scan walks every stored record once. Entries with keys or values that do
// not decode are skipped.
func (s *Store) Scan(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for e, err := range s.kv.Scan(ctx) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			key, err := logstore.KeyFromBytes(e.Key)
			if err != nil {
				continue
			}
			rec, err := decodeRecord(e.Value)
			if err != nil {
				continue
			}
			if !yield(Entry{Key: key, Record: rec}, nil) {
				return
			}
		}
	}
}
