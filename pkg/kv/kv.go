// Package kv is the ordered key-value store backing the seeder. Keys are raw
// bytes, stored base32hex encoded below a per-database prefix of a go-datastore
// since datastore keys are slash separated paths. The hex alphabet keeps the
// encoded keys in byte order.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"github.com/multiformats/go-base32"
)

var (
	ErrNotFound = ds.ErrNotFound
	ErrEmptyKey = errors.New("key can not be empty")
)

// CompareFunc decides whether next may replace prev. It is only called when a
// previous value exists.
type CompareFunc func(prev, next []byte) bool

type Entry struct {
	Key   []byte
	Value []byte
}

type Store struct {
	ds     ds.Batching
	prefix string
	// Serializes read-compare-write so that CompareAndPut is atomic with
	// respect to every other write going through this store.
	mx sync.Mutex
}

// NewStore creates a store for the database name on top of the given datastore.
func NewStore(d ds.Batching, dbName string) (*Store, error) {
	if dbName == "" {
		return nil, errors.New("database name can not be empty")
	}
	return &Store{
		ds:     d,
		prefix: ds.NewKey(dbName).String() + "/",
	}, nil
}

// NewMemory returns a store backed by a thread safe map datastore.
func NewMemory(dbName string) (*Store, error) {
	return NewStore(dssync.MutexWrap(ds.NewMapDatastore()), dbName)
}

// NewLevelDB opens or creates a leveldb datastore at path.
func NewLevelDB(path, dbName string) (*Store, error) {
	d, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open leveldb datastore at %s: %w", path, err)
	}
	return NewStore(d, dbName)
}

// Datastore exposes the underlying datastore so that other components can
// share the same database file.
func (s *Store) Datastore() ds.Batching {
	return s.ds
}

func (s *Store) key(k []byte) (ds.Key, error) {
	if len(k) == 0 {
		return ds.Key{}, ErrEmptyKey
	}
	return ds.RawKey(s.prefix + base32.RawHexEncoding.EncodeToString(k)), nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	dsKey, err := s.key(key)
	if err != nil {
		return nil, err
	}
	return s.ds.Get(ctx, dsKey)
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	dsKey, err := s.key(key)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.ds.Put(ctx, dsKey, value)
}

// CompareAndPut writes value if no value exists for key or if cmp accepts the
// replacement of the existing value. The returned bool reports whether the
// write happened.
func (s *Store) CompareAndPut(ctx context.Context, key, value []byte, cmp CompareFunc) (bool, error) {
	dsKey, err := s.key(key)
	if err != nil {
		return false, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	prev, err := s.ds.Get(ctx, dsKey)
	if err != nil && !errors.Is(err, ds.ErrNotFound) {
		return false, err
	}
	if err == nil && cmp != nil && !cmp(prev, value) {
		return false, nil
	}
	if err := s.ds.Put(ctx, dsKey, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	dsKey, err := s.key(key)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.ds.Delete(ctx, dsKey)
}

// Scan iterates over all entries of the database in key order. Iteration stops
// on the first error, which is yielded as the second value.
func (s *Store) Scan(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		res, err := s.ds.Query(ctx, query.Query{
			Prefix: s.prefix,
			Orders: []query.Order{query.OrderByKey{}},
		})
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer res.Close()
		for r := range res.Next() {
			if r.Error != nil {
				yield(Entry{}, r.Error)
				return
			}
			if len(r.Key) <= len(s.prefix) {
				continue
			}
			k, err := base32.RawHexEncoding.DecodeString(r.Key[len(s.prefix):])
			if err != nil {
				// Not written by this store.
				continue
			}
			e := Entry{
				Key:   k,
				Value: r.Value,
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) Close() error {
	return s.ds.Close()
}
