// Package logstore keeps signed append-only logs in a datastore and replicates
// them between peers over a libp2p stream protocol.
package logstore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	ds "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

var ErrClosed = errors.New("log store is closed")

type StoreConfig struct {
	PollInterval        time.Duration
	UnknownPeerTTL      time.Duration
	UnknownPeerCapacity int
	MaxBlocksPerRequest uint64
	RequestTimeout      time.Duration
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

func WithPollInterval(d time.Duration) StoreOption {
	return func(cfg *StoreConfig) error {
		if d <= 0 {
			return fmt.Errorf("poll interval has to be positive, got %s", d)
		}
		cfg.PollInterval = d
		return nil
	}
}

func WithUnknownPeerTTL(d time.Duration) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.UnknownPeerTTL = d
		return nil
	}
}

func WithMaxBlocksPerRequest(n uint64) StoreOption {
	return func(cfg *StoreConfig) error {
		if n == 0 {
			return errors.New("max blocks per request can not be zero")
		}
		cfg.MaxBlocksPerRequest = n
		return nil
	}
}

// Store opens logs and serves the ones currently open to peers. The host may
// be nil, in which case logs are only available locally.
type Store struct {
	ctx     context.Context
	cancel  context.CancelFunc
	host    host.Host
	ds      ds.Datastore
	cfg     StoreConfig
	unknown *expirable.LRU[string, struct{}]
	log     logr.Logger

	mx     sync.Mutex
	closed bool
	cores  map[Key]*core
	byDisc map[[32]byte]*core
}

func New(ctx context.Context, h host.Host, d ds.Datastore, opts ...StoreOption) (*Store, error) {
	cfg := StoreConfig{
		PollInterval:        30 * time.Second,
		UnknownPeerTTL:      5 * time.Minute,
		UnknownPeerCapacity: 4096,
		MaxBlocksPerRequest: 512,
		RequestTimeout:      time.Minute,
	}
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Store{
		ctx:     ctx,
		cancel:  cancel,
		host:    h,
		ds:      d,
		cfg:     cfg,
		unknown: expirable.NewLRU[string, struct{}](cfg.UnknownPeerCapacity, nil, cfg.UnknownPeerTTL),
		log:     logr.FromContextOrDiscard(ctx).WithName("logstore"),
		cores:   map[Key]*core{},
		byDisc:  map[[32]byte]*core{},
	}
	if h != nil {
		h.SetStreamHandler(ProtocolID, s.handleStream)
	}
	return s, nil
}

// Get opens a session on the log. Sessions share state and the log stays
// open until every session is closed.
func (s *Store) Get(ctx context.Context, key Key) (*Handle, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.cores[key]
	if !ok {
		c = newCore(s.ctx, key, s.ds)
		s.cores[key] = c
		s.byDisc[c.discoveryKey] = c
	}
	c.refs++
	return &Handle{store: s, core: c}, nil
}

// Create opens a writable session on the log owned by priv.
func (s *Store) Create(ctx context.Context, priv ed25519.PrivateKey) (*Handle, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	key, err := KeyFromBytes(pub)
	if err != nil {
		return nil, err
	}
	h, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	h.core.mx.Lock()
	h.core.priv = priv
	h.core.mx.Unlock()
	return h, nil
}

// Replicate pulls every downloading log from the peer.
func (s *Store) Replicate(id peer.ID) {
	s.log.V(4).Info("replicating with peer", "peer", id.String())
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, c := range s.cores {
		if _, _, ok := c.wants(); ok {
			c.poke()
		}
	}
}

// Open returns the number of open logs.
func (s *Store) Open() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.cores)
}

func (s *Store) release(c *core) {
	s.mx.Lock()
	c.mx.Lock()
	c.refs--
	last := c.refs == 0
	c.mx.Unlock()
	if last && s.cores[c.key] == c {
		delete(s.cores, c.key)
		delete(s.byDisc, c.discoveryKey)
	}
	s.mx.Unlock()

	if last {
		c.cancel()
		c.wg.Wait()
	}
}

func (s *Store) lookup(discoveryKey [32]byte) (*core, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	c, ok := s.byDisc[discoveryKey]
	return c, ok
}

// Close stops replication and closes every open log.
func (s *Store) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	cores := make([]*core, 0, len(s.cores))
	for _, c := range s.cores {
		cores = append(cores, c)
	}
	s.cores = map[Key]*core{}
	s.byDisc = map[[32]byte]*core{}
	s.mx.Unlock()

	if s.host != nil {
		s.host.RemoveStreamHandler(ProtocolID)
	}
	s.cancel()
	for _, c := range cores {
		c.wg.Wait()
	}
	return nil
}
