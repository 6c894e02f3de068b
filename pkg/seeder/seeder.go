// Package seeder keeps logs replicated and available until they are evicted.
package seeder

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"

	"hyperseeder/pkg/eviction"
	"hyperseeder/pkg/flush"
	"hyperseeder/pkg/kv"
	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/metrics"
	"hyperseeder/pkg/store"
	"hyperseeder/pkg/swarm"
)

// ErrNotOpen is returned by tracking operations called before Open completed.
var ErrNotOpen = errors.New("seeder is not open")

// DefaultTopic is the rendezvous topic seeders announce themselves on.
const DefaultTopic = "3b9f8ccd062ca9fc0b7dd407b4cd287ca6e2d8b32f046d7958fa7bea4d78fd75"

type Swarm interface {
	Join(ctx context.Context, topic []byte, opts swarm.JoinOptions) error
	Leave(ctx context.Context, topic []byte) error
	Flush(ctx context.Context) error
	Peers() int
	OnConnection(fn func(peer.ID))
	Destroy() error
}

type Logs interface {
	Get(ctx context.Context, key logstore.Key) (*logstore.Handle, error)
	Replicate(id peer.ID)
	Close() error
}

var (
	_ Swarm = &swarm.Swarm{}
	_ Logs  = &logstore.Store{}
)

type SeederConfig struct {
	Topic          []byte
	Policy         eviction.Policy
	Clock          clock.Clock
	StatusDelay    time.Duration
	StatusInterval time.Duration
}

func (cfg *SeederConfig) Apply(opts ...SeederOption) error {
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

type SeederOption func(cfg *SeederConfig) error

// WithTopic sets the hex encoded rendezvous topic.
func WithTopic(topicHex string) SeederOption {
	return func(cfg *SeederConfig) error {
		topic, err := hex.DecodeString(topicHex)
		if err != nil {
			return fmt.Errorf("could not decode topic: %w", err)
		}
		if len(topic) != 32 {
			return fmt.Errorf("topic has to be 32 bytes, got %d", len(topic))
		}
		cfg.Topic = topic
		return nil
	}
}

func WithPolicy(policy eviction.Policy) SeederOption {
	return func(cfg *SeederConfig) error {
		cfg.Policy = policy
		return nil
	}
}

func WithClock(c clock.Clock) SeederOption {
	return func(cfg *SeederConfig) error {
		cfg.Clock = c
		return nil
	}
}

// WithStatusInterval sets when status is first logged and how often after.
func WithStatusInterval(delay, interval time.Duration) SeederOption {
	return func(cfg *SeederConfig) error {
		if delay <= 0 || interval <= 0 {
			return errors.New("status delay and interval have to be positive")
		}
		cfg.StatusDelay = delay
		cfg.StatusInterval = interval
		return nil
	}
}

// Status is the state of a tracked log.
type Status struct {
	Key              logstore.Key
	Length           uint64
	ContiguousLength uint64
	LastUpdated      time.Time
}

// Stats are the counters included in the status report.
type Stats struct {
	Uptime      time.Duration
	Peers       int
	Connections int64
	Requests    int64
	ItemsSeeded int64
	Tracked     int
}

type session struct {
	handle *logstore.Handle
	cancel func()
}

type Seeder struct {
	swarm  Swarm
	logs   Logs
	store  *store.Store
	flush  *flush.Coordinator
	policy eviction.Policy
	clock  clock.Clock
	topic  []byte
	log    logr.Logger

	statusDelay    time.Duration
	statusInterval time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopStatus context.CancelFunc
	statusWg   sync.WaitGroup
	open       atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	startedAt  time.Time

	requests    atomic.Int64
	itemsSeeded atomic.Int64
	connections atomic.Int64
	reports     atomic.Int64

	mx       sync.Mutex
	sessions map[logstore.Key]*session
}

// New creates a seeder that owns the swarm and log store.
func New(ctx context.Context, sw Swarm, logs Logs, kvStore *kv.Store, opts ...SeederOption) (*Seeder, error) {
	topic, err := hex.DecodeString(DefaultTopic)
	if err != nil {
		return nil, err
	}
	cfg := SeederConfig{
		Topic:          topic,
		Policy:         eviction.DefaultPolicy(),
		Clock:          clock.New(),
		StatusDelay:    2 * time.Minute,
		StatusInterval: 15 * time.Minute,
	}
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}
	st, err := store.New(kvStore, store.WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}

	log := logr.FromContextOrDiscard(ctx).WithName("seeder")
	ctx, cancel := context.WithCancel(logr.NewContext(ctx, log))
	s := &Seeder{
		swarm:          sw,
		logs:           logs,
		store:          st,
		flush:          flush.NewCoordinator(ctx, sw),
		policy:         cfg.Policy,
		clock:          cfg.Clock,
		topic:          cfg.Topic,
		log:            log,
		statusDelay:    cfg.StatusDelay,
		statusInterval: cfg.StatusInterval,
		ctx:            ctx,
		cancel:         cancel,
		startedAt:      cfg.Clock.Now(),
		sessions:       map[logstore.Key]*session{},
	}
	sw.OnConnection(s.onConnection)
	return s, nil
}

// Open announces the seeder on the rendezvous topic, then resumes seeding every
// stored log in the background.
func (s *Seeder) Open(ctx context.Context) error {
	if s.open.Load() {
		return nil
	}
	if err := s.swarm.Join(ctx, s.topic, swarm.JoinOptions{Server: true}); err != nil {
		return fmt.Errorf("could not join rendezvous topic: %w", err)
	}
	if err := s.flush.Wait(ctx); err != nil {
		return err
	}
	s.log.Info("joined rendezvous topic", "topic", hex.EncodeToString(s.topic))
	// Only logs stored before opening are resumed, later registrations seed themselves.
	entries, err := s.storedLogs(ctx)
	if err != nil {
		return err
	}
	s.open.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconcile(s.ctx, entries)
	}()
	statusCtx, stopStatus := context.WithCancel(context.WithoutCancel(s.ctx))
	s.stopStatus = stopStatus
	s.statusWg.Add(1)
	go func() {
		defer s.statusWg.Done()
		s.reportStatus(statusCtx)
	}()
	return nil
}

// Ready reports whether Open completed.
func (s *Seeder) Ready() bool {
	return s.open.Load()
}

func (s *Seeder) checkOpen(op string) error {
	if s.open.Load() {
		return nil
	}
	s.log.Error(ErrNotOpen, "tracking operation called before open", "operation", op)
	return ErrNotOpen
}

// RegisterHypercore starts seeding the log, or refreshes its record when it is
// already tracked.
func (s *Seeder) RegisterHypercore(ctx context.Context, key logstore.Key) error {
	if err := s.checkOpen("register"); err != nil {
		return err
	}
	s.requests.Add(1)
	metrics.RegistrationRequestsTotal.Inc()
	log := s.log.WithValues("key", key.Short())
	log.Info("registering log")

	rec, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		log.Info("log already registered, refreshing last update")
		if _, err := s.store.Put(ctx, key, rec.Length, true); err != nil {
			return err
		}
		return nil
	}
	return s.beginSeeding(ctx, key, nil)
}

// beginSeeding opens the log and starts downloading it. prev is the record
// that existed before seeding started, used to evict stale logs.
func (s *Seeder) beginSeeding(ctx context.Context, key logstore.Key, prev *store.Record) error {
	s.itemsSeeded.Add(1)
	metrics.ItemsSeededTotal.Inc()
	log := s.log.WithValues("key", key.Short())

	h, err := s.logs.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("could not open log %s: %w", key.Short(), err)
	}
	if err := h.Ready(ctx); err != nil {
		return errors.Join(fmt.Errorf("could not open log %s: %w", key.Short(), err), h.Close())
	}
	if _, err := s.store.Put(ctx, key, h.Length(), false); err != nil {
		return errors.Join(err, h.Close())
	}

	discoveryKey := h.DiscoveryKey()
	if reason, evict := s.policy.ShouldEvict(prev, h.Length(), s.clock.Now()); evict {
		log.Info("evicting log", "reason", reason)
		metrics.EvictionsTotal.WithLabelValues(reason).Inc()
		return errors.Join(s.dropItem(ctx, key, discoveryKey[:]), h.Close())
	}

	s.mx.Lock()
	if _, ok := s.sessions[key]; ok {
		s.mx.Unlock()
		log.V(4).Info("log is already being seeded")
		return h.Close()
	}
	sess := &session{handle: h}
	s.sessions[key] = sess
	metrics.TrackedLogs.Set(float64(len(s.sessions)))
	s.mx.Unlock()

	log.V(4).Info("started seeding", "length", h.Length())
	if err := s.swarm.Join(ctx, discoveryKey[:], swarm.JoinOptions{Server: true}); err != nil {
		s.stopSession(key)
		return fmt.Errorf("could not join topic of log %s: %w", key.Short(), err)
	}
	s.flush.FlushIfNeeded(func() {
		log.V(4).Info("log topic announced")
	})

	sess.cancel = h.OnDownload(func(index uint64) {
		// Growth writes must not race store shutdown.
		writeCtx := context.WithoutCancel(s.ctx)
		if _, err := s.store.Put(writeCtx, key, h.Length(), false); err != nil {
			log.Error(err, "could not persist log growth")
			return
		}
		log.V(4).Info("log grew", "length", h.Length(), "block", index)
	})
	h.Download(0, -1)
	return nil
}

// GetHypercoreStatus returns the status of a tracked log, or nil when the log
// is not tracked.
func (s *Seeder) GetHypercoreStatus(ctx context.Context, key logstore.Key) (*Status, error) {
	if err := s.checkOpen("status"); err != nil {
		return nil, err
	}
	rec, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	h, err := s.logs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("could not open log %s: %w", key.Short(), err)
	}
	defer h.Close()
	if err := h.Ready(ctx); err != nil {
		return nil, fmt.Errorf("could not open log %s: %w", key.Short(), err)
	}
	return &Status{
		Key:              key,
		Length:           h.Length(),
		ContiguousLength: h.ContiguousLength(),
		LastUpdated:      rec.LastUpdated,
	}, nil
}

// RemoveHypercore stops seeding the log. The record is deleted last so that an
// interrupted removal can be retried.
func (s *Seeder) RemoveHypercore(ctx context.Context, key logstore.Key) error {
	if err := s.checkOpen("remove"); err != nil {
		return err
	}
	log := s.log.WithValues("key", key.Short())
	log.Info("stop tracking log")

	_, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("log was not tracked, ignoring removal")
		return nil
	}

	h, err := s.logs.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("could not open log %s: %w", key.Short(), err)
	}
	if err := h.Ready(ctx); err != nil {
		return errors.Join(fmt.Errorf("could not open log %s: %w", key.Short(), err), h.Close())
	}
	discoveryKey := h.DiscoveryKey()
	if err := s.swarm.Leave(ctx, discoveryKey[:]); err != nil {
		return errors.Join(err, h.Close())
	}
	s.stopSession(key)
	if err := h.Close(); err != nil {
		return err
	}
	if err := s.dropItem(ctx, key, discoveryKey[:]); err != nil {
		return err
	}
	log.Info("dropped log")
	return nil
}

// dropItem leaves the topic and deletes the record. It is safe to call for
// logs that are not tracked.
func (s *Seeder) dropItem(ctx context.Context, key logstore.Key, topic []byte) error {
	s.log.V(4).Info("removing log from tracking", "key", key.Short())
	if err := s.swarm.Leave(ctx, topic); err != nil {
		return err
	}
	s.stopSession(key)
	return s.store.Delete(ctx, key)
}

func (s *Seeder) stopSession(key logstore.Key) {
	s.mx.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	metrics.TrackedLogs.Set(float64(len(s.sessions)))
	s.mx.Unlock()
	if !ok {
		return
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	//nolint: errcheck // Handle close does not fail.
	sess.handle.Close()
}

func (s *Seeder) onConnection(id peer.ID) {
	s.connections.Add(1)
	metrics.ConnectionsTotal.Inc()
	s.log.V(4).Info("connection from peer", "peer", id.String())
	s.logs.Replicate(id)
}

// Stats returns the current counters.
func (s *Seeder) Stats() Stats {
	s.mx.Lock()
	tracked := len(s.sessions)
	s.mx.Unlock()
	return Stats{
		Uptime:      s.clock.Since(s.startedAt),
		Peers:       s.swarm.Peers(),
		Connections: s.connections.Load(),
		Requests:    s.requests.Load(),
		ItemsSeeded: s.itemsSeeded.Load(),
		Tracked:     tracked,
	}
}

// Close stops reconciliation, closes the log store and the swarm and finally
// stops status reporting.
func (s *Seeder) Close() error {
	s.closeOnce.Do(func() {
		s.open.Store(false)
		s.cancel()
		s.wg.Wait()
		s.mx.Lock()
		s.sessions = map[logstore.Key]*session{}
		metrics.TrackedLogs.Set(0)
		s.mx.Unlock()
		s.closeErr = errors.Join(s.logs.Close(), s.swarm.Destroy())
		if s.stopStatus != nil {
			s.stopStatus()
			s.statusWg.Wait()
		}
	})
	return s.closeErr
}
