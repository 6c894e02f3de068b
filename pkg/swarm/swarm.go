// Package swarm joins topics on a libp2p DHT so that peers interested in the
// same log can find and connect to each other.
package swarm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/wait"

	"hyperseeder/pkg/metrics"
)

const (
	DHTProtocolPrefix = "/hyperseeder"
	providerCount     = 20
)

type JoinOptions struct {
	// Server announces this node for the topic.
	Server bool
	// Client looks up and connects to nodes announcing the topic.
	Client bool
}

type SwarmConfig struct {
	DataDir           string
	Seed              string
	Fs                afero.Fs
	Libp2pOpts        []libp2p.Option
	ReprovideInterval time.Duration
	LowWater          int
	HighWater         int
}

func (cfg *SwarmConfig) Apply(opts ...SwarmOption) error {
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

type SwarmOption func(cfg *SwarmConfig) error

func WithLibP2POptions(opts ...libp2p.Option) SwarmOption {
	return func(cfg *SwarmConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

// WithDataDir persists a generated identity in the directory.
func WithDataDir(dataDir string) SwarmOption {
	return func(cfg *SwarmConfig) error {
		cfg.DataDir = dataDir
		return nil
	}
}

// WithSeed derives the identity from a hex encoded seed. It takes precedence
// over a persisted identity.
func WithSeed(seed string) SwarmOption {
	return func(cfg *SwarmConfig) error {
		cfg.Seed = seed
		return nil
	}
}

func WithFs(fs afero.Fs) SwarmOption {
	return func(cfg *SwarmConfig) error {
		cfg.Fs = fs
		return nil
	}
}

func WithReprovideInterval(d time.Duration) SwarmOption {
	return func(cfg *SwarmConfig) error {
		if d <= 0 {
			return fmt.Errorf("reprovide interval has to be positive, got %s", d)
		}
		cfg.ReprovideInterval = d
		return nil
	}
}

func WithConnectionLimits(low, high int) SwarmOption {
	return func(cfg *SwarmConfig) error {
		if low > high {
			return fmt.Errorf("low water %d is larger than high water %d", low, high)
		}
		cfg.LowWater = low
		cfg.HighWater = high
		return nil
	}
}

type membership struct {
	opts      JoinOptions
	cancel    context.CancelFunc
	announced chan struct{}
	done      chan struct{}
}

type Swarm struct {
	bootstrapper Bootstrapper
	host         host.Host
	kdht         *dht.IpfsDHT
	rd           *routing.RoutingDiscovery
	reprovide    time.Duration
	log          logr.Logger

	mx       sync.Mutex
	topics   map[string]*membership
	obsMx    sync.RWMutex
	onConn   []func(peer.ID)
	destroy  sync.Once
	destroyE error
}

// New creates a libp2p host listening on addr and wraps it in a swarm.
func New(ctx context.Context, addr string, bs Bootstrapper, opts ...SwarmOption) (*Swarm, error) {
	cfg := defaultConfig()
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	multiAddrs, err := listenMultiaddrs(addr)
	if err != nil {
		return nil, err
	}
	addrFactoryOpt := libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
		var ip4Ma, ip6Ma ma.Multiaddr
		for _, addr := range addrs {
			if manet.IsIPLoopback(addr) {
				continue
			}
			if isIp6(addr) {
				ip6Ma = addr
				continue
			}
			ip4Ma = addr
		}
		if ip6Ma != nil {
			return []ma.Multiaddr{ip6Ma}
		}
		if ip4Ma != nil {
			return []ma.Multiaddr{ip4Ma}
		}
		return nil
	})
	cm, err := connmgr.NewConnManager(cfg.LowWater, cfg.HighWater)
	if err != nil {
		return nil, fmt.Errorf("could not create connection manager: %w", err)
	}
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(multiAddrs...),
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
		libp2p.ConnectionManager(cm),
		addrFactoryOpt,
	}
	var peerKey crypto.PrivKey
	switch {
	case cfg.Seed != "":
		peerKey, err = keyFromSeed(cfg.Seed)
	case cfg.DataDir != "":
		peerKey, err = loadOrCreatePrivateKey(ctx, cfg.Fs, cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}
	if peerKey != nil {
		libp2pOpts = append(libp2pOpts, libp2p.Identity(peerKey))
	}
	libp2pOpts = append(libp2pOpts, cfg.Libp2pOpts...)
	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create host: %w", err)
	}
	if len(h.Addrs()) != 1 {
		addrs := []string{}
		for _, addr := range h.Addrs() {
			addrs = append(addrs, addr.String())
		}
		return nil, errors.Join(
			fmt.Errorf("expected single host address but got %d %s", len(addrs), strings.Join(addrs, ", ")),
			h.Close(),
		)
	}
	s, err := NewFromHost(ctx, h, bs, opts...)
	if err != nil {
		return nil, errors.Join(err, h.Close())
	}
	return s, nil
}

// NewFromHost creates a swarm on top of an existing host. The swarm takes
// ownership of the host.
func NewFromHost(ctx context.Context, h host.Host, bs Bootstrapper, opts ...SwarmOption) (*Swarm, error) {
	cfg := defaultConfig()
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(DHTProtocolPrefix),
		dht.DisableValues(),
		dht.BootstrapPeersFunc(bootstrapFunc(ctx, bs, h)),
	}
	kdht, err := dht.New(ctx, h, dhtOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create distributed hash table: %w", err)
	}

	s := &Swarm{
		bootstrapper: bs,
		host:         h,
		kdht:         kdht,
		rd:           routing.NewRoutingDiscovery(kdht),
		reprovide:    cfg.ReprovideInterval,
		log:          logr.FromContextOrDiscard(ctx).WithName("swarm"),
		topics:       map[string]*membership{},
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, c network.Conn) {
			// Only the first connection to a peer counts.
			if len(n.ConnsToPeer(c.RemotePeer())) > 1 {
				return
			}
			s.connected(c.RemotePeer())
		},
	})
	return s, nil
}

func defaultConfig() SwarmConfig {
	return SwarmConfig{
		Fs:                afero.NewOsFs(),
		ReprovideInterval: 10 * time.Minute,
		LowWater:          100,
		HighWater:         400,
	}
}

// Run bootstraps the DHT and runs the bootstrapper until ctx is done.
func (s *Swarm) Run(ctx context.Context) error {
	self := s.Self()
	s.log.Info("starting swarm", "id", self)
	if err := s.kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	return s.bootstrapper.Run(ctx, self)
}

// Self is the full dialable address of the host.
func (s *Swarm) Self() string {
	addrs := s.host.Addrs()
	if len(addrs) == 0 {
		return "/p2p/" + s.host.ID().String()
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0].String(), s.host.ID().String())
}

// Ready reports true once the routing table has peers or this node is the
// only bootstrap peer.
func (s *Swarm) Ready(ctx context.Context) (bool, error) {
	addrInfos, err := s.bootstrapper.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(addrInfos) == 0 {
		return false, nil
	}
	if len(addrInfos) == 1 && len(s.host.Addrs()) > 0 {
		matches, err := hostMatches(*host.InfoFromHost(s.host), addrInfos[0])
		if err != nil {
			return false, err
		}
		if matches {
			return true, nil
		}
	}
	if s.kdht.RoutingTable().Size() > 0 {
		return true, nil
	}
	err = s.kdht.Bootstrap(ctx)
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Swarm) Host() host.Host {
	return s.host
}

// Peers returns the number of connected peers.
func (s *Swarm) Peers() int {
	return len(s.host.Network().Peers())
}

// OnConnection registers fn to be called for every newly connected peer.
func (s *Swarm) OnConnection(fn func(peer.ID)) {
	s.obsMx.Lock()
	defer s.obsMx.Unlock()
	s.onConn = append(s.onConn, fn)
}

func (s *Swarm) connected(id peer.ID) {
	s.obsMx.RLock()
	defer s.obsMx.RUnlock()
	for _, fn := range s.onConn {
		go fn(id)
	}
}

// Join announces and or looks up the topic until Leave is called. Joining a
// topic again replaces the previous membership.
func (s *Swarm) Join(ctx context.Context, topic []byte, opts JoinOptions) error {
	if !opts.Server && !opts.Client {
		return errors.New("join has to be as server, client or both")
	}
	c, err := createCid(topic)
	if err != nil {
		return err
	}

	topicKey := string(topic)
	s.mx.Lock()
	if prev, ok := s.topics[topicKey]; ok {
		if prev.opts == opts {
			s.mx.Unlock()
			return nil
		}
		prev.cancel()
	}
	// The membership outlives the request context.
	joinCtx, cancel := context.WithCancel(logr.NewContext(context.WithoutCancel(ctx), s.log))
	m := &membership{
		opts:      opts,
		cancel:    cancel,
		announced: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.topics[topicKey] = m
	s.mx.Unlock()

	log := s.log.WithValues("topic", hex.EncodeToString(topic)[:8], "server", opts.Server, "client", opts.Client)
	log.V(4).Info("joined topic")
	go func() {
		defer close(m.done)
		first := true
		wait.UntilWithContext(joinCtx, func(ctx context.Context) {
			s.refresh(ctx, log, c, opts)
			if first {
				first = false
				close(m.announced)
			}
		}, s.reprovide)
		if first {
			close(m.announced)
		}
	}()
	return nil
}

func (s *Swarm) refresh(ctx context.Context, log logr.Logger, c cid.Cid, opts JoinOptions) {
	if opts.Server {
		if err := s.rd.Provide(ctx, c, true); err != nil {
			log.V(4).Info("could not announce topic", "error", err.Error())
		}
	}
	if opts.Client {
		lookupCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		for addrInfo := range s.rd.FindProvidersAsync(lookupCtx, c, providerCount) {
			if addrInfo.ID == s.host.ID() || len(addrInfo.Addrs) == 0 {
				continue
			}
			if s.host.Network().Connectedness(addrInfo.ID) == network.Connected {
				continue
			}
			if err := s.host.Connect(lookupCtx, addrInfo); err != nil {
				log.V(4).Info("could not connect to provider", "peer", addrInfo.ID.String(), "error", err.Error())
			}
		}
	}
}

// Leave stops announcing and looking up the topic. Leaving a topic that is not
// joined is a no-op.
func (s *Swarm) Leave(ctx context.Context, topic []byte) error {
	s.mx.Lock()
	m, ok := s.topics[string(topic)]
	if ok {
		delete(s.topics, string(topic))
	}
	s.mx.Unlock()
	if !ok {
		return nil
	}
	m.cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return nil
	}
}

// Topics returns the number of joined topics.
func (s *Swarm) Topics() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.topics)
}

// Flush waits until every joined topic finished its first announce and lookup.
func (s *Swarm) Flush(ctx context.Context) error {
	s.mx.Lock()
	pending := make([]chan struct{}, 0, len(s.topics))
	for _, m := range s.topics {
		pending = append(pending, m.announced)
	}
	s.mx.Unlock()
	for _, ch := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return nil
}

// Destroy leaves every topic and closes the DHT and host.
func (s *Swarm) Destroy() error {
	s.destroy.Do(func() {
		s.mx.Lock()
		topics := s.topics
		s.topics = map[string]*membership{}
		s.mx.Unlock()
		for _, m := range topics {
			m.cancel()
			<-m.done
		}
		s.destroyE = errors.Join(s.kdht.Close(), s.host.Close())
	})
	return s.destroyE
}

func bootstrapFunc(ctx context.Context, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx).WithName("swarm")
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		hostAddrs := h.Addrs()
		if len(hostAddrs) == 0 {
			return nil
		}
		var hostPort ma.Component
		ma.ForEach(hostAddrs[0], func(c ma.Component) bool {
			if c.Protocol().Code == ma.P_TCP {
				hostPort = c
				return false
			}
			return true
		})

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := []peer.AddrInfo{}
		for _, addrInfo := range addrInfos {
			// Skip addresses that match host.
			matches, err := hostMatches(*host.InfoFromHost(h), addrInfo)
			if err != nil {
				log.Error(err, "could not compare host with address")
				continue
			}
			if matches {
				log.Info("skipping bootstrap peer that is same as host")
				continue
			}

			// Add port to address if it is missing.
			modifiedAddrs := []ma.Multiaddr{}
			for _, addr := range addrInfo.Addrs {
				hasPort := false
				ma.ForEach(addr, func(c ma.Component) bool {
					if c.Protocol().Code == ma.P_TCP {
						hasPort = true
						return false
					}
					return true
				})
				if hasPort {
					modifiedAddrs = append(modifiedAddrs, addr)
					continue
				}
				modifiedAddrs = append(modifiedAddrs, ma.Join(addr, &hostPort))
			}
			addrInfo.Addrs = modifiedAddrs

			// Resolve ID if it is missing.
			if addrInfo.ID != "" {
				filteredAddrInfos = append(filteredAddrInfos, addrInfo)
				continue
			}
			addrInfo.ID = "id"
			err = h.Connect(bootstrapCtx, addrInfo)
			var mismatchErr sec.ErrPeerIDMismatch
			if !errors.As(err, &mismatchErr) {
				log.Error(err, "could not get peer id")
				continue
			}
			addrInfo.ID = mismatchErr.Actual
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
		}
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func isIp6(m ma.Multiaddr) bool {
	c, _ := ma.SplitFirst(m)
	if c == nil || c.Protocol().Code != ma.P_IP6 {
		return false
	}
	return true
}

// createCid maps a topic to the content id announced on the DHT.
func createCid(topic []byte) (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum(topic)
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}

func hostMatches(host, addrInfo peer.AddrInfo) (bool, error) {
	// Skip self when address ID matches host ID.
	if host.ID != "" && addrInfo.ID != "" {
		return host.ID == addrInfo.ID, nil
	}

	// Skip self when IP matches
	hostIP, err := manet.ToIP(host.Addrs[0])
	if err != nil {
		return false, err
	}
	for _, addr := range addrInfo.Addrs {
		addrIP, err := manet.ToIP(addr)
		if err != nil {
			return false, err
		}
		if hostIP.Equal(addrIP) {
			return true, nil
		}
	}

	return false, nil
}
