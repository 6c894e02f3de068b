package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

// Bootstrapper provides the initial peers the DHT connects to.
type Bootstrapper interface {
	// Run publishes the node id when the bootstrapper supports it and blocks
	// until ctx is done.
	Run(ctx context.Context, id string) error
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	peers := []peer.AddrInfo{}
	for _, peerStr := range peerStrs {
		addrInfo, err := peer.AddrInfoFromString(peerStr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %s: %w", peerStr, err)
		}
		peers = append(peers, *addrInfo)
	}
	return NewStaticBootstrapper(peers), nil
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{
		peers: peers,
	}
}

func (b *StaticBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return b.peers, nil
}

var _ Bootstrapper = &DNSBootstrapper{}

// DNSBootstrapper resolves the A and AAAA records of a domain. The returned
// peers have no id, it is resolved when connecting.
type DNSBootstrapper struct {
	domain   string
	limit    int
	resolver string
	client   *dns.Client
}

func NewDNSBootstrapper(domain string, limit int) *DNSBootstrapper {
	return &DNSBootstrapper{
		domain: domain,
		limit:  limit,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// WithResolver sets the nameserver address instead of reading resolv.conf.
func (b *DNSBootstrapper) WithResolver(addr string) *DNSBootstrapper {
	b.resolver = addr
	return b
}

func (b *DNSBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	resolver := b.resolver
	if resolver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("could not read resolver config: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no nameservers configured")
		}
		resolver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	ips := []net.IP{}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := &dns.Msg{}
		msg.SetQuestion(dns.Fqdn(b.domain), qtype)
		resp, err := retry.DoWithData(func() (*dns.Msg, error) {
			resp, _, err := b.client.ExchangeContext(ctx, msg, resolver)
			return resp, err
		}, retry.Context(ctx), retry.Attempts(3), retry.Delay(100*time.Millisecond), retry.LastErrorOnly(true))
		if err != nil {
			return nil, fmt.Errorf("could not resolve %s: %w", b.domain, err)
		}
		for _, rr := range resp.Answer {
			switch r := rr.(type) {
			case *dns.A:
				ips = append(ips, r.A)
			case *dns.AAAA:
				ips = append(ips, r.AAAA)
			}
		}
	}

	addrInfos := []peer.AddrInfo{}
	for _, ip := range ips {
		if b.limit > 0 && len(addrInfos) >= b.limit {
			break
		}
		proto := "ip4"
		if ip.To4() == nil {
			proto = "ip6"
		}
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s", proto, ip.String()))
		if err != nil {
			return nil, err
		}
		addrInfos = append(addrInfos, peer.AddrInfo{
			Addrs: []ma.Multiaddr{addr},
		})
	}
	return addrInfos, nil
}

var _ Bootstrapper = &HTTPBootstrapper{}

// HTTPBootstrapper serves the node address over HTTP and bootstraps from the
// address served by another node.
type HTTPBootstrapper struct {
	addr string
	peer string
}

func NewHTTPBootstrapper(addr, peer string) *HTTPBootstrapper {
	return &HTTPBootstrapper{
		addr: addr,
		peer: peer,
	}
}

func (b *HTTPBootstrapper) Run(ctx context.Context, id string) error {
	g, ctx := errgroup.WithContext(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		//nolint: errcheck // Ignore error.
		w.Write([]byte(id))
	})
	srv := &http.Server{
		Addr:    b.addr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (b *HTTPBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.peer+"/id", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected bootstrap status %s", resp.Status)
	}
	b2, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	addrInfo, err := peer.AddrInfoFromString(string(b2))
	if err != nil {
		return nil, err
	}
	return []peer.AddrInfo{*addrInfo}, nil
}
