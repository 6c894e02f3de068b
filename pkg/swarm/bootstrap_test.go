package swarm

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestStaticBootstrap(t *testing.T) {
	t.Parallel()

	peers := []string{
		"/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
		"/ip4/104.131.131.83/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ",
	}
	bs, err := NewStaticBootstrapperFromStrings(peers)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bs.Run(ctx, "foo"))

	addrInfos, err := bs.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, addrInfos, 2)
	require.Equal(t, "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ", addrInfos[0].ID.String())

	_, err = NewStaticBootstrapperFromStrings([]string{"invalid"})
	require.Error(t, err)
}

func TestDNSBootstrap(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := dns.NewServeMux()
	mux.HandleFunc("seeds.example.com.", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := &dns.Msg{}
		resp.SetReply(req)
		switch req.Question[0].Qtype {
		case dns.TypeA:
			for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			}
		case dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: net.ParseIP("fd00::1"),
			})
		}
		//nolint: errcheck // Ignore error.
		w.WriteMsg(resp)
	})
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() {
		//nolint: errcheck // Ignore error.
		srv.ActivateAndServe()
	}()
	defer srv.Shutdown()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bs := NewDNSBootstrapper("seeds.example.com", 0).WithResolver(pc.LocalAddr().String())
	addrInfos, err := bs.Get(ctx)
	require.NoError(t, err)
	addrs := []string{}
	for _, addrInfo := range addrInfos {
		require.Empty(t, addrInfo.ID)
		require.Len(t, addrInfo.Addrs, 1)
		addrs = append(addrs, addrInfo.Addrs[0].String())
	}
	require.Equal(t, []string{"/ip4/10.0.0.1", "/ip4/10.0.0.2", "/ip4/10.0.0.3", "/ip6/fd00::1"}, addrs)

	bs = NewDNSBootstrapper("seeds.example.com", 2).WithResolver(pc.LocalAddr().String())
	addrInfos, err = bs.Get(ctx)
	require.NoError(t, err)
	require.Len(t, addrInfos, 2)
}

func TestHTTPBootstrap(t *testing.T) {
	t.Parallel()

	id := "/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/id", r.URL.Path)
		//nolint: errcheck // Ignore error.
		w.Write([]byte(id))
	}))
	defer srv.Close()

	bs := NewHTTPBootstrapper(":0", srv.URL)
	addrInfos, err := bs.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, addrInfos, 1)
	require.Equal(t, "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ", addrInfos[0].ID.String())
}
