// Package protocol implements the peer to peer seeding RPC. Requests are
// acknowledged immediately and handled by observers in the background.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"

	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/metrics"
)

const (
	ProtocolID protocol.ID = "/hyperseeder/rpc/1.0.0"

	MethodSeedAdd    = "seedAdd"
	MethodSeedRemove = "seedRemove"

	// Ack is the reply to every recognized request.
	Ack = "ok"

	maxMessageSize = 64 << 10
	requestTimeout = 30 * time.Second
)

var ErrUnknownMethod = errors.New("unknown method")

type EventKind string

const (
	AddSeed    EventKind = "add-seed"
	RemoveSeed EventKind = "remove-seed"
)

type Event struct {
	Kind EventKind
	Key  logstore.Key
}

type Observer func(ctx context.Context, event Event)

type request struct {
	Method string `json:"method"`
	Body   []byte `json:"body"`
}

type response struct {
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

type Protocol struct {
	ctx   context.Context
	host  host.Host
	log   logr.Logger
	wg    sync.WaitGroup
	obsMx sync.RWMutex
	obs   map[EventKind][]Observer
	// Set under obsMx once Close begins, no observers start after that.
	closing bool
	closed  sync.Once
}

// New creates the protocol and serves it on the host. The host may be nil when
// the protocol is only called locally.
func New(ctx context.Context, h host.Host) *Protocol {
	p := &Protocol{
		ctx:  ctx,
		host: h,
		log:  logr.FromContextOrDiscard(ctx).WithName("protocol"),
		obs:  map[EventKind][]Observer{},
	}
	if h != nil {
		h.SetStreamHandler(ProtocolID, p.handleStream)
	}
	return p
}

// Subscribe registers an observer for events of the kind.
func (p *Protocol) Subscribe(kind EventKind, obs Observer) {
	p.obsMx.Lock()
	defer p.obsMx.Unlock()
	p.obs[kind] = append(p.obs[kind], obs)
}

// OnAddSeed handles a seedAdd request carrying the raw key bytes.
func (p *Protocol) OnAddSeed(raw []byte) string {
	key, err := logstore.KeyFromBytes(raw)
	if err != nil {
		p.log.Info("ignoring seed add with invalid key", "error", err.Error())
		return Ack
	}
	p.emit(Event{Kind: AddSeed, Key: key})
	return Ack
}

// OnRemoveSeed handles a seedRemove request carrying the hex encoded key.
func (p *Protocol) OnRemoveSeed(hexKey string) string {
	key, err := logstore.ParseKey(hexKey)
	if err != nil {
		p.log.Info("ignoring seed remove with invalid key", "error", err.Error())
		return Ack
	}
	p.emit(Event{Kind: RemoveSeed, Key: key})
	return Ack
}

func (p *Protocol) emit(event Event) {
	p.obsMx.RLock()
	defer p.obsMx.RUnlock()
	if p.closing {
		p.log.V(4).Info("dropping event after close", "key", event.Key.Short())
		return
	}
	for _, obs := range p.obs[event.Kind] {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			obs(p.ctx, event)
		}()
	}
}

func (p *Protocol) handleStream(s network.Stream) {
	defer s.Close()
	log := p.log.WithValues("peer", s.Conn().RemotePeer().String())
	_ = s.SetDeadline(time.Now().Add(requestTimeout))

	r := msgio.NewVarintReaderSize(s, maxMessageSize)
	w := msgio.NewVarintWriter(s)
	b, err := r.ReadMsg()
	if err != nil {
		log.V(4).Info("could not read request", "error", err.Error())
		_ = s.Reset()
		return
	}
	req := request{}
	err = json.Unmarshal(b, &req)
	r.ReleaseMsg(b)
	if err != nil {
		log.V(4).Info("could not decode request", "error", err.Error())
		_ = s.Reset()
		return
	}

	resp := p.dispatch(req)
	method := req.Method
	if resp.Error != "" {
		method = "unknown"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, "inbound").Inc()
	b, err = json.Marshal(resp)
	if err != nil {
		log.Error(err, "could not encode response")
		return
	}
	if err := w.WriteMsg(b); err != nil {
		log.V(4).Info("could not write response", "error", err.Error())
	}
}

func (p *Protocol) dispatch(req request) response {
	switch req.Method {
	case MethodSeedAdd:
		return response{Reply: p.OnAddSeed(req.Body)}
	case MethodSeedRemove:
		return response{Reply: p.OnRemoveSeed(string(req.Body))}
	default:
		return response{Error: ErrUnknownMethod.Error() + ": " + req.Method}
	}
}

// Close stops serving and waits for running observers.
func (p *Protocol) Close() error {
	p.closed.Do(func() {
		p.obsMx.Lock()
		p.closing = true
		p.obsMx.Unlock()
		if p.host != nil {
			p.host.RemoveStreamHandler(ProtocolID)
		}
	})
	p.wg.Wait()
	return nil
}
