package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"

	"hyperseeder/pkg/logstore"
)

const testKey = "0101010101010101010101010101010101010101010101010101010101010101"

func newHosts(t *testing.T) (host.Host, host.Host) {
	t.Helper()

	mn := mocknet.New()
	t.Cleanup(func() {
		mn.Close()
	})
	server, err := mn.GenPeer()
	require.NoError(t, err)
	client, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	return server, client
}

type recorder struct {
	events chan Event
}

func newRecorder(p *Protocol) *recorder {
	r := &recorder{events: make(chan Event, 10)}
	obs := func(ctx context.Context, event Event) {
		r.events <- event
	}
	p.Subscribe(AddSeed, obs)
	p.Subscribe(RemoveSeed, obs)
	return r
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()

	select {
	case event := <-r.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestLocalHandlers(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), nil)
	rec := newRecorder(p)
	key, err := logstore.ParseKey(testKey)
	require.NoError(t, err)

	require.Equal(t, Ack, p.OnAddSeed(key[:]))
	require.Equal(t, Event{Kind: AddSeed, Key: key}, rec.next(t))
	require.Equal(t, Ack, p.OnRemoveSeed(testKey))
	require.Equal(t, Event{Kind: RemoveSeed, Key: key}, rec.next(t))

	// Invalid keys are acknowledged without events.
	require.Equal(t, Ack, p.OnAddSeed([]byte("short")))
	require.Equal(t, Ack, p.OnRemoveSeed("not hex"))
	require.NoError(t, p.Close())
	require.Empty(t, rec.events)

	// Requests after close are acknowledged but no observer runs.
	require.Equal(t, Ack, p.OnAddSeed(key[:]))
	require.Equal(t, Ack, p.OnRemoveSeed(testKey))
	require.NoError(t, p.Close())
	require.Empty(t, rec.events)
}

func TestSeedAddRemove(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	serverHost, clientHost := newHosts(t)

	server := New(ctx, serverHost)
	defer server.Close()
	rec := newRecorder(server)
	client := New(ctx, clientHost)
	defer client.Close()
	key, err := logstore.ParseKey(testKey)
	require.NoError(t, err)

	reply, err := client.SeedAdd(ctx, serverHost.ID().String(), testKey)
	require.NoError(t, err)
	require.Equal(t, Ack, reply)
	require.Equal(t, Event{Kind: AddSeed, Key: key}, rec.next(t))

	remote := serverHost.Addrs()[0].String() + "/p2p/" + serverHost.ID().String()
	reply, err = client.SeedRemove(ctx, remote, strings.ToUpper(testKey))
	require.NoError(t, err)
	require.Equal(t, Ack, reply)
	require.Equal(t, Event{Kind: RemoveSeed, Key: key}, rec.next(t))

	_, err = client.SeedAdd(ctx, serverHost.ID().String(), "abc")
	require.ErrorIs(t, err, logstore.ErrInvalidKey)
	_, err = client.SeedAdd(ctx, "not a peer", testKey)
	require.Error(t, err)

	_, err = client.call(ctx, serverHost.ID().String(), "seedBogus", nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestRawRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	serverHost, clientHost := newHosts(t)

	server := New(ctx, serverHost)
	defer server.Close()

	tests := []struct {
		name     string
		req      request
		expected response
	}{
		{
			name:     "seed add with invalid key",
			req:      request{Method: MethodSeedAdd, Body: []byte{1, 2, 3}},
			expected: response{Reply: Ack},
		},
		{
			name:     "seed remove",
			req:      request{Method: MethodSeedRemove, Body: []byte(testKey)},
			expected: response{Reply: Ack},
		},
		{
			name:     "unknown method",
			req:      request{Method: "other"},
			expected: response{Error: "unknown method: other"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := clientHost.NewStream(ctx, serverHost.ID(), ProtocolID)
			require.NoError(t, err)
			defer s.Close()
			b, err := json.Marshal(tt.req)
			require.NoError(t, err)
			require.NoError(t, msgio.NewVarintWriter(s).WriteMsg(b))
			b, err = msgio.NewVarintReaderSize(s, maxMessageSize).ReadMsg()
			require.NoError(t, err)
			resp := response{}
			require.NoError(t, json.Unmarshal(b, &resp))
			require.Equal(t, tt.expected, resp)
		})
	}
}

type fakeSeeder struct {
	mx         sync.Mutex
	registered []logstore.Key
	removed    []logstore.Key
	done       chan struct{}
}

func (f *fakeSeeder) RegisterHypercore(ctx context.Context, key logstore.Key) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.registered = append(f.registered, key)
	f.done <- struct{}{}
	return nil
}

func (f *fakeSeeder) RemoveHypercore(ctx context.Context, key logstore.Key) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.removed = append(f.removed, key)
	f.done <- struct{}{}
	return nil
}

func TestServe(t *testing.T) {
	t.Parallel()

	key, err := logstore.ParseKey(testKey)
	require.NoError(t, err)

	tests := []struct {
		name          string
		opts          []ServerOption
		expectRemoval bool
	}{
		{
			name:          "removal disabled",
			expectRemoval: false,
		},
		{
			name: "removal authorized",
			opts: []ServerOption{WithRemoveAuthorizer(func(context.Context, Event) bool {
				return true
			})},
			expectRemoval: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New(context.Background(), nil)
			seeder := &fakeSeeder{done: make(chan struct{}, 10)}
			require.NoError(t, Serve(p, seeder, tt.opts...))

			require.Equal(t, Ack, p.OnAddSeed(key[:]))
			require.Equal(t, Ack, p.OnRemoveSeed(testKey))
			require.NoError(t, p.Close())

			require.Equal(t, []logstore.Key{key}, seeder.registered)
			if tt.expectRemoval {
				require.Equal(t, []logstore.Key{key}, seeder.removed)
			} else {
				require.Empty(t, seeder.removed)
			}
		})
	}
}
