package logstore

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T, seed byte) ed25519.PrivateKey {
	t.Helper()

	s := make([]byte, ed25519.SeedSize)
	s[0] = seed
	return ed25519.NewKeyFromSeed(s)
}

func TestKey(t *testing.T) {
	t.Parallel()

	priv := newKey(t, 1)
	key, err := KeyFromBytes(priv.Public().(ed25519.PublicKey))
	require.NoError(t, err)

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	require.Equal(t, key, parsed)
	require.Len(t, key.Short(), 11)

	_, err = ParseKey("abc")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseKey("zz")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = KeyFromBytes(make([]byte, 31))
	require.ErrorIs(t, err, ErrInvalidKey)

	require.Equal(t, key.DiscoveryKey(), parsed.DiscoveryKey())
	require.NotEqual(t, [32]byte(key), key.DiscoveryKey())
	other, err := KeyFromBytes(newKey(t, 2).Public().(ed25519.PublicKey))
	require.NoError(t, err)
	require.NotEqual(t, key.DiscoveryKey(), other.DiscoveryKey())
}

func TestAppendAndReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := dssync.MutexWrap(ds.NewMapDatastore())
	s, err := New(ctx, nil, d)
	require.NoError(t, err)

	priv := newKey(t, 1)
	w, err := s.Create(ctx, priv)
	require.NoError(t, err)
	require.NoError(t, w.Ready(ctx))
	require.True(t, w.Writable())

	events := atomic.Int32{}
	cancel := w.OnDownload(func(uint64) {
		events.Add(1)
	})
	n, err := w.Append(ctx, []byte("a"), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
	require.Equal(t, int32(2), events.Load())
	cancel()
	_, err = w.Append(ctx, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, int32(2), events.Load())

	data, err := w.Block(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), data)
	_, err = w.Block(ctx, 3)
	require.ErrorIs(t, err, ErrBlockNotFound)

	// A second session shares the log.
	r, err := s.Get(ctx, w.Key())
	require.NoError(t, err)
	require.Equal(t, 1, s.Open())
	require.NoError(t, r.Ready(ctx))
	require.Equal(t, uint64(3), r.Length())
	require.True(t, r.Writable())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, 1, s.Open())
	require.NoError(t, r.Close())
	require.Equal(t, 0, s.Open())
	require.NoError(t, s.Close())

	s, err = New(ctx, nil, d)
	require.NoError(t, err)
	defer s.Close()
	r, err = s.Get(ctx, w.Key())
	require.NoError(t, err)
	require.NoError(t, r.Ready(ctx))
	require.Equal(t, uint64(3), r.Length())
	require.Equal(t, uint64(3), r.ContiguousLength())
	require.False(t, r.Writable())
	_, err = r.Append(ctx, []byte("d"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(ctx, nil, ds.NewMapDatastore())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Get(ctx, Key{1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestReplication(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()
	serverHost, err := mn.GenPeer()
	require.NoError(t, err)
	clientHost, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	server, err := New(ctx, serverHost, dssync.MutexWrap(ds.NewMapDatastore()), WithPollInterval(50*time.Millisecond))
	require.NoError(t, err)
	defer server.Close()
	client, err := New(ctx, clientHost, dssync.MutexWrap(ds.NewMapDatastore()), WithPollInterval(50*time.Millisecond), WithMaxBlocksPerRequest(2))
	require.NoError(t, err)
	defer client.Close()

	w, err := server.Create(ctx, newKey(t, 1))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Ready(ctx))
	_, err = w.Append(ctx, []byte("1"), []byte("2"), []byte("3"))
	require.NoError(t, err)

	r, err := client.Get(ctx, w.Key())
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Ready(ctx))
	downloaded := atomic.Int32{}
	r.OnDownload(func(uint64) {
		downloaded.Add(1)
	})
	r.Download(0, -1)

	require.NoError(t, mn.ConnectAllButSelf())
	client.Replicate(serverHost.ID())
	require.NoError(t, r.WaitLength(ctx, 3))
	require.Equal(t, int32(3), downloaded.Load())

	_, err = w.Append(ctx, []byte("4"))
	require.NoError(t, err)
	client.Replicate(serverHost.ID())
	require.NoError(t, r.WaitLength(ctx, 4))
	data, err := r.Block(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("4"), data)
	require.Equal(t, uint64(4), r.Length())
}

func TestReplicationUnknownLog(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()
	serverHost, err := mn.GenPeer()
	require.NoError(t, err)
	clientHost, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	server, err := New(ctx, serverHost, dssync.MutexWrap(ds.NewMapDatastore()))
	require.NoError(t, err)
	defer server.Close()
	client, err := New(ctx, clientHost, dssync.MutexWrap(ds.NewMapDatastore()))
	require.NoError(t, err)
	defer client.Close()

	r, err := client.Get(ctx, Key{9})
	require.NoError(t, err)
	defer r.Close()
	r.Download(0, -1)
	n, err := client.pull(ctx, r.core, serverHost.ID())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.True(t, client.unknown.Contains(unknownKey(serverHost.ID(), r.DiscoveryKey())))
}

func TestReplicationRejectsBadSignature(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()
	serverHost, err := mn.GenPeer()
	require.NoError(t, err)
	clientHost, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	serverDs := dssync.MutexWrap(ds.NewMapDatastore())
	server, err := New(ctx, serverHost, serverDs)
	require.NoError(t, err)
	defer server.Close()
	client, err := New(ctx, clientHost, dssync.MutexWrap(ds.NewMapDatastore()))
	require.NoError(t, err)
	defer client.Close()

	// Block signed by a different key.
	owner, err := KeyFromBytes(newKey(t, 1).Public().(ed25519.PublicKey))
	require.NoError(t, err)
	forger := newKey(t, 2)
	dk := owner.DiscoveryKey()
	blk := block{Index: 0, Data: []byte("forged"), Signature: ed25519.Sign(forger, signable(dk, 0, []byte("forged")))}
	b, err := json.Marshal(blk)
	require.NoError(t, err)
	c := newCore(ctx, owner, serverDs)
	require.NoError(t, serverDs.Put(ctx, c.blockKey(0), b))
	require.NoError(t, serverDs.Put(ctx, c.lengthKey(), []byte(strconv.Itoa(1))))

	sh, err := server.Get(ctx, owner)
	require.NoError(t, err)
	defer sh.Close()
	require.NoError(t, sh.Ready(ctx))
	require.Equal(t, uint64(1), sh.Length())

	r, err := client.Get(ctx, owner)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Ready(ctx))
	r.Download(0, -1)
	_, err = client.pull(ctx, r.core, serverHost.ID())
	require.ErrorContains(t, err, "invalid signature")
	require.Equal(t, uint64(0), r.ContiguousLength())
}
