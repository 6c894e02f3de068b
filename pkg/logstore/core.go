package logstore

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	ds "github.com/ipfs/go-datastore"
)

var ErrReadOnly = errors.New("log is not writable")

type block struct {
	Index     uint64 `json:"index"`
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}

func signable(discoveryKey [32]byte, index uint64, data []byte) []byte {
	sum := sha256.Sum256(data)
	b := make([]byte, 0, len(discoveryKey)+8+len(sum))
	b = append(b, discoveryKey[:]...)
	b = binary.BigEndian.AppendUint64(b, index)
	b = append(b, sum[:]...)
	return b
}

func verifyBlock(key Key, discoveryKey [32]byte, b block) bool {
	return ed25519.Verify(key.PublicKey(), signable(discoveryKey, b.Index, b.Data), b.Signature)
}

// core is the state shared by every handle of a log.
type core struct {
	key          Key
	discoveryKey [32]byte
	ds           ds.Datastore

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loadOnce sync.Once
	loadErr  error
	trigger  chan struct{}

	mx           sync.Mutex
	refs         int
	priv         ed25519.PrivateKey
	contiguous   uint64
	remoteLength uint64
	downloading  bool
	wantEnd      int64
	listeners    map[int]func(uint64)
	nextListener int
	// Serializes block writes.
	writeMx sync.Mutex
}

func newCore(ctx context.Context, key Key, d ds.Datastore) *core {
	ctx, cancel := context.WithCancel(ctx)
	return &core{
		key:          key,
		discoveryKey: key.DiscoveryKey(),
		ds:           d,
		ctx:          ctx,
		cancel:       cancel,
		trigger:      make(chan struct{}, 1),
		listeners:    map[int]func(uint64){},
	}
}

func (c *core) prefix() string {
	return "/logs/" + c.key.String()
}

func (c *core) lengthKey() ds.Key {
	return ds.NewKey(c.prefix() + "/length")
}

func (c *core) blockKey(index uint64) ds.Key {
	return ds.NewKey(c.prefix() + "/blocks/" + strconv.FormatUint(index, 10))
}

func (c *core) load(ctx context.Context) error {
	c.loadOnce.Do(func() {
		b, err := c.ds.Get(ctx, c.lengthKey())
		if errors.Is(err, ds.ErrNotFound) {
			return
		}
		if err != nil {
			c.loadErr = fmt.Errorf("could not read length of log %s: %w", c.key.Short(), err)
			return
		}
		n, err := strconv.ParseUint(string(b), 10, 64)
		if err != nil {
			c.loadErr = fmt.Errorf("invalid stored length for log %s: %w", c.key.Short(), err)
			return
		}
		c.mx.Lock()
		c.contiguous = n
		c.mx.Unlock()
	})
	return c.loadErr
}

func (c *core) length() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return max(c.contiguous, c.remoteLength)
}

func (c *core) contiguousLength() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.contiguous
}

func (c *core) observeRemoteLength(n uint64) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.remoteLength = max(c.remoteLength, n)
}

// wants reports the next block index to fetch and how many blocks are wanted,
// zero meaning no limit.
func (c *core) wants() (uint64, uint64, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.downloading {
		return 0, 0, false
	}
	if c.wantEnd < 0 {
		return c.contiguous, 0, true
	}
	if c.contiguous >= uint64(c.wantEnd) {
		return 0, 0, false
	}
	return c.contiguous, uint64(c.wantEnd) - c.contiguous, true
}

func (c *core) readBlock(ctx context.Context, index uint64) (block, error) {
	b, err := c.ds.Get(ctx, c.blockKey(index))
	if err != nil {
		return block{}, err
	}
	blk := block{}
	if err := json.Unmarshal(b, &blk); err != nil {
		return block{}, fmt.Errorf("could not decode block %d of log %s: %w", index, c.key.Short(), err)
	}
	return blk, nil
}

// writeBlock stores the next contiguous block and notifies listeners.
func (c *core) writeBlock(ctx context.Context, blk block) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	return c.writeBlockLocked(ctx, blk)
}

func (c *core) writeBlockLocked(ctx context.Context, blk block) error {
	if expected := c.contiguousLength(); blk.Index != expected {
		return fmt.Errorf("block %d is not the next block %d of log %s", blk.Index, expected, c.key.Short())
	}
	b, err := json.Marshal(blk)
	if err != nil {
		return err
	}
	if err := c.ds.Put(ctx, c.blockKey(blk.Index), b); err != nil {
		return fmt.Errorf("could not store block %d of log %s: %w", blk.Index, c.key.Short(), err)
	}
	next := blk.Index + 1
	if err := c.ds.Put(ctx, c.lengthKey(), []byte(strconv.FormatUint(next, 10))); err != nil {
		return fmt.Errorf("could not store length of log %s: %w", c.key.Short(), err)
	}

	c.mx.Lock()
	c.contiguous = next
	listeners := make([]func(uint64), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mx.Unlock()
	for _, fn := range listeners {
		fn(blk.Index)
	}
	return nil
}

func (c *core) append(ctx context.Context, data ...[]byte) (uint64, error) {
	c.mx.Lock()
	priv := c.priv
	c.mx.Unlock()
	if priv == nil {
		return 0, ErrReadOnly
	}
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	for _, d := range data {
		index := c.contiguousLength()
		blk := block{
			Index:     index,
			Data:      d,
			Signature: ed25519.Sign(priv, signable(c.discoveryKey, index, d)),
		}
		if err := c.writeBlockLocked(ctx, blk); err != nil {
			return 0, err
		}
	}
	return c.contiguousLength(), nil
}

func (c *core) addListener(fn func(uint64)) func() {
	c.mx.Lock()
	defer c.mx.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		delete(c.listeners, id)
	}
}

func (c *core) poke() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}
