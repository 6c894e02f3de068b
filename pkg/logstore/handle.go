package logstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
)

var ErrBlockNotFound = errors.New("block not found")

// Handle is a session on a log.
type Handle struct {
	store     *Store
	core      *core
	closeOnce sync.Once
}

func (h *Handle) Key() Key {
	return h.core.key
}

func (h *Handle) DiscoveryKey() [32]byte {
	return h.core.discoveryKey
}

// Ready loads the stored state of the log.
func (h *Handle) Ready(ctx context.Context) error {
	return h.core.load(ctx)
}

// Length is the highest length known locally or from peers.
func (h *Handle) Length() uint64 {
	return h.core.length()
}

// ContiguousLength is the number of blocks stored locally without gaps.
func (h *Handle) ContiguousLength() uint64 {
	return h.core.contiguousLength()
}

func (h *Handle) Writable() bool {
	h.core.mx.Lock()
	defer h.core.mx.Unlock()
	return h.core.priv != nil
}

// Download requests blocks in [start, end) from peers. An end of -1 keeps
// following the log as it grows. Blocks are always fetched in order from the
// first missing block.
func (h *Handle) Download(start, end int64) {
	c := h.core
	c.mx.Lock()
	if end >= 0 && end <= start {
		c.mx.Unlock()
		return
	}
	wasDownloading := c.downloading
	if !c.downloading || end < 0 || (c.wantEnd >= 0 && end > c.wantEnd) {
		c.wantEnd = end
	}
	c.downloading = true
	c.mx.Unlock()

	if wasDownloading {
		c.poke()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h.store.pullLoop(c)
	}()
}

// OnDownload calls fn with the index of every block written to the log.
func (h *Handle) OnDownload(fn func(index uint64)) (cancel func()) {
	return h.core.addListener(fn)
}

// Append adds blocks to a writable log and returns the new length.
func (h *Handle) Append(ctx context.Context, data ...[]byte) (uint64, error) {
	return h.core.append(ctx, data...)
}

func (h *Handle) Block(ctx context.Context, index uint64) ([]byte, error) {
	blk, err := h.core.readBlock(ctx, index)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, index)
	}
	if err != nil {
		return nil, err
	}
	return blk.Data, nil
}

// WaitLength blocks until the log has at least n contiguous blocks.
func (h *Handle) WaitLength(ctx context.Context, n uint64) error {
	if h.ContiguousLength() >= n {
		return nil
	}
	done := make(chan struct{})
	once := sync.Once{}
	cancel := h.OnDownload(func(uint64) {
		if h.ContiguousLength() >= n {
			once.Do(func() { close(done) })
		}
	})
	defer cancel()
	if h.ContiguousLength() >= n {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close ends the session. The log itself is closed with its last session.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.store.release(h.core)
	})
	return nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("log %s (%d/%d)", h.core.key.Short(), h.ContiguousLength(), h.Length())
}
