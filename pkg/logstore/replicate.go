package logstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"

	"hyperseeder/pkg/metrics"
)

const (
	ProtocolID  protocol.ID = "/hyperseeder/log/1.0.0"
	maxFrameLen             = 4 << 20
)

type pullRequest struct {
	DiscoveryKey []byte `json:"discoveryKey"`
	From         uint64 `json:"from"`
	Max          uint64 `json:"max"`
}

type pullHeader struct {
	Known  bool   `json:"known"`
	Length uint64 `json:"length"`
}

func (s *Store) pullLoop(c *core) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, _, ok := c.wants(); ok {
			s.pullAll(c)
		}
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
	}
}

func (s *Store) pullAll(c *core) {
	if s.host == nil {
		return
	}
	log := s.log.WithValues("key", c.key.Short())
	for _, id := range s.host.Network().Peers() {
		if c.ctx.Err() != nil {
			return
		}
		if _, _, ok := c.wants(); !ok {
			return
		}
		if s.unknown.Contains(unknownKey(id, c.discoveryKey)) {
			continue
		}
		n, err := s.pull(c.ctx, c, id)
		if err != nil {
			log.V(4).Info("could not pull from peer", "peer", id.String(), "error", err.Error())
			continue
		}
		if n > 0 {
			log.V(4).Info("pulled blocks", "peer", id.String(), "count", n)
		}
	}
}

// pull fetches the wanted blocks the peer has and returns how many were
// stored.
func (s *Store) pull(ctx context.Context, c *core, id peer.ID) (int, error) {
	from, want, ok := c.wants()
	if !ok {
		return 0, nil
	}
	limit := s.cfg.MaxBlocksPerRequest
	if want > 0 && want < limit {
		limit = want
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	st, err := s.host.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}

	w := msgio.NewVarintWriter(st)
	r := msgio.NewVarintReaderSize(st, maxFrameLen)
	req, err := json.Marshal(pullRequest{
		DiscoveryKey: c.discoveryKey[:],
		From:         from,
		Max:          limit,
	})
	if err != nil {
		return 0, err
	}
	if err := w.WriteMsg(req); err != nil {
		return 0, fmt.Errorf("could not write pull request: %w", err)
	}
	if err := st.CloseWrite(); err != nil {
		return 0, err
	}

	b, err := r.ReadMsg()
	if err != nil {
		return 0, fmt.Errorf("could not read pull header: %w", err)
	}
	header := pullHeader{}
	err = json.Unmarshal(b, &header)
	r.ReleaseMsg(b)
	if err != nil {
		return 0, fmt.Errorf("could not decode pull header: %w", err)
	}
	if !header.Known {
		s.unknown.Add(unknownKey(id, c.discoveryKey), struct{}{})
		return 0, nil
	}
	c.observeRemoteLength(header.Length)

	count := 0
	for {
		b, err := r.ReadMsg()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("could not read block: %w", err)
		}
		blk := block{}
		err = json.Unmarshal(b, &blk)
		r.ReleaseMsg(b)
		if err != nil {
			return count, fmt.Errorf("could not decode block: %w", err)
		}
		if !verifyBlock(c.key, c.discoveryKey, blk) {
			return count, fmt.Errorf("invalid signature for block %d", blk.Index)
		}
		if err := c.writeBlock(ctx, blk); err != nil {
			return count, err
		}
		metrics.BlocksReplicatedTotal.Inc()
		count++
	}
}

func (s *Store) handleStream(st network.Stream) {
	defer st.Close()
	log := s.log.WithValues("peer", st.Conn().RemotePeer().String())
	_ = st.SetDeadline(time.Now().Add(s.cfg.RequestTimeout))

	r := msgio.NewVarintReaderSize(st, maxFrameLen)
	w := msgio.NewVarintWriter(st)
	b, err := r.ReadMsg()
	if err != nil {
		log.V(4).Info("could not read pull request", "error", err.Error())
		_ = st.Reset()
		return
	}
	req := pullRequest{}
	err = json.Unmarshal(b, &req)
	r.ReleaseMsg(b)
	if err != nil || len(req.DiscoveryKey) != 32 {
		log.V(4).Info("invalid pull request")
		_ = st.Reset()
		return
	}

	c, ok := s.lookup([32]byte(req.DiscoveryKey))
	if ok {
		if err := c.load(s.ctx); err != nil {
			log.Error(err, "could not load log")
			ok = false
		}
	}
	if !ok {
		log.V(4).Info("pull request for unknown log", "discoveryKey", hex.EncodeToString(req.DiscoveryKey)[:8])
		_ = writeJSON(w, pullHeader{Known: false})
		return
	}

	length := c.contiguousLength()
	if err := writeJSON(w, pullHeader{Known: true, Length: length}); err != nil {
		return
	}
	end := length
	if req.Max > 0 && req.From+req.Max < end {
		end = req.From + req.Max
	}
	for i := req.From; i < end; i++ {
		blk, err := c.readBlock(s.ctx, i)
		if err != nil {
			log.Error(err, "could not read block", "index", i)
			return
		}
		if err := writeJSON(w, blk); err != nil {
			return
		}
	}
}

func writeJSON(w msgio.WriteCloser, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteMsg(b)
}

func unknownKey(id peer.ID, discoveryKey [32]byte) string {
	return id.String() + "/" + hex.EncodeToString(discoveryKey[:])
}
