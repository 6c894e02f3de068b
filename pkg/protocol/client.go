package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"

	"hyperseeder/pkg/logstore"
	"hyperseeder/pkg/metrics"
)

// SeedAdd asks the remote seeder to start seeding the log.
func (p *Protocol) SeedAdd(ctx context.Context, remote string, hexKey string) (string, error) {
	key, err := logstore.ParseKey(hexKey)
	if err != nil {
		return "", err
	}
	return p.call(ctx, remote, MethodSeedAdd, key[:])
}

// SeedRemove asks the remote seeder to stop seeding the log.
func (p *Protocol) SeedRemove(ctx context.Context, remote string, hexKey string) (string, error) {
	if _, err := logstore.ParseKey(hexKey); err != nil {
		return "", err
	}
	return p.call(ctx, remote, MethodSeedRemove, []byte(strings.ToLower(hexKey)))
}

func (p *Protocol) call(ctx context.Context, remote, method string, body []byte) (string, error) {
	if p.host == nil {
		return "", errors.New("protocol has no host to dial from")
	}
	addrInfo, err := parseRemote(remote)
	if err != nil {
		return "", err
	}
	log := p.log.WithValues("peer", addrInfo.ID.String(), "method", method)
	metrics.RPCRequestsTotal.WithLabelValues(method, "outbound").Inc()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	s, err := retry.DoWithData(func() (network.Stream, error) {
		if len(addrInfo.Addrs) > 0 {
			if err := p.host.Connect(ctx, addrInfo); err != nil {
				return nil, err
			}
		}
		return p.host.NewStream(ctx, addrInfo.ID, ProtocolID)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.V(4).Info("retrying request", "attempt", n+1, "error", err.Error())
		}),
	)
	if err != nil {
		return "", fmt.Errorf("could not open stream to %s: %w", addrInfo.ID, err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	b, err := json.Marshal(request{Method: method, Body: body})
	if err != nil {
		return "", err
	}
	if err := msgio.NewVarintWriter(s).WriteMsg(b); err != nil {
		return "", fmt.Errorf("could not write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return "", err
	}
	b, err = msgio.NewVarintReaderSize(s, maxMessageSize).ReadMsg()
	if err != nil {
		return "", fmt.Errorf("could not read response: %w", err)
	}
	resp := response{}
	if err := json.Unmarshal(b, &resp); err != nil {
		return "", fmt.Errorf("could not decode response: %w", err)
	}
	if resp.Error != "" {
		if strings.HasPrefix(resp.Error, ErrUnknownMethod.Error()) {
			return "", fmt.Errorf("%w: %s", ErrUnknownMethod, method)
		}
		return "", errors.New(resp.Error)
	}
	log.V(4).Info("request acknowledged", "reply", resp.Reply)
	return resp.Reply, nil
}

// parseRemote accepts a multiaddr ending in /p2p/<id> or a bare peer id.
func parseRemote(remote string) (peer.AddrInfo, error) {
	if strings.HasPrefix(remote, "/") {
		addrInfo, err := peer.AddrInfoFromString(remote)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("invalid remote address %s: %w", remote, err)
		}
		return *addrInfo, nil
	}
	id, err := peer.Decode(remote)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid remote peer id %s: %w", remote, err)
	}
	return peer.AddrInfo{ID: id}, nil
}
