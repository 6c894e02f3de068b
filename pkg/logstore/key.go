package logstore

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var ErrInvalidKey = errors.New("invalid log key")

const discoveryNamespace = "hypercore"

// Key is the ed25519 public key identifying a log.
type Key [ed25519.PublicKeySize]byte

func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != len(Key{}) {
		return Key{}, fmt.Errorf("%w: expected %d bytes got %d", ErrInvalidKey, len(Key{}), len(b))
	}
	return Key(b), nil
}

// ParseKey parses a hex encoded key.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return KeyFromBytes(b)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short is the form used in log lines.
func (k Key) Short() string {
	return k.String()[:8] + "..."
}

func (k Key) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(k[:])
}

// DiscoveryKey derives the topic peers use to find each other for a log
// without revealing the log key itself.
func (k Key) DiscoveryKey() [32]byte {
	h, err := blake2b.New256(k[:])
	if err != nil {
		panic(err)
	}
	h.Write([]byte(discoveryNamespace))
	out := [32]byte{}
	copy(out[:], h.Sum(nil))
	return out
}
