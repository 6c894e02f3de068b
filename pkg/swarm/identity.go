package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/afero"
)

const privateKeyFile = "private.key"

// keyFromSeed derives the swarm identity from a hex encoded 32 byte seed.
func keyFromSeed(seedHex string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode identity seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed has to be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
}

func loadOrCreatePrivateKey(ctx context.Context, fs afero.Fs, dataDir string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	keyPath := filepath.Join(dataDir, privateKeyFile)
	log := logr.FromContextOrDiscard(ctx).WithValues("path", keyPath)
	err := fs.MkdirAll(dataDir, 0o755)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(fs, keyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info("creating a new private key")
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		rawBytes, err := privKey.Raw()
		if err != nil {
			return nil, err
		}
		pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(rawBytes))
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		}
		err = afero.WriteFile(fs, keyPath, pem.EncodeToMemory(block), 0o600)
		if err != nil {
			return nil, err
		}
		return privKey, nil
	}
	log.Info("loading the private key from data directory")
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("private key file does not contain a PEM block")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid PEM block type %s", block.Type)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	return crypto.UnmarshalEd25519PrivateKey(edKey)
}
