package swapnet

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Config is the Host's construction-time configuration, modeled on the
// retrieval pack's net.Config: a data directory holding a persisted node
// identity, a listen port (0 lets the OS pick one, used by tests), and
// the set of bootnodes to dial at startup.
type Config struct {
	Ctx context.Context

	// KeyFile holds this node's persisted libp2p identity key. If it
	// does not exist, a fresh Ed25519 key is generated and written
	// there so the node's peer ID is stable across restarts.
	KeyFile string

	ListenIP string
	Port     uint16

	// Bootnodes are multiaddrs (including a /p2p/<id> peer ID
	// component) dialed once at startup.
	Bootnodes []string

	// SetupTimeout bounds the lifetime of an accepted or dialed
	// swap-setup substream (§6.3).
	SetupTimeout time.Duration
	// RequestTimeout bounds a single request/response substream
	// (spot-price, quote, transfer-proof, enc-sig).
	RequestTimeout time.Duration
}

func loadOrGenerateKey(path string) (crypto.PrivKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	priv, _, err := crypto.GenerateEd25519Key(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("swapnet: generate identity key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("swapnet: marshal identity key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("swapnet: persist identity key: %w", err)
	}
	return priv, nil
}
