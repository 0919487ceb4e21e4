package tx

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/helioslabs/solvent/pkg/chain"
)

// Signer holds the liqor owner keypair. The chain's native curve is
// ed25519; the public key doubles as the owner address.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keypair seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadSignerFromFile reads the common JSON keypair format: a 64-byte array
// of seed followed by public key.
func LoadSignerFromFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keypair: %w", err)
	}
	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return nil, fmt.Errorf("parsing keypair: %w", err)
	}
	if len(bytes) < ed25519.SeedSize {
		return nil, fmt.Errorf("keypair file too short")
	}
	return NewSignerFromSeed(bytes[:ed25519.SeedSize])
}

func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

func (s *Signer) Address() chain.Address {
	var a chain.Address
	copy(a[:], s.pub)
	return a
}

// messageHash is what gets signed: a digest over accounts and data.
func messageHash(msg []byte) []byte {
	h := sha256.Sum256(msg)
	return h[:]
}
