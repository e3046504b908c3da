package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Identity errors
var (
	ErrShortSeed   = errors.New("identity: seed must be at least 32 bytes")
	ErrNilIdentity = errors.New("identity: not initialized")
)

// Identity holds a node's Ed25519 keypair
type Identity struct {
	priv crypto.PrivKey
	pub  crypto.PubKey
}

// GenerateIdentity creates a fresh random Ed25519 identity. Not suitable
// for production nodes, which must derive from a configured seed.
func GenerateIdentity() (*Identity, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// IdentityFromSeed derives a deterministic Ed25519 identity from the
// first 32 bytes of seed
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) < 32 {
		return nil, ErrShortSeed
	}
	std := ed25519.NewKeyFromSeed(seed[:32])
	priv, err := crypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal private key: %w", err)
	}
	return &Identity{priv: priv, pub: priv.GetPublic()}, nil
}

// IdentityFromHexSeed derives an identity from a hex-encoded seed
func IdentityFromHexSeed(seedHex string) (*Identity, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("identity: decode seed: %w", err)
	}
	return IdentityFromSeed(seed)
}

// PublicKey returns the identity's public key
func (id *Identity) PublicKey() crypto.PubKey {
	if id == nil {
		return nil
	}
	return id.pub
}

// Sign signs data with the identity's private key
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id == nil || id.priv == nil {
		return nil, ErrNilIdentity
	}
	return id.priv.Sign(data)
}

// Verify checks sig over data against pub
func Verify(pub crypto.PubKey, data, sig []byte) (bool, error) {
	if pub == nil {
		return false, errors.New("identity: nil public key")
	}
	return pub.Verify(data, sig)
}

// MarshalPublicKey encodes a public key as base64 for registration
// exchange and config files
func MarshalPublicKey(pub crypto.PubKey) (string, error) {
	raw, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("identity: marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// UnmarshalPublicKey decodes a base64 public key produced by
// MarshalPublicKey
func UnmarshalPublicKey(encoded string) (crypto.PubKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	pub, err := crypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal public key: %w", err)
	}
	return pub, nil
}
