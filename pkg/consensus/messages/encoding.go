package messages

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	libcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// EncoderConfig contains encoding security parameters
type EncoderConfig struct {
	MaxMessageSize       int
	MaxProposalSize      int
	ClockSkewTolerance   time.Duration
	VerifyCacheSize      int
	VerifyCacheTTL       time.Duration
	RejectFutureMessages bool
}

// DefaultEncoderConfig returns secure defaults
func DefaultEncoderConfig() *EncoderConfig {
	return &EncoderConfig{
		MaxMessageSize:       10 << 10, // 10 KB
		MaxProposalSize:      1 << 20,  // 1 MB
		ClockSkewTolerance:   2 * time.Minute,
		VerifyCacheSize:      4096,
		VerifyCacheTTL:       10 * time.Minute,
		RejectFutureMessages: true,
	}
}

// Encoder produces byte-exact canonical CBOR for signing and wire
// transfer, and verifies signatures with a bounded result cache.
type Encoder struct {
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	config      *EncoderConfig
	verifyCache *expirable.LRU[string, bool]
	mu          sync.RWMutex
}

// NewEncoder creates an encoder with canonical CBOR modes
func NewEncoder(config *EncoderConfig) (*Encoder, error) {
	if config == nil {
		config = DefaultEncoderConfig()
	}

	// Canonical encoding so sign bytes are byte-exact across nodes.
	// Full timestamp precision avoids signature mismatches.
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("messages: create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		IntDec:           cbor.IntDecConvertNone,
		MaxArrayElements: 10000,
		MaxMapPairs:      1000,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("messages: create CBOR decoder: %w", err)
	}

	verifyCache := expirable.NewLRU[string, bool](
		config.VerifyCacheSize,
		nil,
		config.VerifyCacheTTL,
	)

	return &Encoder{
		encMode:     encMode,
		decMode:     decMode,
		config:      config,
		verifyCache: verifyCache,
	}, nil
}

// Marshal serializes a vote message to canonical CBOR with size limits
func (e *Encoder) Marshal(msg *ConsensusMessage) ([]byte, error) {
	data, err := e.encode(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > e.config.MaxMessageSize {
		return nil, fmt.Errorf("messages: size %d exceeds limit %d", len(data), e.config.MaxMessageSize)
	}
	return data, nil
}

// Unmarshal decodes a vote message from CBOR
func (e *Encoder) Unmarshal(data []byte) (*ConsensusMessage, error) {
	if len(data) > e.config.MaxMessageSize {
		return nil, fmt.Errorf("messages: size %d exceeds limit %d", len(data), e.config.MaxMessageSize)
	}
	var msg ConsensusMessage
	if err := e.decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("messages: decode: %w", err)
	}
	return &msg, nil
}

// MarshalProposal serializes a proposal with its own size limit
func (e *Encoder) MarshalProposal(p *Proposal) ([]byte, error) {
	data, err := e.encode(p)
	if err != nil {
		return nil, err
	}
	if len(data) > e.config.MaxProposalSize {
		return nil, fmt.Errorf("messages: proposal size %d exceeds limit %d", len(data), e.config.MaxProposalSize)
	}
	return data, nil
}

// UnmarshalProposal decodes a proposal from CBOR
func (e *Encoder) UnmarshalProposal(data []byte) (*Proposal, error) {
	if len(data) > e.config.MaxProposalSize {
		return nil, fmt.Errorf("messages: proposal size %d exceeds limit %d", len(data), e.config.MaxProposalSize)
	}
	var p Proposal
	if err := e.decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("messages: decode proposal: %w", err)
	}
	return &p, nil
}

func (e *Encoder) encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.encMode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("messages: CBOR encode: %w", err)
	}
	return buf.Bytes(), nil
}

// SignBytes returns the canonical encoding of the message with the
// signature field empty. This is the exact byte string that is signed.
func (e *Encoder) SignBytes(msg *ConsensusMessage) ([]byte, error) {
	unsigned := *msg
	unsigned.Signature = ""
	return e.encode(&unsigned)
}

// ProposalSignBytes returns the signing input for a proposal
func (e *Encoder) ProposalSignBytes(p *Proposal) ([]byte, error) {
	unsigned := *p
	unsigned.Signature = ""
	return e.encode(&unsigned)
}

// Digest computes the hex SHA-256 digest of a value's canonical
// encoding. Used to derive the proposal digest from a request payload.
func (e *Encoder) Digest(v interface{}) (string, error) {
	data, err := e.encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in the message's signature using the given signer
func (e *Encoder) Sign(msg *ConsensusMessage, sign func([]byte) ([]byte, error)) error {
	data, err := e.SignBytes(msg)
	if err != nil {
		return err
	}
	sig, err := sign(data)
	if err != nil {
		return fmt.Errorf("messages: sign: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// SignProposal fills in a proposal's signature
func (e *Encoder) SignProposal(p *Proposal, sign func([]byte) ([]byte, error)) error {
	data, err := e.ProposalSignBytes(p)
	if err != nil {
		return err
	}
	sig, err := sign(data)
	if err != nil {
		return fmt.Errorf("messages: sign proposal: %w", err)
	}
	p.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks a message's signature against the sender's public key.
// Successful verifications are cached so repeated delivery of the same
// vote costs one lookup.
func (e *Encoder) Verify(msg *ConsensusMessage, pub libcrypto.PubKey) error {
	signBytes, err := e.SignBytes(msg)
	if err != nil {
		return err
	}
	return e.verify(msg.NodeID, signBytes, msg.Signature, pub)
}

// VerifyProposal checks a proposal's signature
func (e *Encoder) VerifyProposal(p *Proposal, pub libcrypto.PubKey) error {
	signBytes, err := e.ProposalSignBytes(p)
	if err != nil {
		return err
	}
	return e.verify(p.NodeID, signBytes, p.Signature, pub)
}

func (e *Encoder) verify(nodeID string, signBytes []byte, signature string, pub libcrypto.PubKey) error {
	if pub == nil {
		return fmt.Errorf("messages: no public key for node %s", nodeID)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("messages: decode signature: %w", err)
	}

	cacheKey := verifyCacheKey(nodeID, signBytes, sig)
	e.mu.RLock()
	if verified, ok := e.verifyCache.Get(cacheKey); ok && verified {
		e.mu.RUnlock()
		return nil
	}
	e.mu.RUnlock()

	ok, err := pub.Verify(signBytes, sig)
	if err != nil {
		return fmt.Errorf("messages: verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("messages: invalid signature from node %s", nodeID)
	}

	e.mu.Lock()
	e.verifyCache.Add(cacheKey, true)
	e.mu.Unlock()
	return nil
}

// CheckTimestamp validates a message timestamp against clock skew
func (e *Encoder) CheckTimestamp(ts time.Time) error {
	now := time.Now()
	if now.Sub(ts) > e.config.ClockSkewTolerance {
		return fmt.Errorf("%w: %s behind", ErrClockSkew, now.Sub(ts).Truncate(time.Millisecond))
	}
	if e.config.RejectFutureMessages && ts.Sub(now) > e.config.ClockSkewTolerance {
		return fmt.Errorf("%w: %s ahead", ErrClockSkew, ts.Sub(now).Truncate(time.Millisecond))
	}
	return nil
}

// ClearCache purges the verification cache
func (e *Encoder) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifyCache.Purge()
}

// CacheStats returns the verification cache size and capacity
func (e *Encoder) CacheStats() (size, capacity int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.verifyCache.Len(), e.config.VerifyCacheSize
}

func verifyCacheKey(nodeID string, signBytes, sig []byte) string {
	h := sha256.New()
	h.Write([]byte(nodeID))
	h.Write(signBytes)
	h.Write(sig)
	return string(h.Sum(nil))
}
