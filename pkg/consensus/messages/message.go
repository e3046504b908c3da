package messages

import (
	"errors"
	"fmt"
	"time"
)

// MessageType is the consensus vote phase a message belongs to
type MessageType string

const (
	TypePrepare MessageType = "prepare"
	TypeCommit  MessageType = "commit"
)

// Message validation errors
var (
	ErrUnknownType     = errors.New("messages: unknown message type")
	ErrEmptyDigest     = errors.New("messages: digest is required")
	ErrEmptyNodeID     = errors.New("messages: node id is required")
	ErrEmptySignature  = errors.New("messages: signature is required")
	ErrZeroTimestamp   = errors.New("messages: timestamp is required")
	ErrClockSkew       = errors.New("messages: timestamp outside tolerance")
	ErrOutsideReplay   = errors.New("messages: timestamp outside replay window")
)

// ConsensusMessage is the wire form of a prepare or commit vote. The
// signature covers the canonical encoding of the message with the
// Signature field empty, and travels base64-encoded.
type ConsensusMessage struct {
	Type      MessageType `cbor:"type" json:"type"`
	View      uint64      `cbor:"view" json:"view"`
	Sequence  uint64      `cbor:"sequence" json:"sequence"`
	Digest    string      `cbor:"digest" json:"digest"`
	NodeID    string      `cbor:"nodeId" json:"nodeId"`
	Signature string      `cbor:"signature" json:"signature"`
	Timestamp time.Time   `cbor:"timestamp" json:"timestamp"`
}

// Proposal is the leader's signed announcement of a payload for a
// (view, sequence) slot. Votes reference it by digest only.
type Proposal struct {
	View      uint64    `cbor:"view" json:"view"`
	Sequence  uint64    `cbor:"sequence" json:"sequence"`
	Digest    string    `cbor:"digest" json:"digest"`
	Payload   []byte    `cbor:"payload" json:"payload"`
	NodeID    string    `cbor:"nodeId" json:"nodeId"`
	Signature string    `cbor:"signature" json:"signature"`
	Timestamp time.Time `cbor:"timestamp" json:"timestamp"`
}

// Validate checks structural requirements before any crypto work
func (m *ConsensusMessage) Validate() error {
	if m.Type != TypePrepare && m.Type != TypeCommit {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.Digest == "" {
		return ErrEmptyDigest
	}
	if m.NodeID == "" {
		return ErrEmptyNodeID
	}
	if m.Signature == "" {
		return ErrEmptySignature
	}
	if m.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	return nil
}

// Validate checks structural requirements of a proposal
func (p *Proposal) Validate() error {
	if p.Digest == "" {
		return ErrEmptyDigest
	}
	if p.NodeID == "" {
		return ErrEmptyNodeID
	}
	if p.Signature == "" {
		return ErrEmptySignature
	}
	if p.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	return nil
}

// Key identifies the consensus round a message belongs to
func (m *ConsensusMessage) Key() RoundKey {
	return RoundKey{View: m.View, Sequence: m.Sequence}
}

// RoundKey identifies one consensus instance
type RoundKey struct {
	View     uint64
	Sequence uint64
}

func (k RoundKey) String() string {
	return fmt.Sprintf("v%d/s%d", k.View, k.Sequence)
}
