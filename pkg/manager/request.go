package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Priority orders requests in the submission queue
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank maps priorities to sort order, lower is served first
var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Request validation errors
var (
	ErrInvalidRequest  = errors.New("manager: invalid request")
	ErrUnknownPriority = errors.New("manager: unknown priority")
	ErrPayloadTooLarge = errors.New("manager: payload exceeds size limit")
)

// Request is one state-changing operation submitted for agreement.
// Data is opaque to the engine and only interpreted by the registered
// type handler after commit.
type Request struct {
	ID              string    `cbor:"id" json:"id"`
	Type            string    `cbor:"type" json:"type"`
	Data            []byte    `cbor:"data" json:"data"`
	Priority        Priority  `cbor:"priority" json:"priority"`
	RequesterNodeID string    `cbor:"requesterNodeId" json:"requesterNodeId"`
	Timestamp       time.Time `cbor:"timestamp" json:"timestamp"`
}

// Validate checks the synchronously enforced requirements
func (r *Request) Validate(maxPayload int) error {
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if r.RequesterNodeID == "" {
		return fmt.Errorf("%w: requester node id is required", ErrInvalidRequest)
	}
	if _, ok := priorityRank[r.Priority]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPriority, r.Priority)
	}
	if maxPayload > 0 && len(r.Data) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(r.Data))
	}
	return nil
}

// requestEncMode is the canonical encoding shared by every replica so
// the committed payload decodes identically everywhere
var requestEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("manager: create CBOR encoder: %v", err))
	}
	requestEncMode = mode
}

// EncodeRequest serializes a request to canonical CBOR for consensus
func EncodeRequest(r *Request) ([]byte, error) {
	data, err := requestEncMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("manager: encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest deserializes a committed consensus payload
func DecodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("manager: decode request: %w", err)
	}
	return &r, nil
}
