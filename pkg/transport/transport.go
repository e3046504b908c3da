package transport

import (
	"context"
	"errors"
	"sync"
)

// Kind distinguishes the payload carried by an envelope
type Kind string

const (
	KindProposal Kind = "proposal"
	KindVote     Kind = "vote"
)

// Envelope is one framed unit on the consensus wire. Payload is the
// CBOR encoding of a proposal or vote.
type Envelope struct {
	Kind    Kind
	From    string
	Payload []byte
}

// Handler consumes inbound envelopes. Implementations must not panic.
type Handler func(Envelope)

// Transport moves envelopes between consensus nodes. Broadcast must
// deliver to every peer including none on a partitioned node; it never
// loops an envelope back to the sender.
type Transport interface {
	Broadcast(ctx context.Context, env Envelope) error
	SetHandler(h Handler)
	Close() error
}

var ErrTransportClosed = errors.New("transport: closed")

// Network is an in-process transport fabric connecting local endpoints.
// Used by tests and single-process clusters.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	// partitioned nodes neither send nor receive
	partitioned map[string]bool
}

// NewNetwork creates an empty in-process fabric
func NewNetwork() *Network {
	return &Network{
		endpoints:   make(map[string]*Endpoint),
		partitioned: make(map[string]bool),
	}
}

// Join attaches a node to the fabric and returns its endpoint
func (n *Network) Join(nodeID string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &Endpoint{nodeID: nodeID, net: n}
	n.endpoints[nodeID] = ep
	return ep
}

// Partition isolates a node from the fabric
func (n *Network) Partition(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[nodeID] = true
}

// Heal reconnects a partitioned node
func (n *Network) Heal(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, nodeID)
}

func (n *Network) broadcast(from string, env Envelope) {
	n.mu.RLock()
	if n.partitioned[from] {
		n.mu.RUnlock()
		return
	}
	targets := make([]*Endpoint, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		if id == from || n.partitioned[id] {
			continue
		}
		targets = append(targets, ep)
	}
	n.mu.RUnlock()

	for _, ep := range targets {
		ep.deliver(env)
	}
}

// Endpoint is one node's attachment to a Network
type Endpoint struct {
	nodeID  string
	net     *Network
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// Broadcast sends an envelope to every other live endpoint
func (e *Endpoint) Broadcast(_ context.Context, env Envelope) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}
	env.From = e.nodeID
	e.net.broadcast(e.nodeID, env)
	return nil
}

// SetHandler installs the inbound envelope handler
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Endpoint) deliver(env Envelope) {
	e.mu.RLock()
	h := e.handler
	closed := e.closed
	e.mu.RUnlock()
	if closed || h == nil {
		return
	}
	h(env)
}

// Close detaches the endpoint. Idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
