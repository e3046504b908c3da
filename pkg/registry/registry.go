package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// NodeStatus is the lifecycle state of a participant
type NodeStatus string

const (
	StatusActive    NodeStatus = "active"
	StatusSuspected NodeStatus = "suspected"
	StatusFailed    NodeStatus = "failed"
)

// Reputation bounds. New nodes start at max.
const (
	ReputationMin     = 0
	ReputationMax     = 100
	ReputationInitial = 100
)

// Registry errors
var (
	ErrNodeExists      = errors.New("registry: node already registered")
	ErrNodeNotFound    = errors.New("registry: node not found")
	ErrNilPublicKey    = errors.New("registry: public key is required")
	ErrEmptyNodeID     = errors.New("registry: node id is required")
	ErrRegistryClosed  = errors.New("registry: closed")
)

// ConsensusNode is a registered consensus participant
type ConsensusNode struct {
	ID         string
	PublicKey  crypto.PubKey
	Status     NodeStatus
	LastSeen   time.Time
	Reputation int

	// Why the node left active status, empty while active
	StatusReason string
	statusSince  time.Time
}

// Snapshot is a read-only copy of a node's state
type Snapshot struct {
	ID         string     `json:"id"`
	Status     NodeStatus `json:"status"`
	LastSeen   time.Time  `json:"last_seen"`
	Reputation int        `json:"reputation"`
	Reason     string     `json:"reason,omitempty"`
}

// Registry tracks consensus participants, their keys, liveness and
// reputation. All access is serialized behind one mutex; the background
// loops only touch reputation and liveness, never flip suspicion back.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*ConsensusNode

	cfg    config.ConsensusConfig
	bus    *events.Bus
	logger *utils.Logger
	audit  *utils.AuditLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	clock func() time.Time
}

// New creates a registry. The event bus and audit logger are optional.
func New(cfg config.ConsensusConfig, bus *events.Bus, logger *utils.Logger, audit *utils.AuditLogger) *Registry {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Registry{
		nodes:  make(map[string]*ConsensusNode),
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		audit:  audit,
		clock:  time.Now,
	}
}

// Start launches the reputation-decay and liveness loops
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go r.decayLoop(ctx)
	go r.livenessLoop(ctx)
}

// Stop halts the background loops. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.closed = true
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Register adds a node with the given identity key. The node starts
// active with full reputation.
func (r *Registry) Register(id string, pub crypto.PubKey) error {
	if id == "" {
		return ErrEmptyNodeID
	}
	if pub == nil {
		return ErrNilPublicKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.nodes[id]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, id)
	}

	now := r.clock()
	r.nodes[id] = &ConsensusNode{
		ID:          id,
		PublicKey:   pub,
		Status:      StatusActive,
		LastSeen:    now,
		Reputation:  ReputationInitial,
		statusSince: now,
	}

	r.logger.Info("node registered",
		utils.ZapString("node_id", id),
		utils.ZapInt("cluster_size", len(r.nodes)))
	return nil
}

// PublicKey returns the registered key for a node
func (r *Registry) PublicKey(id string) (crypto.PubKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.PublicKey, nil
}

// Touch records liveness for a node
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastSeen = r.clock()
	}
}

// UpdateReputation applies a delta to a node's reputation, clamped to
// [ReputationMin, ReputationMax]. Reputation never changes status.
func (r *Registry) UpdateReputation(id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Reputation = clampReputation(n.Reputation + delta)
	return nil
}

// ReputationScore returns a node's reputation normalized to [0, 1]
func (r *Registry) ReputationScore(id string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return float64(n.Reputation) / float64(ReputationMax), nil
}

// MarkSuspected transitions a node to suspected. Failed nodes stay
// failed. Suspicion is never reversed implicitly; see Reinstate.
func (r *Registry) MarkSuspected(id, reason string) error {
	return r.transition(id, StatusSuspected, reason)
}

// MarkFailed transitions a node to failed
func (r *Registry) MarkFailed(id, reason string) error {
	return r.transition(id, StatusFailed, reason)
}

func (r *Registry) transition(id string, to NodeStatus, reason string) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status == to || n.Status == StatusFailed {
		r.mu.Unlock()
		return nil
	}
	n.Status = to
	n.StatusReason = reason
	n.statusSince = r.clock()
	r.mu.Unlock()

	r.logger.Warn("node status changed",
		utils.ZapString("node_id", id),
		utils.ZapString("status", string(to)),
		utils.ZapString("reason", reason))
	if r.audit != nil {
		r.audit.Security("node_status_changed", map[string]interface{}{
			"node_id": id,
			"status":  string(to),
			"reason":  reason,
		})
	}
	if r.bus != nil {
		evType := events.NodeSuspected
		if to == StatusFailed {
			evType = events.NodeFaultDetected
		}
		r.bus.Publish(evType, map[string]interface{}{
			"nodeId": id,
			"status": string(to),
			"reason": reason,
		})
	}
	return nil
}

// Reinstate returns a suspected or failed node to active. This is the
// only path back, reserved for an explicit operator or upper-layer call.
func (r *Registry) Reinstate(id string) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	prev := n.Status
	n.Status = StatusActive
	n.StatusReason = ""
	n.statusSince = r.clock()
	n.LastSeen = r.clock()
	r.mu.Unlock()

	r.logger.Info("node reinstated",
		utils.ZapString("node_id", id),
		utils.ZapString("previous_status", string(prev)))
	if r.audit != nil {
		r.audit.Warn("node_reinstated", map[string]interface{}{
			"node_id":  id,
			"previous": string(prev),
		})
	}
	return nil
}

// Status returns a node's current status
func (r *Registry) Status(id string) (NodeStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.Status, nil
}

// Count returns the total number of registered nodes
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// ActiveCount returns the number of active nodes
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, n := range r.nodes {
		if n.Status == StatusActive {
			count++
		}
	}
	return count
}

// FaultTolerance returns f = (n-1)/3 over all registered nodes
func (r *Registry) FaultTolerance() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return faultTolerance(len(r.nodes))
}

// Quorum returns 2f+1 over all registered nodes
func (r *Registry) Quorum() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return 2*faultTolerance(len(r.nodes)) + 1
}

// IsQuorumReachable reports whether enough nodes are active to reach
// quorum (active >= 2f+1)
func (r *Registry) IsQuorumReachable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	quorum := 2*faultTolerance(len(r.nodes)) + 1
	active := 0
	for _, n := range r.nodes {
		if n.Status == StatusActive {
			active++
		}
	}
	return active >= quorum
}

// ActiveIDs returns the sorted IDs of active nodes
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id, n := range r.nodes {
		if n.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AllIDs returns the sorted IDs of every registered node
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns read-only copies of every node, sorted by ID
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, Snapshot{
			ID:         n.ID,
			Status:     n.Status,
			LastSeen:   n.LastSeen,
			Reputation: n.Reputation,
			Reason:     n.StatusReason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// decayLoop slowly erodes reputation so stale good behavior does not
// shield a node forever. Decay never changes status.
func (r *Registry) decayLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.ReputationDecayInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for _, n := range r.nodes {
				n.Reputation = clampReputation(n.Reputation - r.cfg.ReputationDecayStep)
			}
			r.mu.Unlock()
		}
	}
}

// livenessLoop suspects and then fails nodes that go silent
func (r *Registry) livenessLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.SuspectAfterSilence / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepLiveness()
		}
	}
}

func (r *Registry) sweepLiveness() {
	now := r.clock()

	r.mu.RLock()
	type pending struct {
		id string
		to NodeStatus
	}
	var changes []pending
	for id, n := range r.nodes {
		silent := now.Sub(n.LastSeen)
		switch n.Status {
		case StatusActive:
			if silent >= r.cfg.SuspectAfterSilence {
				changes = append(changes, pending{id, StatusSuspected})
			}
		case StatusSuspected:
			if silent >= r.cfg.FailAfterSilence {
				changes = append(changes, pending{id, StatusFailed})
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range changes {
		reason := fmt.Sprintf("no heartbeat for %s", now.Sub(r.lastSeen(c.id)).Truncate(time.Second))
		if c.to == StatusFailed {
			_ = r.MarkFailed(c.id, reason)
		} else {
			_ = r.MarkSuspected(c.id, reason)
		}
	}
}

func (r *Registry) lastSeen(id string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.nodes[id]; ok {
		return n.LastSeen
	}
	return time.Time{}
}

func faultTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

func clampReputation(v int) int {
	if v < ReputationMin {
		return ReputationMin
	}
	if v > ReputationMax {
		return ReputationMax
	}
	return v
}
