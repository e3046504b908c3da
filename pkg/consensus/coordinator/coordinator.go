package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	ccrypto "github.com/atunbixx/Planr-sub008/pkg/consensus/crypto"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/leader"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/messages"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/registry"
	"github.com/atunbixx/Planr-sub008/pkg/transport"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// Coordinator errors returned from InitiateConsensus
var (
	ErrEmptyPayload      = errors.New("coordinator: payload is required")
	ErrQuorumUnreachable = errors.New("coordinator: not enough active nodes for quorum")
	ErrClosed            = errors.New("coordinator: closed")
)

// Status is a point-in-time view of the replica core
type Status struct {
	View           uint64 `json:"view"`
	NextSequence   uint64 `json:"nextSequence"`
	Leader         string `json:"leader"`
	ActiveRounds   int    `json:"activeRounds"`
	NodeCount      int    `json:"nodeCount"`
	FaultTolerance int    `json:"faultTolerance"`
	QuorumSize     int    `json:"quorumSize"`
}

// Metrics are monotonic protocol counters
type Metrics struct {
	CommittedRounds   uint64 `json:"committedRounds"`
	AbandonedRounds   uint64 `json:"abandonedRounds"`
	StaleDropped      uint64 `json:"staleDropped"`
	DuplicateDropped  uint64 `json:"duplicateDropped"`
	InvalidSignatures uint64 `json:"invalidSignatures"`
	Equivocations     uint64 `json:"equivocations"`
}

// DigestBytes returns the hex SHA-256 digest of a payload
func DigestBytes(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// outbound is a broadcast deferred until the coordinator lock is released
type outbound struct {
	kind    transport.Kind
	payload []byte
}

// deferredEvent is a bus publish deferred until the lock is released
type deferredEvent struct {
	typ    events.EventType
	fields map[string]interface{}
}

// suspectReq is a suspicion deferred until the lock is released, since
// the registry publishes events of its own
type suspectReq struct {
	nodeID  string
	reason  string
	fields  map[string]interface{}
	penalty int
}

// Coordinator runs the replica core of the consensus protocol. All
// message processing is serialized behind one mutex; timers and the
// transport run around it. ProcessMessage and ProcessProposal never
// return errors or panic: protocol anomalies turn into counters,
// suspicion and audit records.
type Coordinator struct {
	mu sync.Mutex

	nodeID   string
	identity *ccrypto.Identity
	cfg      config.ConsensusConfig

	reg      *registry.Registry
	rotation *leader.Rotation
	enc      *messages.Encoder
	tr       transport.Transport
	bus      *events.Bus
	logger   *utils.Logger
	audit    *utils.AuditLogger

	store           *roundStore
	view            uint64
	nextSequence    uint64
	metrics         Metrics
	pendingSuspects []suspectReq
	closed          bool
}

// New creates a coordinator. The transport handler is installed
// immediately; inbound traffic is processed as soon as peers send it.
func New(
	nodeID string,
	identity *ccrypto.Identity,
	cfg config.ConsensusConfig,
	reg *registry.Registry,
	tr transport.Transport,
	bus *events.Bus,
	logger *utils.Logger,
	audit *utils.AuditLogger,
) (*Coordinator, error) {
	if identity == nil {
		return nil, ccrypto.ErrNilIdentity
	}
	if logger == nil {
		logger = utils.GetLogger()
	}

	enc, err := messages.NewEncoder(&messages.EncoderConfig{
		MaxMessageSize:       10 << 10,
		MaxProposalSize:      1 << 20,
		ClockSkewTolerance:   cfg.ClockSkewTolerance,
		VerifyCacheSize:      cfg.VerifyCacheSize,
		VerifyCacheTTL:       cfg.VerifyCacheTTL,
		RejectFutureMessages: true,
	})
	if err != nil {
		return nil, err
	}

	rotation := leader.NewRotation(registrySource{reg}, logger, &leader.RotationConfig{
		MinReputation:    cfg.LeaderMinReputation,
		EnableReputation: true,
		FallbackToAll:    true,
	})

	c := &Coordinator{
		nodeID:       nodeID,
		identity:     identity,
		cfg:          cfg,
		reg:          reg,
		rotation:     rotation,
		enc:          enc,
		tr:           tr,
		bus:          bus,
		logger:       logger.WithFields(utils.ZapString("node_id", nodeID)),
		audit:        audit,
		store:        newRoundStore(cfg.MaxPendingRounds, cfg.MaxVotesPerRound, cfg.MaxEvidenceStored),
		nextSequence: 1,
	}

	if tr != nil {
		tr.SetHandler(c.onEnvelope)
	}
	return c, nil
}

// registrySource adapts the registry for leader rotation
type registrySource struct{ reg *registry.Registry }

func (s registrySource) NodeViews() []leader.NodeView {
	snaps := s.reg.Snapshots()
	out := make([]leader.NodeView, 0, len(snaps))
	for _, n := range snaps {
		out = append(out, leader.NodeView{
			ID:         n.ID,
			Active:     n.Status == registry.StatusActive,
			Reputation: float64(n.Reputation) / float64(registry.ReputationMax),
		})
	}
	return out
}

// InitiateConsensus proposes a payload for the next sequence slot and
// blocks until the round commits, times out or the context ends. It
// resolves true only on commit. Other proposals are not blocked: each
// round waits on its own promise.
func (c *Coordinator) InitiateConsensus(ctx context.Context, payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, ErrEmptyPayload
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.reg.Count() < c.cfg.MinClusterSize || !c.reg.IsQuorumReachable() {
		c.mu.Unlock()
		return false, ErrQuorumUnreachable
	}

	var (
		key messages.RoundKey
		r   *round
	)
	for r == nil {
		key = messages.RoundKey{View: c.view, Sequence: c.nextSequence}
		c.nextSequence++

		got, ok := c.store.get(key)
		if !ok {
			c.mu.Unlock()
			return false, fmt.Errorf("coordinator: round capacity exhausted")
		}
		// a peer may already own this slot; never overwrite its state
		if got.phase != PhaseIdle {
			continue
		}
		r = got
	}

	digest := DigestBytes(payload)
	now := time.Now().UTC()
	proposal := &messages.Proposal{
		View:      key.View,
		Sequence:  key.Sequence,
		Digest:    digest,
		Payload:   payload,
		NodeID:    c.nodeID,
		Timestamp: now,
	}
	if err := c.enc.SignProposal(proposal, c.identity.Sign); err != nil {
		c.mu.Unlock()
		return false, err
	}
	proposalBytes, err := c.enc.MarshalProposal(proposal)
	if err != nil {
		c.mu.Unlock()
		return false, err
	}

	r.phase = PhaseProposed
	r.digest = digest
	r.payload = payload
	r.proposer = c.nodeID
	r.promise = make(chan bool, 1)
	promise := r.promise

	out := []outbound{{kind: transport.KindProposal, payload: proposalBytes}}
	var evs []deferredEvent
	out, evs = c.castVoteLocked(r, messages.TypePrepare, out, evs)
	c.mu.Unlock()

	c.flush(out, evs)

	timer := time.NewTimer(c.cfg.RoundTimeout)
	defer timer.Stop()
	select {
	case committed := <-promise:
		return committed, nil
	case <-ctx.Done():
		c.abandonRound(key)
		return false, ctx.Err()
	case <-timer.C:
		c.abandonRound(key)
		return false, nil
	}
}

// ProcessMessage ingests one prepare or commit vote. It never panics
// and never returns an error; malformed or malicious input is dropped
// with the appropriate counter, suspicion and audit trail.
func (c *Coordinator) ProcessMessage(msg *messages.ConsensusMessage) {
	defer c.recoverAnomaly("process_message")

	if msg == nil {
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.Debug("malformed vote dropped", utils.ZapError(err))
		return
	}
	if msg.NodeID == c.nodeID {
		// own votes are applied locally at cast time
		return
	}

	pub, err := c.reg.PublicKey(msg.NodeID)
	if err != nil {
		c.logger.Warn("vote from unknown node dropped",
			utils.ZapString("sender", msg.NodeID))
		return
	}
	if status, _ := c.reg.Status(msg.NodeID); status == registry.StatusFailed {
		c.logger.Debug("vote from failed node dropped",
			utils.ZapString("sender", msg.NodeID))
		return
	}

	if err := c.enc.Verify(msg, pub); err != nil {
		c.countInvalidSignature()
		c.suspect(msg.NodeID, "invalid vote signature", map[string]interface{}{
			"round": msg.Key().String(),
			"phase": string(msg.Type),
		}, c.cfg.ReputationPenaltyBadSig)
		return
	}
	if err := c.enc.CheckTimestamp(msg.Timestamp); err != nil {
		c.countStale()
		c.logger.Debug("vote outside time window dropped",
			utils.ZapString("sender", msg.NodeID),
			utils.ZapError(err))
		return
	}

	c.reg.Touch(msg.NodeID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if msg.View < c.view {
		c.metrics.StaleDropped++
		c.mu.Unlock()
		return
	}

	r, ok := c.store.get(msg.Key())
	if !ok {
		c.mu.Unlock()
		return
	}
	if r.terminal() {
		c.metrics.StaleDropped++
		c.mu.Unlock()
		return
	}

	out, evs := c.applyVoteLocked(r, msg, nil, nil)
	c.mu.Unlock()

	c.flush(out, evs)
}

// ProcessProposal ingests a leader's proposal for a round. Same
// never-fails contract as ProcessMessage.
func (c *Coordinator) ProcessProposal(p *messages.Proposal) {
	defer c.recoverAnomaly("process_proposal")

	if p == nil {
		return
	}
	if err := p.Validate(); err != nil {
		c.logger.Debug("malformed proposal dropped", utils.ZapError(err))
		return
	}
	if p.NodeID == c.nodeID {
		return
	}

	pub, err := c.reg.PublicKey(p.NodeID)
	if err != nil {
		c.logger.Warn("proposal from unknown node dropped",
			utils.ZapString("sender", p.NodeID))
		return
	}
	if err := c.enc.VerifyProposal(p, pub); err != nil {
		c.countInvalidSignature()
		c.suspect(p.NodeID, "invalid proposal signature", map[string]interface{}{
			"round": messages.RoundKey{View: p.View, Sequence: p.Sequence}.String(),
		}, c.cfg.ReputationPenaltyBadSig)
		return
	}
	if err := c.enc.CheckTimestamp(p.Timestamp); err != nil {
		c.countStale()
		return
	}
	if DigestBytes(p.Payload) != p.Digest {
		// digest lies about the payload, unambiguously malicious
		c.suspect(p.NodeID, "proposal digest mismatch", map[string]interface{}{
			"round": messages.RoundKey{View: p.View, Sequence: p.Sequence}.String(),
		}, c.cfg.ReputationPenaltyEquivoc)
		return
	}

	c.reg.Touch(p.NodeID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	key := messages.RoundKey{View: p.View, Sequence: p.Sequence}
	if p.View < c.view {
		c.metrics.StaleDropped++
		c.mu.Unlock()
		return
	}

	r, ok := c.store.get(key)
	if !ok {
		c.mu.Unlock()
		return
	}
	if r.terminal() {
		c.metrics.StaleDropped++
		c.mu.Unlock()
		return
	}
	if r.digest != "" && r.digest != p.Digest {
		c.mu.Unlock()
		c.suspect(p.NodeID, "conflicting proposal for round", map[string]interface{}{
			"round": key.String(),
		}, c.cfg.ReputationPenaltyEquivoc)
		return
	}

	if r.digest == "" {
		r.digest = p.Digest
		r.payload = p.Payload
		r.proposer = p.NodeID
	}
	if r.phase == PhaseIdle {
		r.phase = PhaseProposed
	}
	// slots observed from peers are taken; local proposals start above
	if p.Sequence >= c.nextSequence {
		c.nextSequence = p.Sequence + 1
	}

	var out []outbound
	var evs []deferredEvent
	if !r.prepares.has(c.nodeID) {
		out, evs = c.castVoteLocked(r, messages.TypePrepare, out, evs)
	}
	out, evs = c.maybeAdvanceLocked(r, out, evs)
	c.mu.Unlock()

	c.flush(out, evs)
}

// castVoteLocked signs and applies the local node's vote, queueing it
// for broadcast. Caller holds the mutex.
func (c *Coordinator) castVoteLocked(r *round, t messages.MessageType, out []outbound, evs []deferredEvent) ([]outbound, []deferredEvent) {
	vote := &messages.ConsensusMessage{
		Type:      t,
		View:      r.key.View,
		Sequence:  r.key.Sequence,
		Digest:    r.digest,
		NodeID:    c.nodeID,
		Timestamp: time.Now().UTC(),
	}
	if err := c.enc.Sign(vote, c.identity.Sign); err != nil {
		c.logger.Error("failed to sign vote", utils.ZapError(err))
		return out, evs
	}
	data, err := c.enc.Marshal(vote)
	if err != nil {
		c.logger.Error("failed to encode vote", utils.ZapError(err))
		return out, evs
	}
	out = append(out, outbound{kind: transport.KindVote, payload: data})
	return c.applyVoteLocked(r, vote, out, evs)
}

// applyVoteLocked records a verified vote and advances the round.
// Caller holds the mutex.
func (c *Coordinator) applyVoteLocked(r *round, msg *messages.ConsensusMessage, out []outbound, evs []deferredEvent) ([]outbound, []deferredEvent) {
	if !c.store.votesAllowed(r) {
		c.logger.Warn("vote capacity reached for round",
			utils.ZapString("round", r.key.String()))
		return out, evs
	}

	var vs *voteSet
	switch msg.Type {
	case messages.TypePrepare:
		vs = r.prepares
	case messages.TypeCommit:
		vs = r.commits
	default:
		return out, evs
	}

	dup, prev := vs.add(msg)
	if dup {
		c.metrics.DuplicateDropped++
		return out, evs
	}
	if prev != nil {
		c.metrics.Equivocations++
		ev := Evidence{
			NodeID:     msg.NodeID,
			Round:      r.key,
			Phase:      msg.Type,
			First:      *prev,
			Second:     *msg,
			DetectedAt: time.Now().UTC(),
		}
		c.store.addEvidence(ev)
		// registry calls happen outside the coordinator lock
		c.pendingSuspects = append(c.pendingSuspects, suspectReq{
			nodeID: msg.NodeID,
			reason: "conflicting votes in same round and phase",
			fields: map[string]interface{}{
				"round": r.key.String(),
				"phase": string(msg.Type),
			},
			penalty: c.cfg.ReputationPenaltyEquivoc,
		})
		return out, evs
	}

	return c.maybeAdvanceLocked(r, out, evs)
}

// maybeAdvanceLocked checks quorum thresholds and moves the round
// through PROPOSED -> PREPARED -> COMMITTED. Caller holds the mutex.
func (c *Coordinator) maybeAdvanceLocked(r *round, out []outbound, evs []deferredEvent) ([]outbound, []deferredEvent) {
	if r.digest == "" {
		// votes arrived ahead of the proposal, wait for the payload
		return out, evs
	}
	quorum := c.reg.Quorum()

	if r.phase == PhaseProposed && r.prepares.count(r.digest) >= quorum {
		r.phase = PhasePrepared
		out, evs = c.castVoteLocked(r, messages.TypeCommit, out, evs)
	}

	if r.phase == PhasePrepared && r.commits.count(r.digest) >= quorum {
		r.phase = PhaseCommitted
		c.metrics.CommittedRounds++
		if r.promise != nil {
			r.promise <- true
			r.promise = nil
		}
		c.store.pruneBelow(r.key.Sequence)
		if r.proposer != "" {
			_ = c.reg.UpdateReputation(r.proposer, c.cfg.ReputationRewardCommit)
		}
		evs = append(evs, deferredEvent{typ: events.ConsensusReached, fields: map[string]interface{}{
			"view":     r.key.View,
			"sequence": r.key.Sequence,
			"digest":   r.digest,
			"payload":  r.payload,
			"proposer": r.proposer,
		}})
		c.logger.Info("round committed",
			utils.ZapString("round", r.key.String()),
			utils.ZapString("digest", r.digest[:16]),
			utils.ZapInt("commits", r.commits.count(r.digest)))
	}

	return out, evs
}

// abandonRound gives up on a round after a timeout, advancing the view
// so the next proposal runs under a fresh primary.
func (c *Coordinator) abandonRound(key messages.RoundKey) {
	c.mu.Lock()
	r, ok := c.store.lookup(key)
	if !ok || r.terminal() {
		c.mu.Unlock()
		return
	}
	r.phase = PhaseAbandoned
	if r.promise != nil {
		r.promise <- false
		r.promise = nil
	}
	c.metrics.AbandonedRounds++
	proposer := r.proposer
	// reclaim the slot: a consumed sequence that never commits would
	// wedge ordered execution behind a permanent gap
	if key.Sequence+1 == c.nextSequence {
		c.nextSequence = key.Sequence
	}
	c.view++
	newView := c.view
	c.mu.Unlock()

	newLeader, _ := c.rotation.SelectLeader(newView)
	c.logger.Warn("round abandoned, view advanced",
		utils.ZapString("round", key.String()),
		utils.ZapUint64("new_view", newView),
		utils.ZapString("new_leader", newLeader))
	if c.audit != nil {
		c.audit.Warn("round_abandoned", map[string]interface{}{
			"round":      key.String(),
			"new_view":   newView,
			"new_leader": newLeader,
		})
	}
	if proposer != "" && proposer != c.nodeID {
		_ = c.reg.UpdateReputation(proposer, -c.cfg.ReputationPenaltyTimeout)
	}
}

// flush performs the deferred broadcasts, suspicions and event
// publishes collected while the lock was held
func (c *Coordinator) flush(out []outbound, evs []deferredEvent) {
	c.mu.Lock()
	suspects := c.pendingSuspects
	c.pendingSuspects = nil
	c.mu.Unlock()

	for _, o := range out {
		if c.tr == nil {
			continue
		}
		if err := c.tr.Broadcast(context.Background(), transport.Envelope{
			Kind:    o.kind,
			From:    c.nodeID,
			Payload: o.payload,
		}); err != nil {
			c.logger.Warn("broadcast failed", utils.ZapError(err))
		}
	}
	for _, s := range suspects {
		c.suspect(s.nodeID, s.reason, s.fields, s.penalty)
	}
	for _, ev := range evs {
		if c.bus != nil {
			c.bus.Publish(ev.typ, ev.fields)
		}
	}
}

// suspect marks a node, applies the reputation penalty and records the
// security audit trail
func (c *Coordinator) suspect(nodeID, reason string, fields map[string]interface{}, penalty int) {
	_ = c.reg.MarkSuspected(nodeID, reason)
	_ = c.reg.UpdateReputation(nodeID, -penalty)
	if c.audit != nil {
		payload := map[string]interface{}{"node_id": nodeID, "reason": reason}
		for k, v := range fields {
			payload[k] = v
		}
		c.audit.Security("node_suspected", payload)
	}
}

func (c *Coordinator) onEnvelope(env transport.Envelope) {
	defer c.recoverAnomaly("transport")
	switch env.Kind {
	case transport.KindProposal:
		p, err := c.enc.UnmarshalProposal(env.Payload)
		if err != nil {
			c.logger.Debug("undecodable proposal dropped", utils.ZapError(err))
			return
		}
		c.ProcessProposal(p)
	case transport.KindVote:
		msg, err := c.enc.Unmarshal(env.Payload)
		if err != nil {
			c.logger.Debug("undecodable vote dropped", utils.ZapError(err))
			return
		}
		c.ProcessMessage(msg)
	}
}

func (c *Coordinator) recoverAnomaly(where string) {
	if r := recover(); r != nil {
		c.logger.Error("recovered from panic",
			utils.ZapString("where", where),
			utils.ZapAny("panic", r))
	}
}

func (c *Coordinator) countStale() {
	c.mu.Lock()
	c.metrics.StaleDropped++
	c.mu.Unlock()
}

func (c *Coordinator) countInvalidSignature() {
	c.mu.Lock()
	c.metrics.InvalidSignatures++
	c.mu.Unlock()
}

// Status returns the current protocol position
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	view := c.view
	nextSeq := c.nextSequence
	active := 0
	for _, r := range c.store.rounds {
		if !r.terminal() {
			active++
		}
	}
	c.mu.Unlock()

	leaderID, _ := c.rotation.SelectLeader(view)
	return Status{
		View:           view,
		NextSequence:   nextSeq,
		Leader:         leaderID,
		ActiveRounds:   active,
		NodeCount:      c.reg.Count(),
		FaultTolerance: c.reg.FaultTolerance(),
		QuorumSize:     c.reg.Quorum(),
	}
}

// Metrics returns a copy of the protocol counters
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// EvidenceRecords returns the stored equivocation evidence
func (c *Coordinator) EvidenceRecords() []Evidence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.evidenceRecords()
}

// View returns the current view number
func (c *Coordinator) View() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Close resolves every outstanding promise false and stops accepting
// work. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, r := range c.store.rounds {
		if r.promise != nil {
			r.promise <- false
			r.promise = nil
		}
		if !r.terminal() {
			r.phase = PhaseAbandoned
		}
	}
	c.mu.Unlock()
}
