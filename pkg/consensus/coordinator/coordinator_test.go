package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	ccrypto "github.com/atunbixx/Planr-sub008/pkg/consensus/crypto"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/messages"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/registry"
	"github.com/atunbixx/Planr-sub008/pkg/transport"
)

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		MinClusterSize:           4,
		RoundTimeout:             2 * time.Second,
		ProposalTimeout:          5 * time.Second,
		ClockSkewTolerance:       2 * time.Minute,
		ReplayWindow:             5 * time.Minute,
		VerifyCacheSize:          128,
		VerifyCacheTTL:           time.Minute,
		MaxViewsTracked:          16,
		MaxVotesPerRound:         64,
		MaxPendingRounds:         32,
		MaxEvidenceStored:        16,
		LeaderMinReputation:      0.7,
		ReputationRewardCommit:   1,
		ReputationPenaltyBadSig:  20,
		ReputationPenaltyEquivoc: 40,
		ReputationPenaltyTimeout: 5,
		ReputationDecayInterval:  time.Minute,
		SuspectAfterSilence:      time.Minute,
		FailAfterSilence:         2 * time.Minute,
	}
}

type testNode struct {
	id       string
	identity *ccrypto.Identity
	reg      *registry.Registry
	coord    *Coordinator
	bus      *events.Bus
}

// newCluster builds n coordinators over one in-process network, every
// registry holding the full peer key set
func newCluster(t *testing.T, n int, cfg config.ConsensusConfig) (*transport.Network, []*testNode) {
	t.Helper()

	identities := make([]*ccrypto.Identity, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		var err error
		identities[i], err = ccrypto.GenerateIdentity()
		if err != nil {
			t.Fatalf("generate identity: %v", err)
		}
		ids[i] = fmt.Sprintf("node-%d", i)
	}

	network := transport.NewNetwork()
	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		reg := registry.New(cfg, nil, nil, nil)
		for j := 0; j < n; j++ {
			if err := reg.Register(ids[j], identities[j].PublicKey()); err != nil {
				t.Fatalf("register %s: %v", ids[j], err)
			}
		}
		bus := events.NewBus(nil)
		coord, err := New(ids[i], identities[i], cfg, reg, network.Join(ids[i]), bus, nil, nil)
		if err != nil {
			t.Fatalf("create coordinator %s: %v", ids[i], err)
		}
		nodes[i] = &testNode{id: ids[i], identity: identities[i], reg: reg, coord: coord, bus: bus}
	}
	return network, nodes
}

// soloCoordinator builds one coordinator with no transport plus signing
// identities for three registered peers, for direct message injection
func soloCoordinator(t *testing.T, cfg config.ConsensusConfig) (*Coordinator, *registry.Registry, []*ccrypto.Identity) {
	t.Helper()

	selfID, err := ccrypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	reg := registry.New(cfg, nil, nil, nil)
	if err := reg.Register("self", selfID.PublicKey()); err != nil {
		t.Fatalf("register self: %v", err)
	}

	peers := make([]*ccrypto.Identity, 3)
	for i := range peers {
		peers[i], err = ccrypto.GenerateIdentity()
		if err != nil {
			t.Fatalf("generate peer identity: %v", err)
		}
		if err := reg.Register(fmt.Sprintf("peer-%d", i), peers[i].PublicKey()); err != nil {
			t.Fatalf("register peer-%d: %v", i, err)
		}
	}

	coord, err := New("self", selfID, cfg, reg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	return coord, reg, peers
}

func signedVote(t *testing.T, id *ccrypto.Identity, nodeID string, typ messages.MessageType, view, seq uint64, digest string) *messages.ConsensusMessage {
	t.Helper()
	enc, err := messages.NewEncoder(nil)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	msg := &messages.ConsensusMessage{
		Type:      typ,
		View:      view,
		Sequence:  seq,
		Digest:    digest,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	}
	if err := enc.Sign(msg, id.Sign); err != nil {
		t.Fatalf("sign vote: %v", err)
	}
	return msg
}

func signedProposal(t *testing.T, id *ccrypto.Identity, nodeID string, view, seq uint64, payload []byte) *messages.Proposal {
	t.Helper()
	enc, err := messages.NewEncoder(nil)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	p := &messages.Proposal{
		View:      view,
		Sequence:  seq,
		Digest:    DigestBytes(payload),
		Payload:   payload,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	}
	if err := enc.SignProposal(p, id.Sign); err != nil {
		t.Fatalf("sign proposal: %v", err)
	}
	return p
}

func TestLivenessFourNodes(t *testing.T) {
	_, nodes := newCluster(t, 4, testConsensusConfig())

	committed, err := nodes[0].coord.InitiateConsensus(context.Background(), []byte("wedding-update"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !committed {
		t.Fatal("expected the round to commit with all four nodes honest")
	}

	for _, n := range nodes {
		if got := n.coord.Metrics().CommittedRounds; got != 1 {
			t.Fatalf("%s: expected 1 committed round, got %d", n.id, got)
		}
		// honest traffic never triggers suspicion
		for _, snap := range n.reg.Snapshots() {
			if snap.Status != registry.StatusActive {
				t.Fatalf("%s: node %s is %s after clean round", n.id, snap.ID, snap.Status)
			}
		}
	}
}

func TestTimeoutResolvesFalseAndAdvancesView(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.RoundTimeout = 200 * time.Millisecond

	network, nodes := newCluster(t, 4, cfg)
	network.Partition("node-0")

	committed, err := nodes[0].coord.InitiateConsensus(context.Background(), []byte("isolated"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if committed {
		t.Fatal("expected timeout to resolve false on a partitioned proposer")
	}
	if got := nodes[0].coord.View(); got != 1 {
		t.Fatalf("expected view change to view 1, got %d", got)
	}
	if got := nodes[0].coord.Metrics().AbandonedRounds; got != 1 {
		t.Fatalf("expected 1 abandoned round, got %d", got)
	}
}

func TestInitiateRequiresQuorum(t *testing.T) {
	_, nodes := newCluster(t, 4, testConsensusConfig())
	_ = nodes[0].reg.MarkFailed("node-2", "down")
	_ = nodes[0].reg.MarkFailed("node-3", "down")

	if _, err := nodes[0].coord.InitiateConsensus(context.Background(), []byte("x")); err != ErrQuorumUnreachable {
		t.Fatalf("expected ErrQuorumUnreachable, got %v", err)
	}
}

func TestInvalidSignatureSuspectsSender(t *testing.T) {
	coord, reg, peers := soloCoordinator(t, testConsensusConfig())

	// signed by peer 1's key but claiming to be peer-0
	forged := signedVote(t, peers[1], "peer-0", messages.TypePrepare, 0, 1, "digest")
	coord.ProcessMessage(forged)

	if got := coord.Metrics().InvalidSignatures; got != 1 {
		t.Fatalf("expected 1 invalid signature, got %d", got)
	}
	status, err := reg.Status("peer-0")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != registry.StatusSuspected {
		t.Fatalf("expected forged sender to be suspected, got %s", status)
	}
}

func TestDuplicateVoteIdempotent(t *testing.T) {
	coord, reg, peers := soloCoordinator(t, testConsensusConfig())

	payload := []byte("rsvp")
	coord.ProcessProposal(signedProposal(t, peers[0], "peer-0", 0, 1, payload))

	vote := signedVote(t, peers[1], "peer-1", messages.TypePrepare, 0, 1, DigestBytes(payload))
	coord.ProcessMessage(vote)
	coord.ProcessMessage(vote)
	coord.ProcessMessage(vote)

	m := coord.Metrics()
	if m.DuplicateDropped != 2 {
		t.Fatalf("expected 2 duplicates dropped, got %d", m.DuplicateDropped)
	}
	// duplicates never count toward suspicion
	status, _ := reg.Status("peer-1")
	if status != registry.StatusActive {
		t.Fatalf("expected duplicate voter to stay active, got %s", status)
	}
}

func TestEquivocationProducesEvidenceAndSuspicion(t *testing.T) {
	coord, reg, peers := soloCoordinator(t, testConsensusConfig())

	payload := []byte("booking")
	coord.ProcessProposal(signedProposal(t, peers[0], "peer-0", 0, 1, payload))

	coord.ProcessMessage(signedVote(t, peers[1], "peer-1", messages.TypePrepare, 0, 1, DigestBytes(payload)))
	coord.ProcessMessage(signedVote(t, peers[1], "peer-1", messages.TypePrepare, 0, 1, "another-digest"))

	m := coord.Metrics()
	if m.Equivocations != 1 {
		t.Fatalf("expected 1 equivocation, got %d", m.Equivocations)
	}
	evidence := coord.EvidenceRecords()
	if len(evidence) != 1 {
		t.Fatalf("expected 1 evidence record, got %d", len(evidence))
	}
	if evidence[0].NodeID != "peer-1" {
		t.Fatalf("expected evidence against peer-1, got %s", evidence[0].NodeID)
	}
	if evidence[0].First.Digest == evidence[0].Second.Digest {
		t.Fatal("evidence should hold two different digests")
	}
	status, _ := reg.Status("peer-1")
	if status != registry.StatusSuspected {
		t.Fatalf("expected equivocating node to be suspected, got %s", status)
	}
}

func TestConflictingCommitsNeverBothCommit(t *testing.T) {
	coord, _, peers := soloCoordinator(t, testConsensusConfig())

	payload := []byte("payment")
	digest := DigestBytes(payload)
	coord.ProcessProposal(signedProposal(t, peers[0], "peer-0", 0, 1, payload))

	// quorum of prepares for the real digest moves the round forward
	coord.ProcessMessage(signedVote(t, peers[0], "peer-0", messages.TypePrepare, 0, 1, digest))
	coord.ProcessMessage(signedVote(t, peers[1], "peer-1", messages.TypePrepare, 0, 1, digest))

	// commits split across two digests: neither side reaches quorum
	coord.ProcessMessage(signedVote(t, peers[0], "peer-0", messages.TypeCommit, 0, 1, "rogue-digest"))
	coord.ProcessMessage(signedVote(t, peers[1], "peer-1", messages.TypeCommit, 0, 1, "rogue-digest"))

	if got := coord.Metrics().CommittedRounds; got != 0 {
		t.Fatalf("expected no commit with split votes, got %d", got)
	}
}

func TestFullRoundThenStaleDropped(t *testing.T) {
	coord, _, peers := soloCoordinator(t, testConsensusConfig())

	payload := []byte("guest-list")
	digest := DigestBytes(payload)
	coord.ProcessProposal(signedProposal(t, peers[0], "peer-0", 0, 1, payload))

	coord.ProcessMessage(signedVote(t, peers[0], "peer-0", messages.TypePrepare, 0, 1, digest))
	coord.ProcessMessage(signedVote(t, peers[1], "peer-1", messages.TypePrepare, 0, 1, digest))
	coord.ProcessMessage(signedVote(t, peers[0], "peer-0", messages.TypeCommit, 0, 1, digest))
	coord.ProcessMessage(signedVote(t, peers[1], "peer-1", messages.TypeCommit, 0, 1, digest))

	if got := coord.Metrics().CommittedRounds; got != 1 {
		t.Fatalf("expected committed round, got %d", got)
	}

	// anything else for the finished round is stale
	coord.ProcessMessage(signedVote(t, peers[2], "peer-2", messages.TypeCommit, 0, 1, digest))
	if got := coord.Metrics().StaleDropped; got == 0 {
		t.Fatal("expected stale counter to increment for a finished round")
	}
}

func TestProposalDigestMismatchSuspectsProposer(t *testing.T) {
	coord, reg, peers := soloCoordinator(t, testConsensusConfig())

	enc, err := messages.NewEncoder(nil)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	p := &messages.Proposal{
		View:      0,
		Sequence:  1,
		Digest:    "lying-digest",
		Payload:   []byte("actual payload"),
		NodeID:    "peer-0",
		Timestamp: time.Now().UTC(),
	}
	if err := enc.SignProposal(p, peers[0].Sign); err != nil {
		t.Fatalf("sign proposal: %v", err)
	}
	coord.ProcessProposal(p)

	status, _ := reg.Status("peer-0")
	if status != registry.StatusSuspected {
		t.Fatalf("expected lying proposer to be suspected, got %s", status)
	}
}

func TestProcessMessageNeverPanics(t *testing.T) {
	coord, _, peers := soloCoordinator(t, testConsensusConfig())

	coord.ProcessMessage(nil)
	coord.ProcessMessage(&messages.ConsensusMessage{})
	coord.ProcessMessage(signedVote(t, peers[0], "nobody-registered", messages.TypePrepare, 0, 1, "d"))
	coord.ProcessProposal(nil)
	coord.ProcessProposal(&messages.Proposal{})
}

func TestCloseResolvesPromisesAndIsIdempotent(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.RoundTimeout = 5 * time.Second
	network, nodes := newCluster(t, 4, cfg)
	network.Partition("node-0")

	done := make(chan bool, 1)
	go func() {
		committed, _ := nodes[0].coord.InitiateConsensus(context.Background(), []byte("x"))
		done <- committed
	}()

	time.Sleep(50 * time.Millisecond)
	nodes[0].coord.Close()
	nodes[0].coord.Close()

	select {
	case committed := <-done:
		if committed {
			t.Fatal("expected close to resolve the pending round false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending round did not resolve after close")
	}
}

func TestAbandonedSequenceIsReclaimed(t *testing.T) {
	cfg := testConsensusConfig()
	cfg.RoundTimeout = 200 * time.Millisecond
	network, nodes := newCluster(t, 4, cfg)

	var committedSeqs []uint64
	nodes[0].bus.Subscribe(events.ConsensusReached, func(ev events.Event) {
		if seq, ok := ev.Fields["sequence"].(uint64); ok {
			committedSeqs = append(committedSeqs, seq)
		}
	})

	network.Partition("node-0")
	committed, err := nodes[0].coord.InitiateConsensus(context.Background(), []byte("lost"))
	if err != nil {
		t.Fatalf("initiate while partitioned: %v", err)
	}
	if committed {
		t.Fatal("expected the partitioned round to time out")
	}
	if got := nodes[0].coord.Status().NextSequence; got != 1 {
		t.Fatalf("expected the abandoned sequence to be reclaimed, next is %d", got)
	}

	network.Heal("node-0")
	committed, err = nodes[0].coord.InitiateConsensus(context.Background(), []byte("recovered"))
	if err != nil {
		t.Fatalf("initiate after heal: %v", err)
	}
	if !committed {
		t.Fatal("expected the healed cluster to commit")
	}
	// the retry commits the reclaimed sequence, leaving no gap behind it
	if len(committedSeqs) != 1 || committedSeqs[0] != 1 {
		t.Fatalf("expected sequence 1 to commit exactly once, got %v", committedSeqs)
	}
	if got := nodes[0].coord.Status().NextSequence; got != 2 {
		t.Fatalf("expected next sequence 2 after commit, got %d", got)
	}
}

func TestInitiateNeverOverwritesPeerRound(t *testing.T) {
	coord, _, peers := soloCoordinator(t, testConsensusConfig())

	payload := []byte("peer-owned")
	coord.ProcessProposal(signedProposal(t, peers[0], "peer-0", 0, 5, payload))

	// observed slots move the local allocator past them
	if got := coord.Status().NextSequence; got != 6 {
		t.Fatalf("expected next sequence 6 after observing sequence 5, got %d", got)
	}

	// force the allocator back onto the occupied slot
	coord.mu.Lock()
	coord.nextSequence = 5
	coord.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := coord.InitiateConsensus(ctx, []byte("mine")); err == nil {
		t.Fatal("expected the lone proposer to give up on context deadline")
	}

	r, ok := coord.store.lookup(messages.RoundKey{View: 0, Sequence: 5})
	if !ok {
		t.Fatal("peer round vanished")
	}
	if r.phase != PhaseProposed {
		t.Fatalf("peer round phase overwritten: %s", r.phase)
	}
	if r.digest != DigestBytes(payload) {
		t.Fatalf("peer round digest overwritten: %s", r.digest)
	}
	if r.proposer != "peer-0" {
		t.Fatalf("peer round proposer overwritten: %s", r.proposer)
	}
}
