package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/coordinator"
	ccrypto "github.com/atunbixx/Planr-sub008/pkg/consensus/crypto"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/registry"
	"github.com/atunbixx/Planr-sub008/pkg/transport"
)

func testManagerConfig() config.ManagerConfig {
	return config.ManagerConfig{
		MaxQueueDepth:   16,
		MaxPayloadBytes: 1 << 20,
		SubmitTimeout:   5 * time.Second,
		ExecutionBuffer: 16,
		ShutdownGrace:   time.Second,
		HandlerTimeout:  2 * time.Second,
	}
}

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		MinClusterSize:           1,
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

// newSoloManager builds a full pipeline over a one-node cluster: with
// n=1 the quorum is 1 and rounds commit from the local votes alone
func newSoloManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()

	id, err := ccrypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	ccfg := testConsensusConfig()
	bus := events.NewBus(nil)
	reg := registry.New(ccfg, bus, nil, nil)
	if err := reg.Register("solo", id.PublicKey()); err != nil {
		t.Fatalf("register: %v", err)
	}
	coord, err := coordinator.New("solo", id, ccfg, reg, nil, bus, nil, nil)
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	mgr := New(testManagerConfig(), coord, bus, nil, nil)
	t.Cleanup(mgr.Shutdown)
	return mgr, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueuePriorityAndFIFOOrder(t *testing.T) {
	q := newSubmitQueue(0)
	push := func(id string, p Priority) {
		q.push(&queueItem{req: &Request{ID: id, Priority: p}, promise: make(chan submitResult, 1)})
	}
	push("low-1", PriorityLow)
	push("medium-1", PriorityMedium)
	push("urgent-1", PriorityUrgent)
	push("high-1", PriorityHigh)
	push("urgent-2", PriorityUrgent)
	push("medium-2", PriorityMedium)

	expected := []string{"urgent-1", "urgent-2", "high-1", "medium-1", "medium-2", "low-1"}
	for _, want := range expected {
		item := q.pop()
		if item == nil {
			t.Fatalf("queue empty, expected %s", want)
		}
		if item.req.ID != want {
			t.Fatalf("expected %s, got %s", want, item.req.ID)
		}
	}
	if q.pop() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestQueueDepthLimit(t *testing.T) {
	q := newSubmitQueue(2)
	a := &queueItem{req: &Request{Priority: PriorityLow}, promise: make(chan submitResult, 1)}
	b := &queueItem{req: &Request{Priority: PriorityLow}, promise: make(chan submitResult, 1)}
	c := &queueItem{req: &Request{Priority: PriorityUrgent}, promise: make(chan submitResult, 1)}
	if !q.push(a) || !q.push(b) {
		t.Fatal("expected pushes within the depth limit to succeed")
	}
	if q.push(c) {
		t.Fatal("expected push past the depth limit to fail")
	}
}

func TestSubmitExecutesHandler(t *testing.T) {
	mgr, _ := newSoloManager(t)

	executed := make(chan *Request, 1)
	mgr.RegisterHandler("wedding-update", func(ctx context.Context, req *Request) error {
		executed <- req
		return nil
	})

	ok, err := mgr.SubmitRequest(context.Background(), &Request{
		Type:            "wedding-update",
		Data:            []byte(`{"venue":"garden"}`),
		Priority:        PriorityHigh,
		RequesterNodeID: "solo",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ok {
		t.Fatal("expected submission to succeed")
	}

	select {
	case req := <-executed:
		if req.Type != "wedding-update" {
			t.Fatalf("handler got wrong type: %s", req.Type)
		}
	default:
		t.Fatal("handler was not invoked before submit returned")
	}

	m := mgr.GetMetrics()
	if m.TotalSubmitted != 1 || m.TotalExecuted != 1 || m.TotalFailed != 0 {
		t.Fatalf("unexpected counters: %+v", m)
	}
}

func TestMissingHandlerFailsSubmission(t *testing.T) {
	mgr, _ := newSoloManager(t)

	ok, err := mgr.SubmitRequest(context.Background(), &Request{
		Type:            "unregistered",
		Priority:        PriorityMedium,
		RequesterNodeID: "solo",
	})
	if ok {
		t.Fatal("expected submission to fail without a handler")
	}
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestHandlerErrorPropagatesToSubmitter(t *testing.T) {
	mgr, _ := newSoloManager(t)

	boom := errors.New("constraint violated")
	mgr.RegisterHandler("vendor-booking", func(ctx context.Context, req *Request) error {
		return boom
	})

	ok, err := mgr.SubmitRequest(context.Background(), &Request{
		Type:            "vendor-booking",
		Priority:        PriorityMedium,
		RequesterNodeID: "solo",
	})
	if ok {
		t.Fatal("expected handler failure to fail the submission")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if m := mgr.GetMetrics(); m.TotalFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", m.TotalFailed)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	mgr, _ := newSoloManager(t)

	mgr.RegisterHandler("explosive", func(ctx context.Context, req *Request) error {
		panic("boom")
	})

	ok, err := mgr.SubmitRequest(context.Background(), &Request{
		Type:            "explosive",
		Priority:        PriorityLow,
		RequesterNodeID: "solo",
	})
	if ok {
		t.Fatal("expected panicking handler to fail the submission")
	}
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}
}

func TestSubmitValidation(t *testing.T) {
	mgr, _ := newSoloManager(t)
	ctx := context.Background()

	if _, err := mgr.SubmitRequest(ctx, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("nil request: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := mgr.SubmitRequest(ctx, &Request{Priority: PriorityLow, RequesterNodeID: "solo"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing type: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := mgr.SubmitRequest(ctx, &Request{Type: "x", Priority: "whenever", RequesterNodeID: "solo"}); !errors.Is(err, ErrUnknownPriority) {
		t.Fatalf("bad priority: expected ErrUnknownPriority, got %v", err)
	}
	big := &Request{Type: "x", Priority: PriorityLow, RequesterNodeID: "solo", Data: make([]byte, 2<<20)}
	if _, err := mgr.SubmitRequest(ctx, big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized payload: expected ErrPayloadTooLarge, got %v", err)
	}
}

// TestOutOfOrderCommitsExecuteInSequence feeds commit notifications for
// sequences 2 and 3 before 1 and checks the handlers still observe
// 1, 2, 3.
func TestOutOfOrderCommitsExecuteInSequence(t *testing.T) {
	mgr, bus := newSoloManager(t)

	order := make(chan uint64, 3)
	mgr.RegisterHandler("ordered", func(ctx context.Context, req *Request) error {
		order <- uint64(req.Data[0])
		return nil
	})

	publish := func(seq uint64) {
		req := &Request{
			ID:              fmt.Sprintf("req-%d", seq),
			Type:            "ordered",
			Data:            []byte{byte(seq)},
			Priority:        PriorityMedium,
			RequesterNodeID: "solo",
			Timestamp:       time.Now().UTC(),
		}
		payload, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		bus.Publish(events.ConsensusReached, map[string]interface{}{
			"sequence": seq,
			"payload":  payload,
		})
	}

	publish(2)
	publish(3)

	// nothing may run while sequence 1 is outstanding
	waitFor(t, "commits to buffer", func() bool {
		return mgr.GetMetrics().BufferedCommits == 2
	})
	if got := mgr.GetMetrics().TotalExecuted; got != 0 {
		t.Fatalf("executed %d requests ahead of sequence 1", got)
	}

	publish(1)
	waitFor(t, "all three executions", func() bool {
		return mgr.GetMetrics().TotalExecuted == 3
	})

	for want := uint64(1); want <= 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("expected sequence %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing execution for sequence %d", want)
		}
	}
	if got := mgr.GetMetrics().BufferedCommits; got != 0 {
		t.Fatalf("expected empty commit buffer, got %d", got)
	}
}

func TestDuplicateCommitNotificationIgnored(t *testing.T) {
	mgr, bus := newSoloManager(t)

	count := 0
	done := make(chan struct{}, 2)
	mgr.RegisterHandler("once", func(ctx context.Context, req *Request) error {
		count++
		done <- struct{}{}
		return nil
	})

	req := &Request{
		ID:              "dup",
		Type:            "once",
		Priority:        PriorityLow,
		RequesterNodeID: "solo",
		Timestamp:       time.Now().UTC(),
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fields := map[string]interface{}{"sequence": uint64(1), "payload": payload}
	bus.Publish(events.ConsensusReached, fields)
	bus.Publish(events.ConsensusReached, fields)

	<-done
	waitFor(t, "duplicate to be dropped", func() bool {
		return mgr.GetMetrics().TotalExecuted == 1 && mgr.GetMetrics().BufferedCommits == 0
	})
	if count != 1 {
		t.Fatalf("handler ran %d times", count)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	mgr, _ := newSoloManager(t)

	mgr.Shutdown()
	mgr.Shutdown()

	if st := mgr.GetStatus(); st.Running {
		t.Fatal("expected manager to report not running")
	}
	ok, err := mgr.SubmitRequest(context.Background(), &Request{
		Type:            "wedding-update",
		Priority:        PriorityHigh,
		RequesterNodeID: "solo",
	})
	if ok || !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after shutdown, got ok=%v err=%v", ok, err)
	}
}

// newFourNodeManagers builds the full pipeline on four replicas over
// one in-process network, each with a wedding-update handler feeding
// its execution channel
func newFourNodeManagers(t *testing.T, ccfg config.ConsensusConfig) (*transport.Network, []*Manager, []*events.Bus, []chan string) {
	t.Helper()

	ids := make([]string, 4)
	identities := make([]*ccrypto.Identity, 4)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
		var err error
		identities[i], err = ccrypto.GenerateIdentity()
		if err != nil {
			t.Fatalf("generate identity: %v", err)
		}
	}

	network := transport.NewNetwork()
	managers := make([]*Manager, 4)
	buses := make([]*events.Bus, 4)
	executions := make([]chan string, 4)

	for i := range ids {
		bus := events.NewBus(nil)
		reg := registry.New(ccfg, bus, nil, nil)
		for j := range ids {
			if err := reg.Register(ids[j], identities[j].PublicKey()); err != nil {
				t.Fatalf("register: %v", err)
			}
		}
		coord, err := coordinator.New(ids[i], identities[i], ccfg, reg, network.Join(ids[i]), bus, nil, nil)
		if err != nil {
			t.Fatalf("create coordinator: %v", err)
		}
		mgr := New(testManagerConfig(), coord, bus, nil, nil)
		t.Cleanup(mgr.Shutdown)

		execCh := make(chan string, 8)
		mgr.RegisterHandler("wedding-update", func(ctx context.Context, req *Request) error {
			execCh <- req.ID
			return nil
		})

		managers[i] = mgr
		buses[i] = bus
		executions[i] = execCh
	}
	return network, managers, buses, executions
}

// TestFourNodeEndToEnd runs the full pipeline across four replicas on
// the in-process network: a wedding update submitted on one node
// commits and executes exactly once per replica.
func TestFourNodeEndToEnd(t *testing.T) {
	ccfg := testConsensusConfig()
	ccfg.MinClusterSize = 4
	_, managers, buses, executions := newFourNodeManagers(t, ccfg)

	var executedEvents atomic.Int64
	buses[0].Subscribe(events.RequestExecuted, func(ev events.Event) {
		executedEvents.Add(1)
	})

	ok, err := managers[0].SubmitRequest(context.Background(), &Request{
		Type:            "wedding-update",
		Data:            []byte(`{"guestCount":120}`),
		Priority:        PriorityUrgent,
		RequesterNodeID: "node-0",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ok {
		t.Fatal("expected the cluster to commit and execute the request")
	}

	// every replica applies the committed request
	for i := range managers {
		mgr := managers[i]
		waitFor(t, fmt.Sprintf("execution on node-%d", i), func() bool {
			return mgr.GetMetrics().TotalExecuted == 1
		})
		select {
		case <-executions[i]:
		case <-time.After(time.Second):
			t.Fatalf("node-%d handler never ran", i)
		}
	}

	waitFor(t, "request-executed event on the submitter", func() bool {
		return executedEvents.Load() >= 1
	})
	if got := executedEvents.Load(); got != 1 {
		t.Fatalf("expected exactly one request-executed event, got %d", got)
	}
}

// TestSubmissionAfterTimedOutRoundExecutes checks that one failed round
// never wedges the ordered executor: the next submission commits and
// runs on every replica with no sequence gap left behind.
func TestSubmissionAfterTimedOutRoundExecutes(t *testing.T) {
	ccfg := testConsensusConfig()
	ccfg.MinClusterSize = 4
	ccfg.RoundTimeout = 200 * time.Millisecond
	network, managers, _, executions := newFourNodeManagers(t, ccfg)

	network.Partition("node-0")
	ok, err := managers[0].SubmitRequest(context.Background(), &Request{
		Type:            "wedding-update",
		Data:            []byte(`{"venue":"unreachable"}`),
		Priority:        PriorityHigh,
		RequesterNodeID: "node-0",
	})
	if ok {
		t.Fatal("expected the partitioned submission to fail")
	}
	if err != nil {
		t.Fatalf("timeout must resolve cleanly, got %v", err)
	}

	network.Heal("node-0")
	ok, err = managers[0].SubmitRequest(context.Background(), &Request{
		Type:            "wedding-update",
		Data:            []byte(`{"venue":"garden"}`),
		Priority:        PriorityHigh,
		RequesterNodeID: "node-0",
	})
	if err != nil {
		t.Fatalf("submit after heal: %v", err)
	}
	if !ok {
		t.Fatal("expected the healed cluster to commit and execute")
	}

	for i := range managers {
		mgr := managers[i]
		waitFor(t, fmt.Sprintf("execution on node-%d", i), func() bool {
			m := mgr.GetMetrics()
			return m.TotalExecuted == 1 && m.BufferedCommits == 0
		})
		select {
		case <-executions[i]:
		case <-time.After(time.Second):
			t.Fatalf("node-%d handler never ran", i)
		}
		if got := mgr.GetMetrics().NextExecution; got != 2 {
			t.Fatalf("node-%d: expected next execution 2, got %d", i, got)
		}
	}
}
