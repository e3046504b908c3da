package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/coordinator"
	"github.com/atunbixx/Planr-sub008/pkg/consensus/messages"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// Manager errors
var (
	ErrShutdown       = errors.New("manager: shut down")
	ErrQueueFull      = errors.New("manager: submission queue full")
	ErrNoHandler      = errors.New("manager: no handler for request type")
	ErrHandlerTimeout = errors.New("manager: handler timed out")
)

// Handler executes one committed request of a given type
type Handler func(ctx context.Context, req *Request) error

// Metrics are the manager's pipeline counters
type Metrics struct {
	TotalSubmitted  uint64 `json:"totalSubmitted"`
	TotalExecuted   uint64 `json:"totalExecuted"`
	TotalFailed     uint64 `json:"totalFailed"`
	QueueDepth      int    `json:"queueDepth"`
	BufferedCommits int    `json:"bufferedCommits"`
	NextExecution   uint64 `json:"nextExecution"`
}

// ManagerStatus combines pipeline and protocol state
type ManagerStatus struct {
	Running     bool               `json:"running"`
	Metrics     Metrics            `json:"metrics"`
	Coordinator coordinator.Status `json:"coordinator"`
}

// Manager is the application-facing orchestrator: it queues requests by
// priority, drives the coordinator one proposal at a time, and executes
// committed requests in strict sequence order regardless of the order
// commits are observed in.
type Manager struct {
	mu sync.Mutex

	cfg    config.ManagerConfig
	coord  *coordinator.Coordinator
	bus    *events.Bus
	logger *utils.Logger
	audit  *utils.AuditLogger

	handlers map[string]Handler
	queue    *submitQueue

	// strict ordering of committed requests
	nextExecSeq uint64
	commitBuf   map[uint64][]byte
	execCh      chan committedPayload

	// submitters waiting for their request's execution outcome
	waiters map[string]chan error

	signal      chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
	shutdown    bool

	totalSubmitted uint64
	totalExecuted  uint64
	totalFailed    uint64
}

type committedPayload struct {
	sequence uint64
	payload  []byte
}

// New creates and starts a manager around a coordinator
func New(
	cfg config.ManagerConfig,
	coord *coordinator.Coordinator,
	bus *events.Bus,
	logger *utils.Logger,
	audit *utils.AuditLogger,
) *Manager {
	if logger == nil {
		logger = utils.GetLogger()
	}
	m := &Manager{
		cfg:         cfg,
		coord:       coord,
		bus:         bus,
		logger:      logger,
		audit:       audit,
		handlers:    make(map[string]Handler),
		queue:       newSubmitQueue(cfg.MaxQueueDepth),
		nextExecSeq: 1,
		commitBuf:   make(map[uint64][]byte),
		execCh:      make(chan committedPayload, cfg.ExecutionBuffer),
		waiters:     make(map[string]chan error),
		signal:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	if bus != nil {
		m.unsubscribe = bus.Subscribe(events.ConsensusReached, m.onConsensusReached)
	}

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.executeLoop()
	return m
}

// RegisterHandler installs the executor for a request type. The last
// registration for a type wins.
func (m *Manager) RegisterHandler(requestType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[requestType] = h
}

// SubmitRequest queues a request and blocks until it either executes or
// definitively fails. Returns true only when consensus committed the
// request and its type handler succeeded.
func (m *Manager) SubmitRequest(ctx context.Context, req *Request) (bool, error) {
	if req == nil {
		return false, ErrInvalidRequest
	}
	if err := req.Validate(m.cfg.MaxPayloadBytes); err != nil {
		return false, err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	item := &queueItem{
		req:     req,
		payload: payload,
		promise: make(chan submitResult, 1),
	}
	if !m.queue.push(item) {
		m.mu.Unlock()
		return false, ErrQueueFull
	}
	m.totalSubmitted++
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.RequestSubmitted, map[string]interface{}{
			"requestId": req.ID,
			"type":      req.Type,
			"priority":  string(req.Priority),
		})
	}
	m.wake()

	select {
	case res := <-item.promise:
		return res.success, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ProcessNetworkMessage forwards a peer's vote to the coordinator. It
// never panics and never returns an error.
func (m *Manager) ProcessNetworkMessage(msg *messages.ConsensusMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovered from panic in network message path",
				utils.ZapAny("panic", r))
		}
	}()
	m.coord.ProcessMessage(msg)
}

// wake nudges the dispatcher without blocking
func (m *Manager) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// dispatchLoop pops the queue in priority order and runs one consensus
// round at a time, which keeps locally proposed sequences dense and
// ordered
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.signal:
			m.drainQueue()
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		item := m.queue.pop()
		m.mu.Unlock()
		if item == nil {
			return
		}
		m.dispatch(item)
	}
}

func (m *Manager) dispatch(item *queueItem) {
	waiter := make(chan error, 1)
	m.mu.Lock()
	m.waiters[item.req.ID] = waiter
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubmitTimeout)
	committed, err := m.coord.InitiateConsensus(ctx, item.payload)
	cancel()

	if err != nil || !committed {
		m.removeWaiter(item.req.ID)
		m.fail(item, err)
		return
	}

	// committed: the outcome now depends on ordered execution
	timer := time.NewTimer(m.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case execErr := <-waiter:
		m.removeWaiter(item.req.ID)
		if execErr != nil {
			m.fail(item, execErr)
			return
		}
		item.promise <- submitResult{success: true}
	case <-timer.C:
		m.removeWaiter(item.req.ID)
		m.fail(item, ErrHandlerTimeout)
	case <-m.stopCh:
		m.removeWaiter(item.req.ID)
		m.fail(item, ErrShutdown)
	}
}

func (m *Manager) fail(item *queueItem, err error) {
	m.mu.Lock()
	m.totalFailed++
	m.mu.Unlock()
	item.promise <- submitResult{success: false, err: err}
}

func (m *Manager) removeWaiter(requestID string) {
	m.mu.Lock()
	delete(m.waiters, requestID)
	m.mu.Unlock()
}

// onConsensusReached feeds committed payloads to the ordered executor
func (m *Manager) onConsensusReached(ev events.Event) {
	seq, ok := ev.Fields["sequence"].(uint64)
	if !ok {
		return
	}
	payload, ok := ev.Fields["payload"].([]byte)
	if !ok {
		return
	}
	select {
	case m.execCh <- committedPayload{sequence: seq, payload: payload}:
	case <-m.stopCh:
	}
}

// executeLoop applies committed requests strictly by sequence number.
// A commit observed for sequence s+1 before s waits in the buffer.
func (m *Manager) executeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case c := <-m.execCh:
			m.bufferAndExecute(c)
		}
	}
}

func (m *Manager) bufferAndExecute(c committedPayload) {
	m.mu.Lock()
	if c.sequence < m.nextExecSeq {
		// already executed, a late duplicate notification
		m.mu.Unlock()
		return
	}
	m.commitBuf[c.sequence] = c.payload

	var ready []committedPayload
	for {
		payload, ok := m.commitBuf[m.nextExecSeq]
		if !ok {
			break
		}
		delete(m.commitBuf, m.nextExecSeq)
		ready = append(ready, committedPayload{sequence: m.nextExecSeq, payload: payload})
		m.nextExecSeq++
	}
	m.mu.Unlock()

	for _, r := range ready {
		m.executeOne(r)
	}
}

func (m *Manager) executeOne(c committedPayload) {
	req, err := DecodeRequest(c.payload)
	if err != nil {
		m.logger.Error("committed payload did not decode",
			utils.ZapUint64("sequence", c.sequence),
			utils.ZapError(err))
		return
	}

	execErr := m.runHandler(req)

	m.mu.Lock()
	if execErr == nil {
		m.totalExecuted++
	} else {
		m.totalFailed++
	}
	waiter := m.waiters[req.ID]
	m.mu.Unlock()

	if waiter != nil {
		waiter <- execErr
	}

	fields := map[string]interface{}{
		"requestId": req.ID,
		"type":      req.Type,
		"sequence":  c.sequence,
		"success":   execErr == nil,
		"latencyMs": time.Since(req.Timestamp).Milliseconds(),
	}
	if execErr != nil {
		fields["error"] = execErr.Error()
	}
	if m.bus != nil {
		m.bus.Publish(events.RequestExecuted, fields)
	}
	if m.audit != nil && execErr != nil {
		m.audit.Error("request_execution_failed", map[string]interface{}{
			"request_id": req.ID,
			"type":       req.Type,
			"sequence":   c.sequence,
			"error":      execErr.Error(),
		})
	}
}

// runHandler invokes the type handler with a deadline, converting
// panics into errors
func (m *Manager) runHandler(req *Request) (err error) {
	m.mu.Lock()
	h, ok := m.handlers[req.Type]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, req.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("manager: handler panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandlerTimeout)
	defer cancel()
	return h(ctx, req)
}

// GetMetrics returns a snapshot of pipeline counters
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		TotalSubmitted:  m.totalSubmitted,
		TotalExecuted:   m.totalExecuted,
		TotalFailed:     m.totalFailed,
		QueueDepth:      m.queue.len(),
		BufferedCommits: len(m.commitBuf),
		NextExecution:   m.nextExecSeq,
	}
}

// GetStatus returns pipeline and protocol state
func (m *Manager) GetStatus() ManagerStatus {
	m.mu.Lock()
	running := !m.shutdown
	m.mu.Unlock()
	return ManagerStatus{
		Running:     running,
		Metrics:     m.GetMetrics(),
		Coordinator: m.coord.Status(),
	}
}

// Shutdown stops the pipeline, resolving every queued and in-flight
// submission as failed. Safe to call more than once; later calls are
// no-ops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	close(m.stopCh)
	m.coord.Close()
	m.wg.Wait()

	m.mu.Lock()
	drained := m.queue.drain()
	m.mu.Unlock()
	for _, item := range drained {
		m.totalFailedInc()
		item.promise <- submitResult{success: false, err: ErrShutdown}
	}

	m.logger.Info("manager shut down",
		utils.ZapInt("drained_requests", len(drained)))
}

func (m *Manager) totalFailedInc() {
	m.mu.Lock()
	m.totalFailed++
	m.mu.Unlock()
}
