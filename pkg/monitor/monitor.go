package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/registry"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// AlertType classifies what a health alert is about
type AlertType string

const (
	AlertHighLatency      AlertType = "high-latency"
	AlertLowSuccessRate   AlertType = "low-success-rate"
	AlertNodeUnresponsive AlertType = "node-unresponsive"
	AlertNodeSuspected    AlertType = "node-suspected"
	AlertNetworkPartition AlertType = "network-partition"
)

// AlertSeverity grades an alert
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// HealthState is the overall cluster verdict
type HealthState string

const (
	HealthCritical HealthState = "critical"
	HealthWarning  HealthState = "warning"
	HealthDegraded HealthState = "degraded"
	HealthHealthy  HealthState = "healthy"
)

// NodeHealth is the monitor's view of one participant
type NodeHealth string

const (
	NodeHealthy   NodeHealth = "healthy"
	NodeDegraded  NodeHealth = "degraded"
	NodeSuspect   NodeHealth = "suspected"
	NodeFailed    NodeHealth = "failed"
)

var ErrAlertNotFound = errors.New("monitor: alert not found")

// Alert is one health finding. Alerts stay until resolved.
type Alert struct {
	ID         string        `json:"id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	NodeID     string        `json:"nodeId,omitempty"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"createdAt"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt time.Time     `json:"resolvedAt,omitempty"`
}

// MetricsSnapshot is one sampling of engine performance
type MetricsSnapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	TotalExecuted   uint64        `json:"totalExecuted"`
	TotalFailed     uint64        `json:"totalFailed"`
	SuccessRate     float64       `json:"successRate"`
	AverageLatency  time.Duration `json:"averageLatency"`
	MaxLatency      time.Duration `json:"maxLatency"`
	ThroughputRPS   float64       `json:"throughputRps"`
	ActiveNodeCount int           `json:"activeNodeCount"`
	TotalNodeCount  int           `json:"totalNodeCount"`
}

// Report is the read-only output of GenerateReport
type Report struct {
	GeneratedAt time.Time             `json:"generatedAt"`
	Summary     HealthState           `json:"summary"`
	Metrics     MetricsSnapshot       `json:"metrics"`
	Nodes       map[string]NodeHealth `json:"nodes"`
	Alerts      []Alert               `json:"alerts"`
}

// Monitor samples engine performance on a fixed interval, classifies
// node health from liveness, and raises deduplicated alerts. It only
// reads shared state; it never drives the protocol.
type Monitor struct {
	mu sync.Mutex

	cfg    config.MonitorConfig
	reg    *registry.Registry
	bus    *events.Bus
	logger *utils.Logger
	audit  *utils.AuditLogger

	// latency ring buffer
	latencies []time.Duration
	latIdx    int
	latFull   bool

	executed uint64
	failed   uint64
	// counters at the previous sample, for throughput
	lastExecuted uint64
	lastSample   time.Time

	alerts map[string]*Alert
	// one alert per (type, node) within the dedup window
	dedup *expirable.LRU[string, bool]

	unsubs []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	clock func() time.Time
}

// New creates a monitor wired to the event bus and registry
func New(
	cfg config.MonitorConfig,
	reg *registry.Registry,
	bus *events.Bus,
	logger *utils.Logger,
	audit *utils.AuditLogger,
) *Monitor {
	if logger == nil {
		logger = utils.GetLogger()
	}
	m := &Monitor{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		logger:    logger,
		audit:     audit,
		latencies: make([]time.Duration, cfg.LatencyWindow),
		alerts:    make(map[string]*Alert),
		dedup:     expirable.NewLRU[string, bool](1024, nil, cfg.AlertDedupWindow),
		clock:     time.Now,
	}

	if bus != nil {
		m.unsubs = append(m.unsubs,
			bus.Subscribe(events.RequestExecuted, m.onRequestExecuted),
			bus.Subscribe(events.NodeSuspected, m.onNodeSuspected),
			bus.Subscribe(events.NodeFaultDetected, m.onNodeFault),
		)
	}
	return m
}

// Start launches the sampling loop
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.lastSample = m.clock()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sampleLoop(ctx)
}

// Stop halts sampling and unsubscribes from the bus. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.sampleAndAdvance()
			if m.bus != nil {
				m.bus.Publish(events.MetricsUpdated, map[string]interface{}{
					"successRate":   snap.SuccessRate,
					"throughputRps": snap.ThroughputRPS,
					"avgLatencyMs":  snap.AverageLatency.Milliseconds(),
					"activeNodes":   snap.ActiveNodeCount,
				})
			}
			m.AnalyzeHealth(snap)
		}
	}
}

func (m *Monitor) onRequestExecuted(ev events.Event) {
	success, _ := ev.Fields["success"].(bool)
	latencyMs, _ := ev.Fields["latencyMs"].(int64)

	m.mu.Lock()
	if success {
		m.executed++
	} else {
		m.failed++
	}
	m.latencies[m.latIdx] = time.Duration(latencyMs) * time.Millisecond
	m.latIdx++
	if m.latIdx >= len(m.latencies) {
		m.latIdx = 0
		m.latFull = true
	}
	m.mu.Unlock()
}

func (m *Monitor) onNodeSuspected(ev events.Event) {
	nodeID, _ := ev.Fields["nodeId"].(string)
	reason, _ := ev.Fields["reason"].(string)
	m.raiseAlert(AlertNodeSuspected, SeverityCritical, nodeID,
		fmt.Sprintf("node %s suspected: %s", nodeID, reason))
}

func (m *Monitor) onNodeFault(ev events.Event) {
	nodeID, _ := ev.Fields["nodeId"].(string)
	reason, _ := ev.Fields["reason"].(string)
	m.raiseAlert(AlertNodeUnresponsive, SeverityCritical, nodeID,
		fmt.Sprintf("node %s failed: %s", nodeID, reason))
}

// Sample computes a point-in-time metrics snapshot. It leaves the
// sampling loop's throughput baseline untouched, so reports and scrapes
// can call it any number of times.
func (m *Monitor) Sample() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.clock())
}

// sampleAndAdvance snapshots and moves the throughput baseline forward.
// Only the sampling loop calls it, once per interval.
func (m *Monitor) sampleAndAdvance() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	snap := m.snapshotLocked(now)
	m.lastExecuted = m.executed
	m.lastSample = now
	return snap
}

func (m *Monitor) snapshotLocked(now time.Time) MetricsSnapshot {
	total := m.executed + m.failed
	successRate := 1.0
	if total > 0 {
		successRate = float64(m.executed) / float64(total)
	}

	var sum, max time.Duration
	count := m.latIdx
	if m.latFull {
		count = len(m.latencies)
	}
	for i := 0; i < count; i++ {
		d := m.latencies[i]
		sum += d
		if d > max {
			max = d
		}
	}
	var avg time.Duration
	if count > 0 {
		avg = sum / time.Duration(count)
	}

	elapsed := now.Sub(m.lastSample).Seconds()
	var rps float64
	if elapsed > 0 {
		rps = float64(m.executed-m.lastExecuted) / elapsed
	}

	return MetricsSnapshot{
		Timestamp:       now,
		TotalExecuted:   m.executed,
		TotalFailed:     m.failed,
		SuccessRate:     successRate,
		AverageLatency:  avg,
		MaxLatency:      max,
		ThroughputRPS:   rps,
		ActiveNodeCount: m.reg.ActiveCount(),
		TotalNodeCount:  m.reg.Count(),
	}
}

// NodeHealths classifies every registered node from its status and the
// time since it was last seen
func (m *Monitor) NodeHealths() map[string]NodeHealth {
	now := m.clock()
	out := make(map[string]NodeHealth)
	for _, n := range m.reg.Snapshots() {
		switch n.Status {
		case registry.StatusFailed:
			out[n.ID] = NodeFailed
		case registry.StatusSuspected:
			out[n.ID] = NodeSuspect
		default:
			silent := now.Sub(n.LastSeen)
			switch {
			case silent >= m.cfg.NodeSuspectAfter:
				out[n.ID] = NodeSuspect
			case silent >= m.cfg.NodeDegradedAfter:
				out[n.ID] = NodeDegraded
			default:
				out[n.ID] = NodeHealthy
			}
		}
	}
	return out
}

// AnalyzeHealth evaluates thresholds against a snapshot and raises the
// appropriate alerts
func (m *Monitor) AnalyzeHealth(snap MetricsSnapshot) {
	// latency
	if snap.AverageLatency >= m.cfg.LatencyCritical {
		m.raiseAlert(AlertHighLatency, SeverityCritical, "",
			fmt.Sprintf("average latency %s above critical threshold %s",
				snap.AverageLatency, m.cfg.LatencyCritical))
	} else if snap.AverageLatency >= m.cfg.LatencyWarning {
		m.raiseAlert(AlertHighLatency, SeverityWarning, "",
			fmt.Sprintf("average latency %s above warning threshold %s",
				snap.AverageLatency, m.cfg.LatencyWarning))
	}

	// success rate
	if snap.TotalExecuted+snap.TotalFailed > 0 {
		if snap.SuccessRate < m.cfg.SuccessRateMin {
			m.raiseAlert(AlertLowSuccessRate, SeverityCritical, "",
				fmt.Sprintf("success rate %.3f below minimum %.3f",
					snap.SuccessRate, m.cfg.SuccessRateMin))
		} else if snap.SuccessRate < m.cfg.SuccessRateWarning {
			m.raiseAlert(AlertLowSuccessRate, SeverityWarning, "",
				fmt.Sprintf("success rate %.3f below warning %.3f",
					snap.SuccessRate, m.cfg.SuccessRateWarning))
		}
	}

	// per-node responsiveness
	for nodeID, health := range m.NodeHealths() {
		switch health {
		case NodeSuspect, NodeFailed:
			m.raiseAlert(AlertNodeUnresponsive, SeverityCritical, nodeID,
				fmt.Sprintf("node %s is %s", nodeID, health))
		case NodeDegraded:
			m.raiseAlert(AlertNodeUnresponsive, SeverityWarning, nodeID,
				fmt.Sprintf("node %s is responding slowly", nodeID))
		}
	}

	// partition: too few healthy nodes for quorum confidence
	if snap.TotalNodeCount > 0 {
		healthyFraction := float64(snap.ActiveNodeCount) / float64(snap.TotalNodeCount)
		if healthyFraction < m.cfg.PartitionFraction {
			m.raiseAlert(AlertNetworkPartition, SeverityCritical, "",
				fmt.Sprintf("only %.0f%% of nodes active, possible partition",
					healthyFraction*100))
		}
	}
}

// raiseAlert creates an alert unless the same (type, node) pair already
// alerted inside the dedup window
func (m *Monitor) raiseAlert(t AlertType, sev AlertSeverity, nodeID, message string) *Alert {
	key := string(t) + "|" + nodeID

	m.mu.Lock()
	if _, dup := m.dedup.Get(key); dup {
		m.mu.Unlock()
		return nil
	}
	m.dedup.Add(key, true)

	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		NodeID:    nodeID,
		Message:   message,
		CreatedAt: m.clock(),
	}
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	m.logger.Warn("alert created",
		utils.ZapString("alert_id", alert.ID),
		utils.ZapString("alert_type", string(t)),
		utils.ZapString("severity", string(sev)),
		utils.ZapString("node_id", nodeID),
		utils.ZapString("message", message))
	if m.audit != nil {
		m.audit.Warn("alert_created", map[string]interface{}{
			"alert_id": alert.ID,
			"type":     string(t),
			"severity": string(sev),
			"node_id":  nodeID,
		})
	}
	if m.bus != nil {
		m.bus.Publish(events.AlertCreated, map[string]interface{}{
			"alertId":  alert.ID,
			"type":     string(t),
			"severity": string(sev),
			"nodeId":   nodeID,
			"message":  message,
		})
	}
	return alert
}

// ResolveAlert marks an alert resolved. Resolving an already resolved
// alert is a no-op.
func (m *Monitor) ResolveAlert(id string) error {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Resolved {
		m.mu.Unlock()
		return nil
	}
	alert.Resolved = true
	alert.ResolvedAt = m.clock()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.AlertResolved, map[string]interface{}{
			"alertId": id,
			"type":    string(alert.Type),
		})
	}
	return nil
}

// ActiveAlerts returns unresolved alerts, newest first
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// HealthSummary folds alerts and the success rate into one verdict
func (m *Monitor) HealthSummary() HealthState {
	m.mu.Lock()
	var hasCritical, hasWarning bool
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		switch a.Severity {
		case SeverityCritical:
			hasCritical = true
		case SeverityWarning:
			hasWarning = true
		}
	}
	total := m.executed + m.failed
	successRate := 1.0
	if total > 0 {
		successRate = float64(m.executed) / float64(total)
	}
	m.mu.Unlock()

	switch {
	case hasCritical:
		return HealthCritical
	case hasWarning:
		return HealthWarning
	case successRate < m.cfg.SuccessRateMin:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// GenerateReport produces a read-only view of current health
func (m *Monitor) GenerateReport() Report {
	snap := m.Sample()

	m.mu.Lock()
	alerts := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		alerts = append(alerts, *a)
	}
	m.mu.Unlock()

	return Report{
		GeneratedAt: m.clock(),
		Summary:     m.HealthSummary(),
		Metrics:     snap,
		Nodes:       m.NodeHealths(),
		Alerts:      alerts,
	}
}
