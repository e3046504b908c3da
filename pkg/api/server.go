package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/manager"
	"github.com/atunbixx/Planr-sub008/pkg/monitor"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// Server exposes read-only introspection over HTTP: protocol status,
// health, reports and Prometheus-format metrics. It never mutates
// engine state.
type Server struct {
	cfg        config.APIConfig
	mgr        *manager.Manager
	mon        *monitor.Monitor
	logger     *utils.Logger
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates an introspection server around the manager and
// monitor
func NewServer(cfg config.APIConfig, mgr *manager.Manager, mon *monitor.Monitor, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.GetLogger()
	}
	s := &Server{cfg: cfg, mgr: mgr, mon: mon, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	s.running.Store(true)
	s.logger.Info("api server listening",
		utils.ZapString("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	s.running.Store(false)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.GetStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	summary := s.mon.HealthSummary()
	code := http.StatusOK
	if summary == monitor.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": summary,
		"nodes":  s.mon.NodeHealths(),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.mon.GenerateReport())
}

// handleMetrics writes Prometheus text format by hand
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "# HELP consensus_api_running Server running status (1=running, 0=stopped)\n")
	fmt.Fprintf(w, "# TYPE consensus_api_running gauge\n")
	if s.running.Load() {
		fmt.Fprintf(w, "consensus_api_running 1\n")
	} else {
		fmt.Fprintf(w, "consensus_api_running 0\n")
	}

	status := s.mgr.GetStatus()
	m := status.Metrics
	fmt.Fprintf(w, "# HELP consensus_requests_submitted_total Requests accepted into the queue\n")
	fmt.Fprintf(w, "# TYPE consensus_requests_submitted_total counter\n")
	fmt.Fprintf(w, "consensus_requests_submitted_total %d\n", m.TotalSubmitted)

	fmt.Fprintf(w, "# HELP consensus_requests_executed_total Requests executed successfully\n")
	fmt.Fprintf(w, "# TYPE consensus_requests_executed_total counter\n")
	fmt.Fprintf(w, "consensus_requests_executed_total %d\n", m.TotalExecuted)

	fmt.Fprintf(w, "# HELP consensus_requests_failed_total Requests that failed or timed out\n")
	fmt.Fprintf(w, "# TYPE consensus_requests_failed_total counter\n")
	fmt.Fprintf(w, "consensus_requests_failed_total %d\n", m.TotalFailed)

	fmt.Fprintf(w, "# HELP consensus_queue_depth Requests waiting for dispatch\n")
	fmt.Fprintf(w, "# TYPE consensus_queue_depth gauge\n")
	fmt.Fprintf(w, "consensus_queue_depth %d\n", m.QueueDepth)

	fmt.Fprintf(w, "# HELP consensus_buffered_commits Committed requests waiting on sequence order\n")
	fmt.Fprintf(w, "# TYPE consensus_buffered_commits gauge\n")
	fmt.Fprintf(w, "consensus_buffered_commits %d\n", m.BufferedCommits)

	c := status.Coordinator
	fmt.Fprintf(w, "# HELP consensus_view Current view number\n")
	fmt.Fprintf(w, "# TYPE consensus_view gauge\n")
	fmt.Fprintf(w, "consensus_view %d\n", c.View)

	fmt.Fprintf(w, "# HELP consensus_next_sequence Next proposal sequence number\n")
	fmt.Fprintf(w, "# TYPE consensus_next_sequence gauge\n")
	fmt.Fprintf(w, "consensus_next_sequence %d\n", c.NextSequence)

	fmt.Fprintf(w, "# HELP consensus_node_count Registered participants\n")
	fmt.Fprintf(w, "# TYPE consensus_node_count gauge\n")
	fmt.Fprintf(w, "consensus_node_count %d\n", c.NodeCount)

	fmt.Fprintf(w, "# HELP consensus_fault_tolerance Tolerated faulty nodes f\n")
	fmt.Fprintf(w, "# TYPE consensus_fault_tolerance gauge\n")
	fmt.Fprintf(w, "consensus_fault_tolerance %d\n", c.FaultTolerance)

	snap := s.mon.Sample()
	fmt.Fprintf(w, "# HELP consensus_success_rate Fraction of executed requests that succeeded\n")
	fmt.Fprintf(w, "# TYPE consensus_success_rate gauge\n")
	fmt.Fprintf(w, "consensus_success_rate %f\n", snap.SuccessRate)

	fmt.Fprintf(w, "# HELP consensus_avg_latency_ms Average request latency\n")
	fmt.Fprintf(w, "# TYPE consensus_avg_latency_ms gauge\n")
	fmt.Fprintf(w, "consensus_avg_latency_ms %d\n", snap.AverageLatency.Milliseconds())

	fmt.Fprintf(w, "# HELP consensus_throughput_rps Executed requests per second\n")
	fmt.Fprintf(w, "# TYPE consensus_throughput_rps gauge\n")
	fmt.Fprintf(w, "consensus_throughput_rps %f\n", snap.ThroughputRPS)

	alerts := s.mon.ActiveAlerts()
	fmt.Fprintf(w, "# HELP consensus_active_alerts Unresolved alerts\n")
	fmt.Fprintf(w, "# TYPE consensus_active_alerts gauge\n")
	fmt.Fprintf(w, "consensus_active_alerts %d\n", len(alerts))
}

func (s *Server) requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "only GET method allowed",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
