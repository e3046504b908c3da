package config

import (
	"context"
	"fmt"
	"time"

	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// Default timing constants
var (
	DefaultConsensusTimeout  = 30 * time.Second
	DefaultRoundTimeout      = 10 * time.Second
	DefaultSampleInterval    = 5 * time.Second
	DefaultAlertDedupWindow  = 60 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// ConsensusConfig holds the tunables of the replica core
type ConsensusConfig struct {
	// Quorum topology
	MinClusterSize  int           `json:"min_cluster_size"`
	RoundTimeout    time.Duration `json:"round_timeout"`
	ProposalTimeout time.Duration `json:"proposal_timeout"`

	// Message validation
	ClockSkewTolerance time.Duration `json:"clock_skew_tolerance"`
	ReplayWindow       time.Duration `json:"replay_window"`
	VerifyCacheSize    int           `json:"verify_cache_size"`
	VerifyCacheTTL     time.Duration `json:"verify_cache_ttl"`

	// Vote storage capacity limits
	MaxViewsTracked   int `json:"max_views_tracked"`
	MaxVotesPerRound  int `json:"max_votes_per_round"`
	MaxPendingRounds  int `json:"max_pending_rounds"`
	MaxEvidenceStored int `json:"max_evidence_stored"`

	// Leader rotation
	LeaderMinReputation float64 `json:"leader_min_reputation"`

	// Reputation deltas applied by the coordinator
	ReputationRewardCommit    int `json:"reputation_reward_commit"`
	ReputationPenaltyBadSig   int `json:"reputation_penalty_bad_sig"`
	ReputationPenaltyEquivoc  int `json:"reputation_penalty_equivoc"`
	ReputationPenaltyTimeout  int `json:"reputation_penalty_timeout"`
	ReputationDecayInterval   time.Duration `json:"reputation_decay_interval"`
	ReputationDecayStep       int           `json:"reputation_decay_step"`
	SuspectAfterSilence       time.Duration `json:"suspect_after_silence"`
	FailAfterSilence          time.Duration `json:"fail_after_silence"`
}

// ManagerConfig holds request pipeline tunables
type ManagerConfig struct {
	MaxQueueDepth     int           `json:"max_queue_depth"`
	MaxPayloadBytes   int           `json:"max_payload_bytes"`
	SubmitTimeout     time.Duration `json:"submit_timeout"`
	ExecutionBuffer   int           `json:"execution_buffer"`
	ShutdownGrace     time.Duration `json:"shutdown_grace"`
	HandlerTimeout    time.Duration `json:"handler_timeout"`
}

// MonitorConfig holds health monitoring tunables
type MonitorConfig struct {
	SampleInterval   time.Duration `json:"sample_interval"`
	AlertDedupWindow time.Duration `json:"alert_dedup_window"`
	LatencyWindow    int           `json:"latency_window"`

	// Warning / critical thresholds
	LatencyWarning     time.Duration `json:"latency_warning"`
	LatencyCritical    time.Duration `json:"latency_critical"`
	SuccessRateWarning float64       `json:"success_rate_warning"`
	SuccessRateMin     float64       `json:"success_rate_min"`
	NodeDegradedAfter  time.Duration `json:"node_degraded_after"`
	NodeSuspectAfter   time.Duration `json:"node_suspect_after"`
	PartitionFraction  float64       `json:"partition_fraction"`
}

// KafkaConfig holds the optional control-plane publisher settings
type KafkaConfig struct {
	Enabled       bool     `json:"enabled"`
	Brokers       []string `json:"brokers"`
	CommitTopic   string   `json:"commit_topic"`
	AlertTopic    string   `json:"alert_topic"`
	ClientID      string   `json:"client_id"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// APIConfig holds the introspection HTTP server settings
type APIConfig struct {
	Enabled      bool          `json:"enabled"`
	ListenAddr   string        `json:"listen_addr"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// Config is the full engine configuration
type Config struct {
	NodeID    string          `json:"node_id"`
	Consensus ConsensusConfig `json:"consensus"`
	Manager   ManagerConfig   `json:"manager"`
	Monitor   MonitorConfig   `json:"monitor"`
	Kafka     KafkaConfig     `json:"kafka"`
	API       APIConfig       `json:"api"`
}

// Builder assembles a Config from a ConfigManager with validation
type Builder struct {
	cfg       *Config
	configMgr *utils.ConfigManager
	err       error
}

// NewBuilder creates a config builder backed by the given manager
func NewBuilder(configMgr *utils.ConfigManager) *Builder {
	if configMgr == nil {
		configMgr = utils.NewEnvConfigManager()
	}
	return &Builder{cfg: &Config{}, configMgr: configMgr}
}

// Build loads, validates and returns the configuration
func (b *Builder) Build(ctx context.Context) (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}

	b.loadConsensus()
	b.loadManager()
	b.loadMonitor()
	b.loadKafka()
	b.loadAPI()
	b.cfg.NodeID = b.configMgr.GetString("NODE_ID", "")

	if err := b.validate(); err != nil {
		return nil, err
	}

	logger := utils.GetLogger()
	logger.InfoContext(ctx, "built engine configuration",
		utils.ZapString("node_id", b.cfg.NodeID),
		utils.ZapDuration("round_timeout", b.cfg.Consensus.RoundTimeout),
		utils.ZapDuration("sample_interval", b.cfg.Monitor.SampleInterval),
		utils.ZapBool("kafka_enabled", b.cfg.Kafka.Enabled))

	return b.cfg, nil
}

func (b *Builder) loadConsensus() {
	c := &b.cfg.Consensus
	c.MinClusterSize = b.configMgr.GetIntRange("CONSENSUS_MIN_CLUSTER_SIZE", 4, 1, 100)
	c.RoundTimeout = b.configMgr.GetDuration("CONSENSUS_ROUND_TIMEOUT", DefaultRoundTimeout)
	c.ProposalTimeout = b.configMgr.GetDuration("CONSENSUS_PROPOSAL_TIMEOUT", DefaultConsensusTimeout)
	c.ClockSkewTolerance = b.configMgr.GetDuration("CONSENSUS_CLOCK_SKEW", 2*time.Minute)
	c.ReplayWindow = b.configMgr.GetDuration("CONSENSUS_REPLAY_WINDOW", 5*time.Minute)
	c.VerifyCacheSize = b.configMgr.GetIntRange("CONSENSUS_VERIFY_CACHE_SIZE", 4096, 64, 1<<20)
	c.VerifyCacheTTL = b.configMgr.GetDuration("CONSENSUS_VERIFY_CACHE_TTL", 10*time.Minute)
	c.MaxViewsTracked = b.configMgr.GetIntRange("CONSENSUS_MAX_VIEWS", 64, 4, 4096)
	c.MaxVotesPerRound = b.configMgr.GetIntRange("CONSENSUS_MAX_VOTES_PER_ROUND", 256, 4, 1<<16)
	c.MaxPendingRounds = b.configMgr.GetIntRange("CONSENSUS_MAX_PENDING_ROUNDS", 128, 1, 1<<16)
	c.MaxEvidenceStored = b.configMgr.GetIntRange("CONSENSUS_MAX_EVIDENCE", 1024, 16, 1<<20)
	c.LeaderMinReputation = b.configMgr.GetFloat64("LEADER_ROTATION_THRESHOLD", 0.7)
	c.ReputationRewardCommit = b.configMgr.GetIntRange("REPUTATION_REWARD_COMMIT", 1, 0, 100)
	c.ReputationPenaltyBadSig = b.configMgr.GetIntRange("REPUTATION_PENALTY_BAD_SIG", 20, 0, 100)
	c.ReputationPenaltyEquivoc = b.configMgr.GetIntRange("REPUTATION_PENALTY_EQUIVOCATION", 40, 0, 100)
	c.ReputationPenaltyTimeout = b.configMgr.GetIntRange("REPUTATION_PENALTY_TIMEOUT", 5, 0, 100)
	c.ReputationDecayInterval = b.configMgr.GetDuration("REPUTATION_DECAY_INTERVAL", 5*time.Minute)
	c.ReputationDecayStep = b.configMgr.GetIntRange("REPUTATION_DECAY_STEP", 1, 0, 100)
	c.SuspectAfterSilence = b.configMgr.GetDuration("NODE_SUSPECT_AFTER", 30*time.Second)
	c.FailAfterSilence = b.configMgr.GetDuration("NODE_FAIL_AFTER", 2*time.Minute)
}

func (b *Builder) loadManager() {
	m := &b.cfg.Manager
	m.MaxQueueDepth = b.configMgr.GetIntRange("MANAGER_MAX_QUEUE_DEPTH", 1024, 16, 1<<20)
	m.MaxPayloadBytes = b.configMgr.GetIntRange("MANAGER_MAX_PAYLOAD_BYTES", 1<<20, 1024, 1<<26)
	m.SubmitTimeout = b.configMgr.GetDuration("MANAGER_SUBMIT_TIMEOUT", DefaultConsensusTimeout)
	m.ExecutionBuffer = b.configMgr.GetIntRange("MANAGER_EXECUTION_BUFFER", 256, 16, 1<<16)
	m.ShutdownGrace = b.configMgr.GetDuration("MANAGER_SHUTDOWN_GRACE", 10*time.Second)
	m.HandlerTimeout = b.configMgr.GetDuration("MANAGER_HANDLER_TIMEOUT", 15*time.Second)
}

func (b *Builder) loadMonitor() {
	m := &b.cfg.Monitor
	m.SampleInterval = b.configMgr.GetDuration("MONITOR_SAMPLE_INTERVAL", DefaultSampleInterval)
	m.AlertDedupWindow = b.configMgr.GetDuration("MONITOR_ALERT_DEDUP_WINDOW", DefaultAlertDedupWindow)
	m.LatencyWindow = b.configMgr.GetIntRange("MONITOR_LATENCY_WINDOW", 512, 16, 1<<16)
	m.LatencyWarning = b.configMgr.GetDuration("MONITOR_LATENCY_WARNING", 2*time.Second)
	m.LatencyCritical = b.configMgr.GetDuration("MONITOR_LATENCY_CRITICAL", 8*time.Second)
	m.SuccessRateWarning = b.configMgr.GetFloat64("MONITOR_SUCCESS_RATE_WARNING", 0.98)
	m.SuccessRateMin = b.configMgr.GetFloat64("MONITOR_SUCCESS_RATE_MIN", 0.95)
	m.NodeDegradedAfter = b.configMgr.GetDuration("MONITOR_NODE_DEGRADED_AFTER", 15*time.Second)
	m.NodeSuspectAfter = b.configMgr.GetDuration("MONITOR_NODE_SUSPECT_AFTER", 30*time.Second)
	m.PartitionFraction = b.configMgr.GetFloat64("MONITOR_PARTITION_FRACTION", 0.60)
}

func (b *Builder) loadKafka() {
	k := &b.cfg.Kafka
	k.Enabled = b.configMgr.GetBool("KAFKA_ENABLED", false)
	k.Brokers = b.configMgr.GetStringSlice("KAFKA_BROKERS", []string{"localhost:9092"})
	k.CommitTopic = b.configMgr.GetString("KAFKA_COMMIT_TOPIC", "control.consensus.v1")
	k.AlertTopic = b.configMgr.GetString("KAFKA_ALERT_TOPIC", "control.alerts.v1")
	k.ClientID = b.configMgr.GetString("KAFKA_CLIENT_ID", "planr-consensus")
	k.FlushInterval = b.configMgr.GetDuration("KAFKA_FLUSH_INTERVAL", 500*time.Millisecond)
}

func (b *Builder) loadAPI() {
	a := &b.cfg.API
	a.Enabled = b.configMgr.GetBool("API_ENABLED", true)
	a.ListenAddr = b.configMgr.GetString("API_LISTEN_ADDR", ":8080")
	a.ReadTimeout = b.configMgr.GetDuration("API_READ_TIMEOUT", 10*time.Second)
	a.WriteTimeout = b.configMgr.GetDuration("API_WRITE_TIMEOUT", 10*time.Second)
	a.IdleTimeout = b.configMgr.GetDuration("API_IDLE_TIMEOUT", 60*time.Second)
}

func (b *Builder) validate() error {
	c := b.cfg.Consensus
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("config: round timeout must be greater than 0")
	}
	if c.ProposalTimeout < c.RoundTimeout {
		return fmt.Errorf("config: proposal timeout %s must be >= round timeout %s",
			c.ProposalTimeout, c.RoundTimeout)
	}
	if c.LeaderMinReputation < 0.0 || c.LeaderMinReputation > 1.0 {
		return fmt.Errorf("config: leader reputation threshold must be between 0.0 and 1.0")
	}
	if c.SuspectAfterSilence >= c.FailAfterSilence {
		return fmt.Errorf("config: suspect-after %s must be below fail-after %s",
			c.SuspectAfterSilence, c.FailAfterSilence)
	}

	m := b.cfg.Monitor
	if m.SampleInterval <= 0 {
		return fmt.Errorf("config: monitor sample interval must be greater than 0")
	}
	if m.SuccessRateMin > m.SuccessRateWarning {
		return fmt.Errorf("config: success rate minimum %.2f must be <= warning threshold %.2f",
			m.SuccessRateMin, m.SuccessRateWarning)
	}
	if m.LatencyWarning > m.LatencyCritical {
		return fmt.Errorf("config: latency warning %s must be <= critical %s",
			m.LatencyWarning, m.LatencyCritical)
	}
	if m.PartitionFraction <= 0.0 || m.PartitionFraction > 1.0 {
		return fmt.Errorf("config: partition fraction must be in (0.0, 1.0]")
	}

	if b.cfg.Kafka.Enabled && len(b.cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}

	return nil
}

// Load builds the configuration from the environment
func Load(ctx context.Context) (*Config, error) {
	return NewBuilder(utils.NewEnvConfigManager()).Build(ctx)
}
