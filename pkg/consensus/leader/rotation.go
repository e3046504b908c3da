package leader

import (
	"errors"
	"sort"
	"sync"

	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// NodeView is the slice of registry state rotation needs
type NodeView struct {
	ID         string
	Active     bool
	Reputation float64 // normalized to [0, 1]
}

// NodeSource supplies the current participant set
type NodeSource interface {
	NodeViews() []NodeView
}

var ErrNoCandidates = errors.New("leader: no candidate nodes")

// RotationConfig contains leader selection parameters
type RotationConfig struct {
	MinReputation    float64
	EnableReputation bool
	FallbackToAll    bool
}

// DefaultRotationConfig returns secure defaults
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MinReputation:    0.7,
		EnableReputation: true,
		FallbackToAll:    true,
	}
}

// Rotation performs deterministic round-robin leader selection over the
// sorted active node set. Every replica computes the same leader for a
// view from the same inputs.
type Rotation struct {
	source NodeSource
	config *RotationConfig
	logger *utils.Logger
	mu     sync.RWMutex
}

// NewRotation creates a leader rotation manager
func NewRotation(source NodeSource, logger *utils.Logger, config *RotationConfig) *Rotation {
	if config == nil {
		config = DefaultRotationConfig()
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Rotation{source: source, config: config, logger: logger}
}

// SelectLeader returns the primary node ID for the given view.
// Selection must stay deterministic across replicas, so only state that
// is itself agreed on (the node set and its status) feeds the choice.
func (r *Rotation) SelectLeader(view uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.source.NodeViews()
	if len(all) == 0 {
		return "", ErrNoCandidates
	}

	eligible := r.filterEligible(all)
	if len(eligible) == 0 {
		if !r.config.FallbackToAll {
			return "", ErrNoCandidates
		}
		// All nodes below threshold: fall back to every active node so
		// the cluster keeps making progress.
		eligible = activeOnly(all)
		if len(eligible) == 0 {
			return "", ErrNoCandidates
		}
		r.logger.Warn("no nodes above reputation threshold, falling back to all active",
			utils.ZapUint64("view", view),
			utils.ZapInt("active", len(eligible)))
	}

	sort.Strings(eligible)
	leader := eligible[int(view%uint64(len(eligible)))]

	r.logger.Debug("leader selected",
		utils.ZapUint64("view", view),
		utils.ZapString("leader", leader),
		utils.ZapInt("eligible", len(eligible)),
		utils.ZapInt("total", len(all)))
	return leader, nil
}

// IsLeader reports whether nodeID is the primary for view
func (r *Rotation) IsLeader(view uint64, nodeID string) bool {
	leader, err := r.SelectLeader(view)
	return err == nil && leader == nodeID
}

func (r *Rotation) filterEligible(nodes []NodeView) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !n.Active {
			continue
		}
		if r.config.EnableReputation && n.Reputation < r.config.MinReputation {
			continue
		}
		out = append(out, n.ID)
	}
	return out
}

func activeOnly(nodes []NodeView) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Active {
			out = append(out, n.ID)
		}
	}
	return out
}
