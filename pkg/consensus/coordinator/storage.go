package coordinator

import (
	"time"

	"github.com/atunbixx/Planr-sub008/pkg/consensus/messages"
)

// Phase is the lifecycle stage of one consensus round
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseProposed  Phase = "PROPOSED"
	PhasePrepared  Phase = "PREPARED"
	PhaseCommitted Phase = "COMMITTED"
	PhaseAbandoned Phase = "ABANDONED"
)

// Evidence captures two conflicting votes from one node in the same
// round and phase. Kept for audit and operator review.
type Evidence struct {
	NodeID    string                    `json:"nodeId"`
	Round     messages.RoundKey         `json:"round"`
	Phase     messages.MessageType      `json:"phase"`
	First     messages.ConsensusMessage `json:"first"`
	Second    messages.ConsensusMessage `json:"second"`
	DetectedAt time.Time                `json:"detectedAt"`
}

// voteSet tracks one phase's votes for a round, per digest and per node
type voteSet struct {
	// digest -> set of node IDs that voted for it
	byDigest map[string]map[string]struct{}
	// node -> the vote it cast, for duplicate and equivocation checks
	byNode map[string]*messages.ConsensusMessage
}

func newVoteSet() *voteSet {
	return &voteSet{
		byDigest: make(map[string]map[string]struct{}),
		byNode:   make(map[string]*messages.ConsensusMessage),
	}
}

// add records a vote. Returns (duplicate, conflicting previous vote).
func (vs *voteSet) add(msg *messages.ConsensusMessage) (bool, *messages.ConsensusMessage) {
	if prev, ok := vs.byNode[msg.NodeID]; ok {
		if prev.Digest == msg.Digest {
			return true, nil
		}
		return false, prev
	}
	vs.byNode[msg.NodeID] = msg
	set, ok := vs.byDigest[msg.Digest]
	if !ok {
		set = make(map[string]struct{})
		vs.byDigest[msg.Digest] = set
	}
	set[msg.NodeID] = struct{}{}
	return false, nil
}

// count returns the number of distinct voters for a digest
func (vs *voteSet) count(digest string) int {
	return len(vs.byDigest[digest])
}

// has reports whether a node has already voted in this set
func (vs *voteSet) has(nodeID string) bool {
	_, ok := vs.byNode[nodeID]
	return ok
}

func (vs *voteSet) size() int { return len(vs.byNode) }

// round is the in-memory state of one (view, sequence) instance
type round struct {
	key      messages.RoundKey
	phase    Phase
	digest   string
	payload  []byte
	proposer string
	started  time.Time

	prepares *voteSet
	commits  *voteSet

	// resolved promise for a locally initiated round, nil on followers
	promise chan bool
}

func newRound(key messages.RoundKey) *round {
	return &round{
		key:      key,
		phase:    PhaseIdle,
		started:  time.Now(),
		prepares: newVoteSet(),
		commits:  newVoteSet(),
	}
}

func (r *round) terminal() bool {
	return r.phase == PhaseCommitted || r.phase == PhaseAbandoned
}

// roundStore holds active and recently finished rounds with capacity
// limits so a flood of bogus (view, sequence) pairs cannot grow memory
// without bound.
type roundStore struct {
	rounds      map[messages.RoundKey]*round
	evidence    []Evidence
	maxRounds   int
	maxVotes    int
	maxEvidence int
}

func newRoundStore(maxRounds, maxVotes, maxEvidence int) *roundStore {
	return &roundStore{
		rounds:      make(map[messages.RoundKey]*round),
		maxRounds:   maxRounds,
		maxVotes:    maxVotes,
		maxEvidence: maxEvidence,
	}
}

// get returns the round for key, creating it if capacity allows
func (s *roundStore) get(key messages.RoundKey) (*round, bool) {
	if r, ok := s.rounds[key]; ok {
		return r, true
	}
	if len(s.rounds) >= s.maxRounds {
		s.evictOldestTerminal()
		if len(s.rounds) >= s.maxRounds {
			return nil, false
		}
	}
	r := newRound(key)
	s.rounds[key] = r
	return r, true
}

func (s *roundStore) lookup(key messages.RoundKey) (*round, bool) {
	r, ok := s.rounds[key]
	return r, ok
}

// votesAllowed reports whether the round can accept another vote
func (s *roundStore) votesAllowed(r *round) bool {
	return r.prepares.size()+r.commits.size() < s.maxVotes
}

func (s *roundStore) addEvidence(ev Evidence) {
	if len(s.evidence) >= s.maxEvidence {
		s.evidence = s.evidence[1:]
	}
	s.evidence = append(s.evidence, ev)
}

func (s *roundStore) evidenceRecords() []Evidence {
	out := make([]Evidence, len(s.evidence))
	copy(out, s.evidence)
	return out
}

// pruneBelow removes terminal rounds with a sequence below the given
// watermark, keeping committed state for in-flight views
func (s *roundStore) pruneBelow(sequence uint64) {
	for key, r := range s.rounds {
		if r.terminal() && key.Sequence < sequence {
			delete(s.rounds, key)
		}
	}
}

func (s *roundStore) evictOldestTerminal() {
	var oldestKey messages.RoundKey
	var oldest *round
	for key, r := range s.rounds {
		if !r.terminal() {
			continue
		}
		if oldest == nil || r.started.Before(oldest.started) {
			oldest = r
			oldestKey = key
		}
	}
	if oldest != nil {
		delete(s.rounds, oldestKey)
	}
}
