// Package quorum selects the evaluator set for each revealed optima
// and gathers their verification votes. Selection is a pure function
// of (optima_id, chain tip, eligible set) so every node derives the
// same quorum without coordination.
package quorum

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/harveybc/doin-core/pkgs/crypto"
)

// Config holds quorum sizing and agreement parameters.
type Config struct {
	MinEvaluators int     // K_min
	MaxEvaluators int     // K_max
	Fraction      float64 // fraction of K that must vote for a decision
	Tolerance     float64 // metric tolerance for the incentive model
}

// DefaultConfig mirrors the network defaults.
func DefaultConfig() Config {
	return Config{
		MinEvaluators: 3,
		MaxEvaluators: 10,
		Fraction:      0.67,
		Tolerance:     0.15,
	}
}

// Vote is one evaluator's measurement for an optima.
type Vote struct {
	OptimaID       string  `json:"optima_id"`
	EvaluatorID    string  `json:"evaluator_id"`
	MeasuredMetric float64 `json:"measured_metric"`
	Signature      []byte  `json:"signature"`
}

// State tracks voting progress for a single optima.
type State struct {
	OptimaID    string
	DomainID    string
	OptimizerID string
	Selected    []string
	TipHash     string // chain tip at selection time, for seed derivation
	Votes       map[string]Vote
	OpenedAt    uint64 // chain height when voting opened
	Decided     bool
}

// VoterIDs returns the evaluators that have voted so far.
func (s *State) VoterIDs() []string {
	out := make([]string, 0, len(s.Votes))
	for id := range s.Votes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MissingVoters returns selected evaluators that have not voted.
func (s *State) MissingVoters() []string {
	var out []string
	for _, id := range s.Selected {
		if _, ok := s.Votes[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Manager tracks quorum state per optima.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	pending map[string]*State
}

// NewManager creates a quorum manager.
func NewManager(cfg Config) *Manager {
	if cfg.MinEvaluators <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{cfg: cfg, pending: make(map[string]*State)}
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// QuorumSize computes K = clamp(ceil(sqrt(n)), K_min, K_max), further
// clamped to the eligible count.
func (m *Manager) QuorumSize(eligible int) int {
	k := int(math.Ceil(math.Sqrt(float64(eligible))))
	if k < m.cfg.MinEvaluators {
		k = m.cfg.MinEvaluators
	}
	if k > m.cfg.MaxEvaluators {
		k = m.cfg.MaxEvaluators
	}
	if k > eligible {
		k = eligible
	}
	return k
}

// SelectQuorum deterministically picks K evaluators for an optima.
// The eligible set must already be reputation-filtered and registered
// for the optima's domain; the optimizer is excluded here. Returns nil
// when fewer than MinEvaluators candidates remain.
func (m *Manager) SelectQuorum(optimaID, domainID, optimizerID, tipHash string, eligible []string) []string {
	candidates := make([]string, 0, len(eligible))
	for _, e := range eligible {
		if e != optimizerID {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) < m.cfg.MinEvaluators {
		return nil
	}

	// Lexicographic order first so the shuffle input is identical on
	// every node regardless of map iteration order.
	sort.Strings(candidates)

	seed := crypto.Hash([]byte(tipHash + optimaID))
	shuffle(candidates, seed[:])

	k := m.QuorumSize(len(candidates))
	selected := append([]string(nil), candidates[:k]...)

	m.mu.Lock()
	m.pending[optimaID] = &State{
		OptimaID:    optimaID,
		DomainID:    domainID,
		OptimizerID: optimizerID,
		Selected:    selected,
		TipHash:     tipHash,
		Votes:       make(map[string]Vote),
	}
	m.mu.Unlock()

	log.Debugf("Quorum selected for optima %s: %d of %d eligible", optimaID, k, len(candidates))
	return selected
}

// shuffle runs a Fisher-Yates pass driven by a SHAKE-256 stream keyed
// by the seed. Rejection sampling keeps the index draw unbiased.
func shuffle(items []string, seed []byte) {
	xof := sha3.NewShake256()
	xof.Write(seed)

	var buf [8]byte
	for i := len(items) - 1; i > 0; i-- {
		bound := uint64(i + 1)
		limit := (math.MaxUint64 / bound) * bound
		for {
			xof.Read(buf[:])
			r := binary.BigEndian.Uint64(buf[:])
			if r < limit {
				j := int(r % bound)
				items[i], items[j] = items[j], items[i]
				break
			}
		}
	}
}

// OpenVoting stamps the chain height at which the voting window opened.
func (m *Manager) OpenVoting(optimaID string, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.pending[optimaID]; ok {
		s.OpenedAt = height
	}
}

// AddVote records a vote. Only selected evaluators may vote, one vote
// each. Returns the state and whether all selected evaluators have now
// voted.
func (m *Manager) AddVote(v Vote) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.pending[v.OptimaID]
	if !ok || s.Decided {
		return nil, false
	}

	selected := false
	for _, id := range s.Selected {
		if id == v.EvaluatorID {
			selected = true
			break
		}
	}
	if !selected {
		log.Debugf("Dropping vote from non-selected evaluator %s for optima %s", v.EvaluatorID, v.OptimaID)
		return nil, false
	}
	if _, dup := s.Votes[v.EvaluatorID]; dup {
		return nil, false
	}

	s.Votes[v.EvaluatorID] = v
	return s, len(s.Votes) == len(s.Selected)
}

// Get returns the voting state for an optima.
func (m *Manager) Get(optimaID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pending[optimaID]
	return s, ok
}

// HasQuorum reports whether enough votes arrived:
// received >= ceil(K * fraction).
func (m *Manager) HasQuorum(s *State) bool {
	required := int(math.Ceil(float64(len(s.Selected)) * m.cfg.Fraction))
	return len(s.Votes) >= required
}

// MedianMetric computes the median of the received measurements.
func (m *Manager) MedianMetric(s *State) float64 {
	metrics := make([]float64, 0, len(s.Votes))
	for _, v := range s.Votes {
		metrics = append(metrics, v.MeasuredMetric)
	}
	sort.Float64s(metrics)
	n := len(metrics)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return metrics[n/2]
	}
	return (metrics[n/2-1] + metrics[n/2]) / 2
}

// MarkDecided finalizes and removes the state.
func (m *Manager) MarkDecided(optimaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.pending[optimaID]; ok {
		s.Decided = true
		delete(m.pending, optimaID)
	}
}

// TimedOut returns optimae whose voting window has elapsed.
func (m *Manager) TimedOut(height, votingTimeoutBlocks uint64) []*State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*State
	for _, s := range m.pending {
		if !s.Decided && s.OpenedAt > 0 && height > s.OpenedAt+votingTimeoutBlocks {
			out = append(out, s)
		}
	}
	return out
}

// PendingCount returns the number of undecided quorums.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
