// Package reputation tracks earned, decaying per-peer trust scores.
//
// Scores are an EMA that decays toward zero with a one-week half-life.
// Penalties are asymmetric: one divergent vote costs ten aligned ones.
// All scores are recomputable from REPUTATION_UPDATE transactions on
// the chain, so no node has to trust another's bookkeeping.
package reputation

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reward and penalty magnitudes.
const (
	RewardVoteAligned   = 0.3
	MaxConfidenceBonus  = 0.1
	PenaltyVoteDivergent = 3.0
	PenaltyNoShow        = 0.5
	PenaltyBoundsRepeat  = 1.0

	// DefaultHalfLife is one week.
	DefaultHalfLife = 7 * 24 * time.Hour

	// MinForConsensus gates consensus participation.
	MinForConsensus = 2.0
)

// Score is a peer's decaying trust record.
type Score struct {
	PeerID         string  `json:"peer_id"`
	Value          float64 `json:"value"`
	LastUpdateUnix int64   `json:"last_update"`

	VotesAligned   int `json:"votes_aligned"`
	VotesDivergent int `json:"votes_divergent"`
	NoShows        int `json:"no_shows"`
}

// Tracker maintains scores for all known peers.
type Tracker struct {
	mu       sync.RWMutex
	scores   map[string]*Score
	halfLife time.Duration
	now      func() time.Time
}

// NewTracker creates a tracker with the given decay half-life.
func NewTracker(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Tracker{
		scores:   make(map[string]*Score),
		halfLife: halfLife,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) get(peerID string) *Score {
	s, ok := t.scores[peerID]
	if !ok {
		s = &Score{PeerID: peerID, LastUpdateUnix: t.now().Unix()}
		t.scores[peerID] = s
	}
	return s
}

// decay applies the EMA half-life in place and returns the fresh value.
func (t *Tracker) decay(s *Score) float64 {
	now := t.now().Unix()
	elapsed := now - s.LastUpdateUnix
	if elapsed > 0 {
		s.Value *= math.Pow(0.5, float64(elapsed)/t.halfLife.Seconds())
		s.LastUpdateUnix = now
	}
	return s.Value
}

// Get returns the current decayed score for a peer.
func (t *Tracker) Get(peerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decay(t.get(peerID))
}

// Seed sets a peer's score directly, e.g. when bootstrapping a test
// network or replaying chain state.
func (t *Tracker) Seed(peerID string, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(peerID)
	s.Value = value
	s.LastUpdateUnix = t.now().Unix()
}

// RecordVoteAligned rewards a vote that matched the accepted quorum
// outcome. confidence in [0,1] scales the bonus on top of the base
// reward. Returns the applied delta.
func (t *Tracker) RecordVoteAligned(peerID string, confidence float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	delta := RewardVoteAligned + MaxConfidenceBonus*confidence

	s := t.get(peerID)
	t.decay(s)
	s.Value += delta
	s.VotesAligned++
	return delta
}

// RecordVoteDivergent slashes a vote that diverged from the accepted
// outcome. Returns the applied (negative) delta.
func (t *Tracker) RecordVoteDivergent(peerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(peerID)
	t.decay(s)
	applied := -math.Min(PenaltyVoteDivergent, s.Value)
	s.Value = math.Max(0, s.Value-PenaltyVoteDivergent)
	s.VotesDivergent++
	log.Debugf("Reputation slash %.2f for divergent vote by %s (now %.2f)", PenaltyVoteDivergent, peerID, s.Value)
	return applied
}

// RecordNoShow penalizes a selected evaluator that never voted. Milder
// than divergence: they failed to participate, not to tell the truth.
func (t *Tracker) RecordNoShow(peerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(peerID)
	t.decay(s)
	applied := -math.Min(PenaltyNoShow, s.Value)
	s.Value = math.Max(0, s.Value-PenaltyNoShow)
	s.NoShows++
	return applied
}

// ApplyDelta applies a raw on-chain reputation delta, flooring at zero.
// Used when replaying REPUTATION_UPDATE transactions.
func (t *Tracker) ApplyDelta(peerID string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(peerID)
	t.decay(s)
	s.Value = math.Max(0, s.Value+delta)
}

// MeetsThreshold reports whether a peer may participate in consensus.
func (t *Tracker) MeetsThreshold(peerID string) bool {
	return t.Get(peerID) >= MinForConsensus
}

// Eligible filters peers down to those meeting the consensus threshold.
func (t *Tracker) Eligible(peers []string) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if t.MeetsThreshold(p) {
			out = append(out, p)
		}
	}
	return out
}

// All returns current decayed scores for every tracked peer.
func (t *Tracker) All() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.scores))
	for id, s := range t.scores {
		out[id] = t.decay(s)
	}
	return out
}

// Rebuild clears all state and replays on-chain reputation deltas.
func (t *Tracker) Rebuild(updates []struct {
	PeerID string
	Delta  float64
}) {
	t.mu.Lock()
	t.scores = make(map[string]*Score)
	t.mu.Unlock()
	for _, u := range updates {
		t.ApplyDelta(u.PeerID, u.Delta)
	}
}
