// Package commitreveal implements the two-phase optimae submission
// protocol. A commit binds the optimizer to a parameter hash before
// anything is disclosed; the reveal is only accepted when it hashes
// back to the commitment inside the reveal window.
package commitreveal

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
)

// CommitResult is the outcome of a commit submission.
type CommitResult int

const (
	CommitAccepted CommitResult = iota
	CommitDuplicate
	CommitBadSignature
	CommitRateLimited
)

func (r CommitResult) String() string {
	switch r {
	case CommitAccepted:
		return "accepted"
	case CommitDuplicate:
		return "duplicate"
	case CommitBadSignature:
		return "bad_signature"
	case CommitRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// RevealResult is the outcome of a reveal submission.
type RevealResult int

const (
	RevealAccepted RevealResult = iota
	RevealNoCommit
	RevealHashMismatch
	RevealLate
	RevealBadSignature
)

func (r RevealResult) String() string {
	switch r {
	case RevealAccepted:
		return "accepted"
	case RevealNoCommit:
		return "no_commit"
	case RevealHashMismatch:
		return "hash_mismatch"
	case RevealLate:
		return "late_reveal"
	case RevealBadSignature:
		return "bad_signature"
	default:
		return "unknown"
	}
}

// SignatureChecker verifies a peer's signature over a payload. The
// node wires in the peer registry here.
type SignatureChecker func(peerID string, payload, sig []byte) bool

// RateLimiter caps commit throughput per peer. The fee market's rate
// tracker satisfies this.
type RateLimiter interface {
	AllowOptimaSubmission(peerID string) bool
}

// Manager tracks pending commitments and binds reveals to them.
type Manager struct {
	mu sync.Mutex

	commits      map[string]*chain.Optima // optima_id -> committed optima
	windowBlocks uint64

	checkSig SignatureChecker
	limiter  RateLimiter
}

// NewManager creates a commit-reveal manager. windowBlocks is the
// number of blocks a commitment stays revealable.
func NewManager(windowBlocks uint64, checkSig SignatureChecker, limiter RateLimiter) *Manager {
	return &Manager{
		commits:      make(map[string]*chain.Optima),
		windowBlocks: windowBlocks,
		checkSig:     checkSig,
		limiter:      limiter,
	}
}

// Commit registers a commitment at the given chain height. The commit
// timestamp is the priority timestamp for any later dispute.
func (m *Manager) Commit(optimaID, domainID, optimizerID, commitHash string, reportedMetric float64, timestamp int64, height uint64, payload, sig []byte) CommitResult {
	if m.checkSig != nil && !m.checkSig(optimizerID, payload, sig) {
		return CommitBadSignature
	}
	if m.limiter != nil && !m.limiter.AllowOptimaSubmission(optimizerID) {
		log.Debugf("Commit from %s rate limited", optimizerID)
		return CommitRateLimited
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.commits[optimaID]; exists {
		return CommitDuplicate
	}
	for _, o := range m.commits {
		if o.CommitHash == commitHash && o.Status == chain.OptimaCommitted {
			return CommitDuplicate
		}
	}

	m.commits[optimaID] = &chain.Optima{
		ID:             optimaID,
		DomainID:       domainID,
		OptimizerID:    optimizerID,
		CommitHash:     commitHash,
		ReportedMetric: reportedMetric,
		Timestamp:      timestamp,
		Status:         chain.OptimaCommitted,
		CommitHeight:   height,
	}
	log.Debugf("Commit accepted: optima=%s domain=%s optimizer=%s", optimaID, domainID, optimizerID)
	return CommitAccepted
}

// Reveal binds parameters and nonce to a prior commitment. On
// RevealAccepted the returned optima carries the revealed payload and
// status REVEALED. On RevealHashMismatch the optima is returned with
// status REJECTED so the caller can record the slashable offense.
func (m *Manager) Reveal(optimaID string, parameters, nonce []byte, height uint64, payload, sig []byte) (RevealResult, *chain.Optima) {
	m.mu.Lock()
	o, exists := m.commits[optimaID]
	m.mu.Unlock()

	if !exists || o.Status != chain.OptimaCommitted {
		return RevealNoCommit, nil
	}

	if m.checkSig != nil && !m.checkSig(o.OptimizerID, payload, sig) {
		return RevealBadSignature, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if height > o.CommitHeight+m.windowBlocks {
		o.Status = chain.OptimaExpired
		return RevealLate, o
	}

	if !chain.VerifyCommitHash(o.CommitHash, parameters, nonce) {
		o.Status = chain.OptimaRejected
		return RevealHashMismatch, o
	}

	o.Parameters = parameters
	o.Nonce = nonce
	o.RevealHeight = height
	o.Status = chain.OptimaRevealed
	log.Debugf("Reveal accepted: optima=%s (%d param bytes)", optimaID, len(parameters))
	return RevealAccepted, o
}

// Get returns the tracked optima, if any.
func (m *Manager) Get(optimaID string) (*chain.Optima, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.commits[optimaID]
	return o, ok
}

// ExpireStale marks commitments whose reveal window has passed as
// EXPIRED and returns them. Called once per appended block.
func (m *Manager) ExpireStale(height uint64) []*chain.Optima {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*chain.Optima
	for _, o := range m.commits {
		if o.Status == chain.OptimaCommitted && height > o.CommitHeight+m.windowBlocks {
			o.Status = chain.OptimaExpired
			expired = append(expired, o)
		}
	}
	return expired
}

// CleanupTerminal drops optimae in terminal states and returns the
// count removed.
func (m *Manager) CleanupTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, o := range m.commits {
		if o.Status.Terminal() {
			delete(m.commits, id)
			removed++
		}
	}
	return removed
}

// PendingCount returns the number of live commitments.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.commits {
		if !o.Status.Terminal() {
			n++
		}
	}
	return n
}
