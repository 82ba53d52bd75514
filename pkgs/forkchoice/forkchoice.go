// Package forkchoice selects the canonical chain among competing
// forks: the heaviest chain by accumulated verified optimization work
// wins, never crossing finalized blocks.
package forkchoice

import (
	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/doinerr"
)

// Score ranks one chain candidate.
type Score struct {
	TipHash             string
	Height              uint64
	CumulativeIncrement float64
	AcceptedCount       int
}

// Better reports whether s outranks other: higher cumulative
// increment, then more accepted optimae, then lower tip hash.
func (s Score) Better(other Score) bool {
	const eps = 1e-10
	if diff := s.CumulativeIncrement - other.CumulativeIncrement; diff > eps || diff < -eps {
		return diff > 0
	}
	if s.AcceptedCount != other.AcceptedCount {
		return s.AcceptedCount > other.AcceptedCount
	}
	return s.TipHash < other.TipHash
}

// ScoreBlocks accumulates a chain score over a block sequence. It sums
// the effective increments as recorded in ACCEPTED_OPTIMA transactions;
// domain weights are not applied.
func ScoreBlocks(tipHash string, height uint64, blocks []*chain.Block) Score {
	s := Score{TipHash: tipHash, Height: height}
	for _, b := range blocks {
		for i := range b.Transactions {
			if b.Transactions[i].Type == chain.TxAcceptedOptima {
				s.AcceptedCount++
				s.CumulativeIncrement += b.Transactions[i].EffectiveIncrement
			}
		}
	}
	return s
}

// Rule evaluates fork candidates against a chain store and performs
// reorgs when a heavier fork appears.
type Rule struct {
	store *chain.Store
}

// NewRule creates a fork choice rule over a store.
func NewRule(store *chain.Store) *Rule {
	return &Rule{store: store}
}

// CanonicalScore scores the current canonical chain.
func (r *Rule) CanonicalScore() Score {
	height := r.store.Height()
	return ScoreBlocks(r.store.TipHash(), height, r.store.Range(0, height))
}

// scoreFork scores the chain ending at a fork tip: the canonical
// prefix up to the fork point plus the branch.
func (r *Rule) scoreFork(tipHash string) (Score, uint64, []*chain.Block, error) {
	forkHeight, branch, err := r.store.BranchTo(tipHash)
	if err != nil {
		return Score{}, 0, nil, err
	}

	blocks := r.store.Range(0, forkHeight)
	blocks = append(blocks, branch...)
	height := forkHeight + uint64(len(branch))
	return ScoreBlocks(tipHash, height, blocks), forkHeight, branch, nil
}

// Evaluate compares all fork tips against the canonical chain and
// reorgs to the heaviest. Returns the winning tip hash and whether a
// reorg happened.
func (r *Rule) Evaluate() (string, bool, error) {
	best := r.CanonicalScore()
	var (
		bestForkHeight uint64
		bestBranch     []*chain.Block
		reorg          bool
	)

	for _, tip := range r.store.Tips() {
		score, forkHeight, branch, err := r.scoreFork(tip)
		if err != nil {
			log.WithError(err).Warnf("Failed to score fork tip %s", tip)
			continue
		}
		if forkHeight < r.store.FinalizedHeight() {
			log.Errorf("Fork tip %s branches below finalized height %d, rejecting",
				tip, r.store.FinalizedHeight())
			continue
		}
		if score.Better(best) {
			best = score
			bestForkHeight = forkHeight
			bestBranch = branch
			reorg = true
		}
	}

	if !reorg {
		return best.TipHash, false, nil
	}

	if err := r.store.Reorg(bestForkHeight, bestBranch); err != nil {
		if doinerr.IsKind(err, doinerr.Consistency) {
			log.WithError(err).Error("Reorg rejected")
		}
		return r.store.TipHash(), false, err
	}
	return best.TipHash, true, nil
}
