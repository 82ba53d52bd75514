package coin

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Fee market parameters, EIP-1559 style adapted to optimae staking.
const (
	MinBaseFee          = 0.001
	MaxBaseFee          = 100.0
	TargetBlockFullness = 0.5
	BaseFeeChangeDenom  = 8 // max 12.5% move per block

	OptimaStakeMultiplier = 5.0
	OptimaBurnFraction    = 0.2

	RateLimitWindow    = 60 * time.Second
	RateLimitMaxOptima = 5
)

// FeeMarket adjusts the base fee from block fullness, stakes optimae
// submissions, and rate-limits submitters. The stake is refunded on
// acceptance; a fraction burns on rejection, which is what makes spam
// optimae expensive.
type FeeMarket struct {
	mu sync.Mutex

	baseFee         float64
	targetBlockSize int

	staked      map[string]struct {
		peerID string
		amount float64
	}
	totalBurned float64

	submissions map[string][]time.Time
	now         func() time.Time
}

// NewFeeMarket creates a fee market targeting the given block size in
// transactions.
func NewFeeMarket(targetBlockSize int) *FeeMarket {
	if targetBlockSize <= 0 {
		targetBlockSize = 100
	}
	return &FeeMarket{
		baseFee:         MinBaseFee,
		targetBlockSize: targetBlockSize,
		staked: make(map[string]struct {
			peerID string
			amount float64
		}),
		submissions: make(map[string][]time.Time),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (f *FeeMarket) SetClock(now func() time.Time) {
	f.now = now
}

// BaseFee returns the current base fee in DOIN.
func (f *FeeMarket) BaseFee() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseFee
}

// OptimaStake returns the stake required for an optima submission.
func (f *FeeMarket) OptimaStake() float64 {
	return f.BaseFee() * OptimaStakeMultiplier
}

// TotalBurned returns the cumulative burned stake.
func (f *FeeMarket) TotalBurned() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBurned
}

// OnBlock adjusts the base fee from the fullness of the block just
// produced. Fuller than target pushes the fee up, emptier pulls it
// down, at most 1/BaseFeeChangeDenom per block.
func (f *FeeMarket) OnBlock(txCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fullness := float64(txCount) / float64(f.targetBlockSize)
	delta := (fullness - TargetBlockFullness) / TargetBlockFullness / BaseFeeChangeDenom
	delta = math.Max(-1.0/BaseFeeChangeDenom, math.Min(1.0/BaseFeeChangeDenom, delta))

	f.baseFee *= 1 + delta
	f.baseFee = math.Max(MinBaseFee, math.Min(MaxBaseFee, f.baseFee))
}

// AllowOptimaSubmission enforces the per-peer submission rate cap.
// Satisfies commitreveal.RateLimiter.
func (f *FeeMarket) AllowOptimaSubmission(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-RateLimitWindow)
	recent := f.submissions[peerID][:0]
	for _, t := range f.submissions[peerID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= RateLimitMaxOptima {
		f.submissions[peerID] = recent
		return false
	}
	f.submissions[peerID] = append(recent, now)
	return true
}

// Stake records the stake held against a pending optima.
func (f *FeeMarket) Stake(optimaID, peerID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	amount := f.baseFee * OptimaStakeMultiplier
	f.staked[optimaID] = struct {
		peerID string
		amount float64
	}{peerID, amount}
	return amount
}

// SettleAccepted releases the full stake back to the optimizer.
func (f *FeeMarket) SettleAccepted(optimaID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.staked[optimaID]
	if !ok {
		return 0
	}
	delete(f.staked, optimaID)
	return s.amount
}

// SettleRejected burns the penalty fraction and refunds the rest.
func (f *FeeMarket) SettleRejected(optimaID string) (refund, burned float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.staked[optimaID]
	if !ok {
		return 0, 0
	}
	delete(f.staked, optimaID)

	burned = s.amount * OptimaBurnFraction
	f.totalBurned += burned
	refund = s.amount - burned
	log.Debugf("Burned %.6f DOIN of stake for rejected optima %s", burned, optimaID)
	return refund, burned
}
