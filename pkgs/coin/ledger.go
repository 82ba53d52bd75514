// Package coin implements the DOIN ledger: integer balances in base
// units, block subsidies with Bitcoin-style halving, and the 65/30/5
// split between optimizers, evaluators and the block generator.
package coin

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
)

// Monetary constants. Balances are held in base units, 1e8 per DOIN.
const (
	UnitsPerCoin    = uint64(100_000_000)
	InitialSubsidy  = 50 * 100_000_000 // 50 DOIN in base units
	HalvingInterval = 210_000
	MaxSupply       = 21_000_000 * 100_000_000

	OptimizerPoolPermille = 650
	EvaluatorPoolPermille = 300
	GeneratorPermille     = 50
)

// BlockSubsidy returns the mintable amount for a block height. The
// subsidy halves every HalvingInterval blocks; after 33 halvings the
// shift rounds it to zero, and from 64 halvings on it is zero outright.
func BlockSubsidy(height uint64) uint64 {
	halvings := height / HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return uint64(InitialSubsidy) >> halvings
}

// OptimizerWork is an accepted optima's contribution to the block.
type OptimizerWork struct {
	PeerID             string
	EffectiveIncrement float64
	RewardFraction     float64
}

// DistributeReward splits a block's subsidy:
//
//	65% optimizers, proportional to effective_increment * reward_fraction
//	30% evaluators, uniform over the quorums of accepted optimae
//	 5% generator
//
// Empty pools fold into the generator share so the full subsidy is
// always distributed. Amounts are in base units; integer division
// remainders also go to the generator.
func DistributeReward(height uint64, generatorID string, optimizers []OptimizerWork, evaluators []string, mintedSoFar uint64) map[string]uint64 {
	subsidy := BlockSubsidy(height)
	if mintedSoFar >= MaxSupply {
		return nil
	}
	if mintedSoFar+subsidy > MaxSupply {
		subsidy = MaxSupply - mintedSoFar
	}
	if subsidy == 0 {
		return nil
	}

	shares := make(map[string]uint64)

	optimizerPool := subsidy * OptimizerPoolPermille / 1000
	evaluatorPool := subsidy * EvaluatorPoolPermille / 1000

	totalWeight := 0.0
	for _, w := range optimizers {
		totalWeight += w.EffectiveIncrement * w.RewardFraction
	}

	distributed := uint64(0)
	if totalWeight > 0 {
		for _, w := range optimizers {
			share := uint64(float64(optimizerPool) * (w.EffectiveIncrement * w.RewardFraction) / totalWeight)
			if share > 0 {
				shares[w.PeerID] += share
				distributed += share
			}
		}
	}

	if len(evaluators) > 0 {
		// Deterministic order so every node mints identical shares.
		uniq := uniqueSorted(evaluators)
		per := evaluatorPool / uint64(len(uniq))
		for _, e := range uniq {
			if per > 0 {
				shares[e] += per
				distributed += per
			}
		}
	}

	// Generator takes its 5% plus anything undistributed.
	generatorShare := subsidy - distributed
	if generatorShare > 0 {
		shares[generatorID] += generatorShare
	}

	return shares
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Ledger tracks confirmed balances. Balances only move when a block is
// finalized, so reorg rollback never touches the ledger.
type Ledger struct {
	mu          sync.RWMutex
	balances    map[string]uint64
	totalMinted uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]uint64)}
}

// Balance returns a peer's confirmed balance in base units.
func (l *Ledger) Balance(peerID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[peerID]
}

// TotalMinted returns the cumulative minted supply in base units.
func (l *Ledger) TotalMinted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalMinted
}

// ApplyDistribution credits a COIN_DISTRIBUTION's shares. The supply
// cap is enforced at distribution build time; this is the bookkeeping
// side.
func (l *Ledger) ApplyDistribution(shares map[string]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for peer, amount := range shares {
		l.balances[peer] += amount
		l.totalMinted += amount
	}
	if l.totalMinted > MaxSupply {
		// Supply cap violations indicate a consensus bug upstream.
		log.Errorf("Minted supply %d exceeds cap %d", l.totalMinted, uint64(MaxSupply))
	}
}

// ApplyBlock credits every COIN_DISTRIBUTION in a finalized block.
func (l *Ledger) ApplyBlock(b *chain.Block) {
	for i := range b.Transactions {
		if b.Transactions[i].Type == chain.TxCoinDistribution {
			l.ApplyDistribution(b.Transactions[i].Shares)
		}
	}
}

// Rebuild clears the ledger and replays distributions from a block
// sequence.
func (l *Ledger) Rebuild(blocks []*chain.Block) {
	l.mu.Lock()
	l.balances = make(map[string]uint64)
	l.totalMinted = 0
	l.mu.Unlock()
	for _, b := range blocks {
		l.ApplyBlock(b)
	}
}

// AllBalances returns a copy of every balance.
func (l *Ledger) AllBalances() map[string]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]uint64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}
