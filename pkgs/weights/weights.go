// Package weights computes verified-utility domain weights from chain
// history:
//
//	weight = base * demand_factor * (1 + progress_factor) * verification_strength
//
// Demand comes from served inference tasks, progress from recent
// accepted increments, and verification strength from whether the
// domain validates on synthetic data. Everything is derived from
// transactions, so any node computes identical weights.
package weights

import (
	"math"
	"sync"

	"github.com/harveybc/doin-core/pkgs/chain"
)

// Config tunes the weight calculator.
type Config struct {
	DemandSmoothing float64 // floor on the demand factor
	ProgressCap     float64 // cap on the progress factor
}

// DefaultConfig returns the network defaults.
func DefaultConfig() Config {
	return Config{DemandSmoothing: 0.1, ProgressCap: 2.0}
}

type domainStats struct {
	baseWeight     float64
	hasSynthetic   bool
	inferenceTasks int
	accepted       int
	rejected       int
	totalIncrement float64
}

// Calculator tracks rolling per-domain stats and derives weights.
type Calculator struct {
	mu    sync.Mutex
	cfg   Config
	stats map[string]*domainStats
}

// NewCalculator creates a calculator.
func NewCalculator(cfg Config) *Calculator {
	if cfg.ProgressCap <= 0 {
		cfg = DefaultConfig()
	}
	return &Calculator{cfg: cfg, stats: make(map[string]*domainStats)}
}

// RegisterDomain installs a domain's base weight and verification
// capability.
func (c *Calculator) RegisterDomain(domainID string, baseWeight float64, hasSynthetic bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[domainID] = &domainStats{baseWeight: baseWeight, hasSynthetic: hasSynthetic}
}

// ObserveBlock folds a block's transactions into the rolling stats.
func (c *Calculator) ObserveBlock(b *chain.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		s, ok := c.stats[tx.DomainID]
		if !ok {
			continue
		}
		switch tx.Type {
		case chain.TxAcceptedOptima:
			s.accepted++
			s.totalIncrement += math.Abs(tx.EffectiveIncrement)
		case chain.TxRejectedOptima:
			s.rejected++
		case chain.TxCompletedTask:
			s.inferenceTasks++
		}
	}
}

// Compute derives the current weight for every registered domain.
func (c *Calculator) Compute() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stats) == 0 {
		return nil
	}

	totalInference := 0
	for _, s := range c.stats {
		totalInference += s.inferenceTasks
	}

	out := make(map[string]float64, len(c.stats))
	for id, s := range c.stats {
		// Synthetic-data verification is the trustworthy path; domains
		// without it still produce blocks, at half strength.
		strength := 0.5
		if s.hasSynthetic {
			strength = 1.0
		}

		var demand float64
		if totalInference > 0 {
			demand = float64(s.inferenceTasks) / float64(totalInference)
		} else {
			demand = 1.0 / float64(len(c.stats))
		}
		demand = math.Max(c.cfg.DemandSmoothing, demand)

		progress := 0.0
		if s.accepted > 0 {
			progress = math.Min(s.totalIncrement/float64(s.accepted), c.cfg.ProgressCap)
		}

		out[id] = s.baseWeight * demand * (1 + progress) * strength
	}
	return out
}

// ReputationFactor maps a contributor's reputation into [0, 1] with
// logarithmic scaling, so accumulated reputation cannot dominate the
// threshold: log1p(rep)/log1p(10), capped at 1.
func ReputationFactor(reputation float64) float64 {
	if reputation <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(reputation)/math.Log1p(10))
}

// ResetWindow clears the rolling stats at a recalculation boundary.
func (c *Calculator) ResetWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stats {
		s.inferenceTasks = 0
		s.accepted = 0
		s.rejected = 0
		s.totalIncrement = 0
	}
}
