// Package poo implements the proof-of-optimization block engine: a
// block is produced when the cumulative weight of verified optimization
// improvement across all domains crosses a dynamic threshold.
package poo

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
)

// Engine accumulates weighted effective increments and assembles
// blocks once the threshold is crossed.
type Engine struct {
	mu sync.Mutex

	controller *ThresholdController

	// Per-domain running sum of weight * effective_increment since the
	// last block.
	pendingIncrements map[string]float64
	pendingTxs        []chain.Transaction

	weights map[string]float64
}

// NewEngine creates an engine around a threshold controller.
func NewEngine(controller *ThresholdController) *Engine {
	return &Engine{
		controller:        controller,
		pendingIncrements: make(map[string]float64),
		weights:           make(map[string]float64),
	}
}

// SetDomainWeight installs the current weight for a domain. Weights
// come from the verified-utility calculator and are refreshed after
// each block.
func (e *Engine) SetDomainWeight(domainID string, weight float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights[domainID] = weight
}

// DomainWeight returns the current weight for a domain (0 if unknown).
func (e *Engine) DomainWeight(domainID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights[domainID]
}

// RecordAccepted accumulates an accepted optima's weighted increment
// and queues its transaction.
func (e *Engine) RecordAccepted(tx chain.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	weight := e.weights[tx.DomainID]
	e.pendingIncrements[tx.DomainID] += weight * tx.EffectiveIncrement
	e.pendingTxs = append(e.pendingTxs, tx)
}

// RecordTransaction queues any other transaction (rejections, task
// completions, reputation and coin updates) for the next block.
func (e *Engine) RecordTransaction(tx chain.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingTxs = append(e.pendingTxs, tx)
}

// WeightedSum returns the current accumulated weighted increment.
func (e *Engine) WeightedSum() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weightedSumLocked()
}

func (e *Engine) weightedSumLocked() float64 {
	total := 0.0
	for _, v := range e.pendingIncrements {
		total += v
	}
	return total
}

// Threshold returns the current block generation threshold.
func (e *Engine) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controller.Threshold()
}

// PendingTxCount returns the number of queued transactions.
func (e *Engine) PendingTxCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingTxs)
}

// CanGenerateBlock reports whether the weighted sum has crossed the
// threshold.
func (e *Engine) CanGenerateBlock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weightedSumLocked() >= e.controller.Threshold()
}

// GenerateBlock atomically snapshots the pending transactions into a
// block chained to parent, clears the accumulators, and adjusts the
// threshold. Returns nil when the threshold is not met.
func (e *Engine) GenerateBlock(parent *chain.Block, generatorID string, timestamp int64) *chain.Block {
	e.mu.Lock()
	defer e.mu.Unlock()

	threshold := e.controller.Threshold()
	if e.weightedSumLocked() < threshold {
		return nil
	}

	txs := make([]chain.Transaction, len(e.pendingTxs))
	copy(txs, e.pendingTxs)

	if timestamp < parent.Timestamp {
		timestamp = parent.Timestamp
	}

	block := chain.NewBlock(parent.Index+1, parent.BlockHash, timestamp, txs, threshold, generatorID)

	e.pendingIncrements = make(map[string]float64)
	e.pendingTxs = nil
	e.controller.OnNewBlock(timestamp)

	log.Infof("Generated block %d with %d tx(s), threshold %.6g, next threshold %.6g",
		block.Index, len(txs), threshold, e.controller.Threshold())
	return block
}

// ObserveExternalBlock feeds a block produced elsewhere into the
// threshold controller and drops any pending transactions already
// recorded in it, keeping this node's accumulators consistent with the
// network.
func (e *Engine) ObserveExternalBlock(b *chain.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()

	included := make(map[string]struct{}, len(b.Transactions))
	for i := range b.Transactions {
		included[b.Transactions[i].ID()] = struct{}{}
	}

	kept := e.pendingTxs[:0]
	for _, tx := range e.pendingTxs {
		if _, dup := included[tx.ID()]; dup {
			if tx.Type == chain.TxAcceptedOptima {
				weight := e.weights[tx.DomainID]
				e.pendingIncrements[tx.DomainID] -= weight * tx.EffectiveIncrement
				if e.pendingIncrements[tx.DomainID] < 0 {
					e.pendingIncrements[tx.DomainID] = 0
				}
			}
			continue
		}
		kept = append(kept, tx)
	}
	e.pendingTxs = kept

	e.controller.OnNewBlock(b.Timestamp)
}
