// Package seedpolicy derives the deterministic seeds that keep
// optimization and verification reproducible. The optimization seed is
// fixed by the commitment, so an optimizer cannot grind seeds after
// committing; the synthetic-data seed mixes in the evaluator and the
// chain tip at selection, so an optimizer cannot pre-train on the
// verification data.
package seedpolicy

import (
	"encoding/binary"

	"github.com/harveybc/doin-core/pkgs/crypto"
)

// OptimizationSeed derives the seed an optimizer must use:
// H(commit_hash || domain_id), taken as the first 8 bytes big-endian.
func OptimizationSeed(commitHash, domainID string) uint64 {
	enc := crypto.NewEncoder()
	enc.String(commitHash)
	enc.String(domainID)
	digest := enc.Hash()
	return binary.BigEndian.Uint64(digest[:8])
}

// SyntheticSeed derives the per-evaluator synthetic-data seed:
// H(commit_hash || domain_id || evaluator_id || chain_tip_at_selection).
// Each evaluator gets a different seed, and none of them is predictable
// before quorum selection.
func SyntheticSeed(commitHash, domainID, evaluatorID, tipHashAtSelection string) uint64 {
	enc := crypto.NewEncoder()
	enc.String(commitHash)
	enc.String(domainID)
	enc.String(evaluatorID)
	enc.String(tipHashAtSelection)
	digest := enc.Hash()
	return binary.BigEndian.Uint64(digest[:8])
}

// ValidateDeclaredSeed checks an optimizer's declared seed against the
// deterministic derivation. A mismatch means the optimizer ran with a
// seed of its own choosing and the result is not reproducible.
func ValidateDeclaredSeed(commitHash, domainID string, declared uint64) bool {
	return declared == OptimizationSeed(commitHash, domainID)
}
