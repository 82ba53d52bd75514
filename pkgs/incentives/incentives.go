// Package incentives computes reward fractions from reported versus
// quorum-verified metrics. The asymmetry is deliberate: honest small
// variance earns a scaled reward, close agreement earns a bonus, and
// anything outside tolerance earns nothing.
package incentives

import "math"

const (
	// MaxBonusMultiplier caps the reward when reported and verified
	// metrics agree tightly.
	MaxBonusMultiplier = 1.2

	// BonusDiscrepancyCutoff is the normalized discrepancy at or below
	// which the bonus multiplier applies.
	BonusDiscrepancyCutoff = 0.25
)

// Result is the full outcome of an incentive evaluation.
type Result struct {
	Accepted           bool
	RewardFraction     float64
	Confidence         float64
	Discrepancy        float64
	EffectiveIncrement float64
}

// Improvement returns how much candidate improves on baseline under
// the domain's sign convention, never negative.
func Improvement(candidate, baseline float64, higherIsBetter bool) float64 {
	var delta float64
	if higherIsBetter {
		delta = candidate - baseline
	} else {
		delta = baseline - candidate
	}
	return math.Max(0, delta)
}

// RewardFraction computes the optimizer's reward fraction from the
// reported metric and the quorum median.
//
//	discrepancy = |reported - median| / tolerance
//	discrepancy > 1            -> rejected, no reward
//	otherwise confidence = 1 - discrepancy and f = confidence,
//	boosted by the bonus multiplier when discrepancy <= 0.25.
func RewardFraction(reported, medianVerified, tolerance float64) (float64, float64, bool) {
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	discrepancy := math.Abs(reported-medianVerified) / tolerance
	if discrepancy > 1 {
		return 0, discrepancy, false
	}

	confidence := 1 - discrepancy
	f := confidence
	if discrepancy <= BonusDiscrepancyCutoff {
		f = math.Min(MaxBonusMultiplier*confidence, MaxBonusMultiplier)
	}
	return f, discrepancy, true
}

// Evaluate runs the full incentive computation for a decided optima.
// The effective increment is the verified improvement over the
// domain's running best, weighted later by the domain weight.
func Evaluate(reported, medianVerified, runningBest, tolerance float64, higherIsBetter bool) Result {
	f, discrepancy, accepted := RewardFraction(reported, medianVerified, tolerance)
	if !accepted {
		return Result{Discrepancy: discrepancy}
	}

	return Result{
		Accepted:           true,
		RewardFraction:     f,
		Confidence:         1 - discrepancy,
		Discrepancy:        discrepancy,
		EffectiveIncrement: Improvement(medianVerified, runningBest, higherIsBetter),
	}
}
