package incentives

import (
	"math"
	"testing"
)

func TestImprovementSignConvention(t *testing.T) {
	// Higher is better: accuracy going up.
	if got := Improvement(0.9, 0.8, true); math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("expected 0.1, got %f", got)
	}
	// Lower is better: loss going down.
	if got := Improvement(-99.0, -99.99, false); got != 0 {
		t.Fatalf("worse loss should clamp to 0, got %f", got)
	}
	if got := Improvement(-99.99, -99.0, false); math.Abs(got-0.99) > 1e-9 {
		t.Fatalf("expected 0.99, got %f", got)
	}
	// Regressions never contribute.
	if got := Improvement(0.7, 0.8, true); got != 0 {
		t.Fatalf("regression should clamp to 0, got %f", got)
	}
}

func TestRewardFractionRejectsOutsideTolerance(t *testing.T) {
	// The S1 first-round numbers: |−100 − (−99.7)| / 0.15 = 2.0 > 1.
	f, discrepancy, accepted := RewardFraction(-100.0, -99.7, 0.15)
	if accepted {
		t.Fatal("discrepancy 2.0 should reject")
	}
	if f != 0 {
		t.Fatalf("rejected reward fraction should be 0, got %f", f)
	}
	if math.Abs(discrepancy-2.0) > 1e-9 {
		t.Fatalf("expected discrepancy 2.0, got %f", discrepancy)
	}
}

func TestRewardFractionAcceptsWithBonus(t *testing.T) {
	// The S1 retry: |−100 − (−99.99)| / 0.15 ≈ 0.0667 ≤ 0.25 → bonus.
	f, discrepancy, accepted := RewardFraction(-100.0, -99.99, 0.15)
	if !accepted {
		t.Fatal("small discrepancy should accept")
	}
	if discrepancy > BonusDiscrepancyCutoff {
		t.Fatalf("expected bonus-eligible discrepancy, got %f", discrepancy)
	}
	expected := math.Min(MaxBonusMultiplier*(1-discrepancy), MaxBonusMultiplier)
	if math.Abs(f-expected) > 1e-9 {
		t.Fatalf("expected %f, got %f", expected, f)
	}
	if f > MaxBonusMultiplier {
		t.Fatalf("reward fraction must never exceed %f", MaxBonusMultiplier)
	}
}

func TestRewardFractionNoBonusBand(t *testing.T) {
	// discrepancy in (0.25, 1]: plain confidence, no multiplier.
	reported, median, tolerance := 10.0, 10.09, 0.15
	f, discrepancy, accepted := RewardFraction(reported, median, tolerance)
	if !accepted {
		t.Fatal("discrepancy 0.6 should accept")
	}
	if math.Abs(discrepancy-0.6) > 1e-9 {
		t.Fatalf("expected discrepancy 0.6, got %f", discrepancy)
	}
	if math.Abs(f-0.4) > 1e-9 {
		t.Fatalf("expected plain confidence 0.4, got %f", f)
	}
}

func TestRewardFractionBoundary(t *testing.T) {
	// Exactly at tolerance: discrepancy == 1, confidence ~0, accepted.
	f, _, accepted := RewardFraction(10.0, 10.5, 0.5)
	if !accepted {
		t.Fatal("discrepancy exactly 1 should still accept")
	}
	if f > 1e-9 {
		t.Fatalf("confidence at the edge should be ~0, got %g", f)
	}
}

func TestEvaluateEffectiveIncrement(t *testing.T) {
	// Lower-is-better domain improving from -99.0 to a verified -99.99.
	res := Evaluate(-100.0, -99.99, -99.0, 0.15, false)
	if !res.Accepted {
		t.Fatal("expected acceptance")
	}
	if math.Abs(res.EffectiveIncrement-0.99) > 1e-9 {
		t.Fatalf("expected increment 0.99, got %f", res.EffectiveIncrement)
	}

	// Verified metric worse than the running best: zero increment but
	// still accepted (the report was honest).
	res = Evaluate(-99.0, -99.01, -99.5, 0.15, false)
	if !res.Accepted {
		t.Fatal("honest report should accept")
	}
	if res.EffectiveIncrement != 0 {
		t.Fatalf("no improvement should mean 0 increment, got %f", res.EffectiveIncrement)
	}
}
