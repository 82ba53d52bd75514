package bounds

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCommitBudgetCaps(t *testing.T) {
	v := NewValidator(Limits{MaxParamBytes: 100, MaxTrainingSeconds: 60, MaxMemoryMB: 512}, time.Hour)

	if verdict := v.CheckCommit("p", "d", DeclaredBudget{TrainingSeconds: 30, MemoryMB: 256}); !verdict.OK {
		t.Fatalf("within-budget commit rejected: %s", verdict.Reason)
	}
	if verdict := v.CheckCommit("p", "d", DeclaredBudget{TrainingSeconds: 120}); verdict.OK {
		t.Fatal("over-budget training time accepted")
	}
	if verdict := v.CheckCommit("p2", "d", DeclaredBudget{MemoryMB: 1024}); verdict.OK {
		t.Fatal("over-budget memory accepted")
	}
}

func TestRevealParamSize(t *testing.T) {
	v := NewValidator(Limits{MaxParamBytes: 4, MaxTrainingSeconds: 60, MaxMemoryMB: 512}, time.Hour)

	if verdict := v.CheckReveal("p", "d", []byte{1, 2, 3, 4}, nil); !verdict.OK {
		t.Fatal("payload at the cap rejected")
	}
	if verdict := v.CheckReveal("p2", "d", []byte{1, 2, 3, 4, 5}, nil); verdict.OK {
		t.Fatal("oversized payload accepted")
	}
}

func TestDomainDimensionBounds(t *testing.T) {
	v := NewValidator(DefaultLimits(), time.Hour)
	v.RegisterDomainBounds("d", DomainBounds{"learning_rate": {0.0001, 1.0}})

	ok := v.CheckReveal("p", "d", []byte{1}, map[string]float64{"learning_rate": 0.01})
	if !ok.OK {
		t.Fatalf("in-bounds dimension rejected: %s", ok.Reason)
	}
	bad := v.CheckReveal("p2", "d", []byte{1}, map[string]float64{"learning_rate": 5.0})
	if bad.OK {
		t.Fatal("out-of-bounds dimension accepted")
	}
	// Dimensions without registered bounds pass.
	free := v.CheckReveal("p3", "d", []byte{1}, map[string]float64{"momentum": 99})
	if !free.OK {
		t.Fatal("unregistered dimension rejected")
	}
}

func TestFirstOffenseNonSlashing(t *testing.T) {
	v := NewValidator(Limits{MaxParamBytes: 1, MaxTrainingSeconds: 1, MaxMemoryMB: 1}, time.Hour)
	start := time.Unix(1000, 0)
	v.SetClock(fixedClock(start))

	first := v.CheckReveal("peer", "d", []byte{1, 2}, nil)
	if first.OK || first.Slashable {
		t.Fatal("first offense should fail but not slash")
	}
	second := v.CheckReveal("peer", "d", []byte{1, 2}, nil)
	if second.OK || !second.Slashable {
		t.Fatal("repeat offense inside the window should slash")
	}

	// After the window the counter resets.
	v.SetClock(fixedClock(start.Add(2 * time.Hour)))
	third := v.CheckReveal("peer", "d", []byte{1, 2}, nil)
	if third.Slashable {
		t.Fatal("offense after the window should count as first again")
	}
}
