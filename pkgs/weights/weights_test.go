package weights

import (
	"math"
	"testing"

	"github.com/harveybc/doin-core/pkgs/chain"
)

func TestEqualWeightsWithoutDemand(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	c.RegisterDomain("a", 1.0, true)
	c.RegisterDomain("b", 1.0, true)

	w := c.Compute()
	if math.Abs(w["a"]-w["b"]) > 1e-9 {
		t.Fatalf("no demand should mean equal weights, got %f vs %f", w["a"], w["b"])
	}
	if w["a"] <= 0 {
		t.Fatal("weights must stay positive")
	}
}

func TestSyntheticStrengthHalvesWithout(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	c.RegisterDomain("with", 1.0, true)
	c.RegisterDomain("without", 1.0, false)

	w := c.Compute()
	if math.Abs(w["with"]-2*w["without"]) > 1e-9 {
		t.Fatalf("domains without synthetic data should carry half strength: %f vs %f",
			w["with"], w["without"])
	}
}

func TestProgressRaisesWeight(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	c.RegisterDomain("a", 1.0, true)
	c.RegisterDomain("b", 1.0, true)

	params, nonce := []byte{1}, []byte("n")
	o := &chain.Optima{
		ID: "o1", DomainID: "a", OptimizerID: "p",
		CommitHash: chain.ComputeCommitHash(params, nonce),
		Parameters: params, Nonce: nonce,
	}
	b := chain.NewBlock(1, chain.Genesis().BlockHash, 100, []chain.Transaction{
		chain.AcceptedOptimaTx(o, 0.5, 1.0, nil, 100),
	}, 1, "gen")
	c.ObserveBlock(b)

	w := c.Compute()
	if w["a"] <= w["b"] {
		t.Fatalf("recent progress should raise the weight: %f vs %f", w["a"], w["b"])
	}
}

func TestProgressCapped(t *testing.T) {
	cfg := DefaultConfig()
	c := NewCalculator(cfg)
	c.RegisterDomain("a", 1.0, true)

	params, nonce := []byte{1}, []byte("n")
	o := &chain.Optima{
		ID: "o1", DomainID: "a", OptimizerID: "p",
		CommitHash: chain.ComputeCommitHash(params, nonce),
		Parameters: params, Nonce: nonce,
	}
	b := chain.NewBlock(1, chain.Genesis().BlockHash, 100, []chain.Transaction{
		chain.AcceptedOptimaTx(o, 1000.0, 1.0, nil, 100),
	}, 1, "gen")
	c.ObserveBlock(b)

	w := c.Compute()
	// base 1.0 * demand 1.0 * (1 + cap) * strength 1.0
	maxW := 1.0 * 1.0 * (1 + cfg.ProgressCap) * 1.0
	if w["a"] > maxW+1e-9 {
		t.Fatalf("progress factor must cap at %f, weight %f", cfg.ProgressCap, w["a"])
	}
}

func TestResetWindow(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	c.RegisterDomain("a", 1.0, true)
	c.RegisterDomain("b", 1.0, true)

	b := chain.NewBlock(1, chain.Genesis().BlockHash, 100, []chain.Transaction{
		chain.CompletedTaskTx("t1", "a", "p", "h", 100),
	}, 1, "gen")
	c.ObserveBlock(b)
	c.ResetWindow()

	w := c.Compute()
	if math.Abs(w["a"]-w["b"]) > 1e-9 {
		t.Fatal("reset should clear the demand skew")
	}
}

func TestReputationFactor(t *testing.T) {
	if ReputationFactor(0) != 0 || ReputationFactor(-1) != 0 {
		t.Fatal("non-positive reputation should contribute nothing")
	}
	if math.Abs(ReputationFactor(10)-1.0) > 1e-9 {
		t.Fatal("reputation 10 should saturate the factor")
	}
	if ReputationFactor(100) > 1.0 {
		t.Fatal("factor must cap at 1")
	}
	if ReputationFactor(2) >= ReputationFactor(5) {
		t.Fatal("factor should grow with reputation below the cap")
	}
}
