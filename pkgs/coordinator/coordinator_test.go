package coordinator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/harveybc/doin-core/pkgs/bounds"
	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/coin"
	"github.com/harveybc/doin-core/pkgs/commitreveal"
	"github.com/harveybc/doin-core/pkgs/plugins"
	"github.com/harveybc/doin-core/pkgs/poo"
	"github.com/harveybc/doin-core/pkgs/protocol"
	"github.com/harveybc/doin-core/pkgs/quorum"
	"github.com/harveybc/doin-core/pkgs/reputation"
	"github.com/harveybc/doin-core/pkgs/tasks"
)

type stubDirectory struct {
	evaluators []string
}

func (d *stubDirectory) EvaluatorsFor(string) []string {
	return append([]string(nil), d.evaluators...)
}

type stubOptimizer struct{}

func (stubOptimizer) Optimize(_ context.Context, _ uint64, _ []byte) ([]byte, float64, error) {
	return []byte{1}, -100, nil
}

type stubInferrer struct{}

func (stubInferrer) Infer(_ context.Context, _ []byte, _ []byte) (float64, error) {
	return -100, nil
}

// fixture bundles a coordinator with its collaborators for tests.
type fixture struct {
	coord   *Coordinator
	engine  *poo.Engine
	rep     *reputation.Tracker
	quorums *quorum.Manager
	commits *commitreveal.Manager
	dir     *stubDirectory
	queue   *tasks.Queue
}

func newFixture(t *testing.T, minEvaluators int, evaluators []string) *fixture {
	t.Helper()

	registry := plugins.NewRegistry()
	if err := registry.Register(plugins.Domain{
		ID:                "quadratic",
		Name:              "Quadratic",
		PerformanceMetric: "mse",
		HigherIsBetter:    false,
		BaseWeight:        1.0,
	}, plugins.Capabilities{
		Optimizer: stubOptimizer{},
		Inferrer:  stubInferrer{},
	}); err != nil {
		t.Fatal(err)
	}

	engine := poo.NewEngine(poo.NewThresholdController(1e6, 600))
	engine.SetDomainWeight("quadratic", 1.0)

	rep := reputation.NewTracker(reputation.DefaultHalfLife)
	now := time.Unix(50000, 0)
	rep.SetClock(func() time.Time { return now })

	quorums := quorum.NewManager(quorum.Config{
		MinEvaluators: minEvaluators,
		MaxEvaluators: 10,
		Fraction:      0.67,
		Tolerance:     0.15,
	})

	commits := commitreveal.NewManager(8, nil, nil)
	dir := &stubDirectory{evaluators: evaluators}
	queue := tasks.NewQueue(10 * time.Minute)

	coord := New(Config{VotingTimeoutBlocks: 4}, registry, commits, quorums, rep,
		bounds.NewValidator(bounds.DefaultLimits(), time.Hour), engine,
		coin.NewFeeMarket(100), queue, dir)

	return &fixture{coord: coord, engine: engine, rep: rep, quorums: quorums,
		commits: commits, dir: dir, queue: queue}
}

func (f *fixture) commitAndReveal(t *testing.T, optimaID string, params, nonce []byte, reported float64) (commitreveal.RevealResult, []VerificationAssignment) {
	t.Helper()
	res := f.coord.HandleCommit(protocol.OptimaeCommit{
		OptimaID:       optimaID,
		DomainID:       "quadratic",
		OptimizerID:    "optimizerA",
		CommitHash:     chain.ComputeCommitHash(params, nonce),
		ReportedMetric: reported,
		Timestamp:      50000,
	}, 1, nil, nil)
	if res != commitreveal.CommitAccepted {
		t.Fatalf("commit: %s", res)
	}
	return f.coord.HandleReveal(protocol.OptimaeReveal{
		OptimaID:   optimaID,
		Parameters: params,
		Nonce:      nonce,
	}, 2, "tiphash", nil, nil)
}

// Happy path: one optimizer, one evaluator (K=1 for the test). A first
// vote far outside tolerance rejects; a retry within tolerance accepts
// with positive increment and rewards both sides.
func TestHappyPathAcceptAfterDivergentFirstTry(t *testing.T) {
	f := newFixture(t, 1, []string{"evaluatorB"})
	f.rep.Seed("optimizerA", 5.0)
	f.rep.Seed("evaluatorB", 5.0)
	f.coord.SeedRunningBest("quadratic", -99.0)

	// Round 1: measured -99.7 -> |−100 − (−99.7)| / 0.15 = 2.0 > 1 -> reject.
	res, assignments := f.commitAndReveal(t, "O1", []byte{1, 2, 3}, []byte("N"), -100.0)
	if res != commitreveal.RevealAccepted {
		t.Fatalf("reveal: %s", res)
	}
	if len(assignments) != 1 || assignments[0].EvaluatorID != "evaluatorB" {
		t.Fatalf("expected evaluatorB selected, got %v", assignments)
	}

	f.coord.HandleVote(quorum.Vote{OptimaID: "O1", EvaluatorID: "evaluatorB", MeasuredMetric: -99.7})

	if _, ok := f.quorums.Get("O1"); ok {
		t.Fatal("quorum state should be cleared after decision")
	}
	repA := f.rep.Get("optimizerA")
	if repA >= 5.0 {
		t.Fatalf("rejected optimizer should be slashed, reputation %f", repA)
	}
	if f.engine.WeightedSum() != 0 {
		t.Fatal("rejected optima must not contribute increment")
	}

	// Round 2 under a new optima id: measured -99.99 -> accept.
	f.rep.Seed("optimizerA", 5.0)
	res, _ = f.commitAndReveal(t, "O2", []byte{1, 2, 3}, []byte("N2"), -100.0)
	if res != commitreveal.RevealAccepted {
		t.Fatalf("reveal: %s", res)
	}
	f.coord.HandleVote(quorum.Vote{OptimaID: "O2", EvaluatorID: "evaluatorB", MeasuredMetric: -99.99})

	// effective increment = improvement(-99.99 over best -99.0) = 0.99.
	if got := f.engine.WeightedSum(); math.Abs(got-0.99) > 1e-9 {
		t.Fatalf("expected weighted sum 0.99, got %f", got)
	}
	if got := f.rep.Get("optimizerA"); got <= 5.0+reputation.RewardVoteAligned-1e-9 {
		t.Fatalf("optimizer should earn base + bonus, reputation %f", got)
	}
	if got := f.rep.Get("evaluatorB"); got <= 5.0 {
		t.Fatalf("evaluator should earn reward, reputation %f", got)
	}
	if best, _ := f.coord.RunningBest("quadratic"); math.Abs(best-(-99.99)) > 1e-9 {
		t.Fatalf("running best should advance to -99.99, got %f", best)
	}
}

// Hash-mismatch reveal: slashed -3.0, no quorum selected.
func TestHashMismatchSlashes(t *testing.T) {
	f := newFixture(t, 1, []string{"evaluatorB"})
	f.rep.Seed("optimizerA", 5.0)
	f.rep.Seed("evaluatorB", 5.0)

	params, nonce := []byte{1, 2, 3}, []byte("N1")
	res := f.coord.HandleCommit(protocol.OptimaeCommit{
		OptimaID:       "O1",
		DomainID:       "quadratic",
		OptimizerID:    "optimizerA",
		CommitHash:     chain.ComputeCommitHash(params, nonce),
		ReportedMetric: -100.0,
	}, 1, nil, nil)
	if res != commitreveal.CommitAccepted {
		t.Fatalf("commit: %s", res)
	}

	reveal, assignments := f.coord.HandleReveal(protocol.OptimaeReveal{
		OptimaID:   "O1",
		Parameters: []byte{1, 2, 4}, // single element changed
		Nonce:      nonce,
	}, 2, "tip", nil, nil)
	if reveal != commitreveal.RevealHashMismatch {
		t.Fatalf("expected hash mismatch, got %s", reveal)
	}
	if assignments != nil {
		t.Fatal("no quorum should be selected on mismatch")
	}
	if got := f.rep.Get("optimizerA"); math.Abs(got-2.0) > 1e-9 {
		t.Fatalf("expected reputation 5.0 - 3.0 = 2.0, got %f", got)
	}
}

// Too few eligible evaluators: REJECTED with insufficient_quorum and
// no optimizer penalty; resubmission under a new id is allowed.
func TestInsufficientQuorumNoPenalty(t *testing.T) {
	f := newFixture(t, 3, []string{"evaluatorB"}) // 1 < K_min=3
	f.rep.Seed("optimizerA", 5.0)
	f.rep.Seed("evaluatorB", 5.0)

	res, assignments := f.commitAndReveal(t, "O1", []byte{7}, []byte("n"), -50)
	if res != commitreveal.RevealAccepted {
		t.Fatalf("reveal: %s", res)
	}
	if assignments != nil {
		t.Fatal("no assignments expected without a quorum")
	}
	if got := f.rep.Get("optimizerA"); math.Abs(got-5.0) > 1e-6 {
		t.Fatalf("insufficient quorum must not penalize the optimizer, reputation %f", got)
	}

	// Resubmit under a new optima id.
	res, _ = f.commitAndReveal(t, "O2", []byte{7}, []byte("n2"), -50)
	if res != commitreveal.RevealAccepted {
		t.Fatalf("resubmission should be accepted, got %s", res)
	}
}

// Voting timeout: missing voters get the mild -0.5 penalty, the quorum
// decides on the received votes.
func TestVotingTimeoutPenalizesNoShows(t *testing.T) {
	evaluators := []string{"e1", "e2", "e3"}
	f := newFixture(t, 3, evaluators)
	f.rep.Seed("optimizerA", 5.0)
	for _, e := range evaluators {
		f.rep.Seed(e, 5.0)
	}
	f.coord.SeedRunningBest("quadratic", -99.0)

	res, assignments := f.commitAndReveal(t, "O1", []byte{1}, []byte("n"), -100)
	if res != commitreveal.RevealAccepted || len(assignments) != 3 {
		t.Fatalf("expected 3 assignments, got %d", len(assignments))
	}

	// Two of three vote in agreement with the report; ceil(3*0.67)=3,
	// so with only 2 votes the quorum is insufficient at timeout...
	state, _ := f.quorums.Get("O1")
	voted := map[string]bool{}
	for _, e := range state.Selected[:2] {
		f.coord.HandleVote(quorum.Vote{OptimaID: "O1", EvaluatorID: e, MeasuredMetric: -99.98})
		voted[e] = true
	}

	f.coord.OnBlockAppended(7) // past voting window opened at height 2

	for _, e := range evaluators {
		got := f.rep.Get(e)
		if voted[e] {
			continue
		}
		if math.Abs(got-4.5) > 1e-6 {
			t.Fatalf("no-show %s should lose 0.5, reputation %f", e, got)
		}
	}
	// 2 < ceil(3*0.67)=3 votes: rejected as insufficient quorum, no
	// optimizer slash.
	if got := f.rep.Get("optimizerA"); math.Abs(got-5.0) > 1e-6 {
		t.Fatalf("optimizer must not be slashed on insufficient quorum, reputation %f", got)
	}
	if f.engine.WeightedSum() != 0 {
		t.Fatal("undecided optima must not contribute increment")
	}
}

// First accepted optima in a domain bootstraps the baseline with one
// unit of increment.
func TestFirstOptimaBootstrapsBaseline(t *testing.T) {
	f := newFixture(t, 1, []string{"evaluatorB"})
	f.rep.Seed("optimizerA", 5.0)
	f.rep.Seed("evaluatorB", 5.0)

	res, _ := f.commitAndReveal(t, "O1", []byte{1}, []byte("n"), -100)
	if res != commitreveal.RevealAccepted {
		t.Fatalf("reveal: %s", res)
	}
	f.coord.HandleVote(quorum.Vote{OptimaID: "O1", EvaluatorID: "evaluatorB", MeasuredMetric: -100.01})

	if got := f.engine.WeightedSum(); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("bootstrap increment should be 1.0, got %f", got)
	}
	if best, has := f.coord.RunningBest("quadratic"); !has || math.Abs(best-(-100.01)) > 1e-9 {
		t.Fatalf("baseline should be the verified median, got %f", best)
	}
}

// Coin distribution: accepted work splits 65/30/5 across the block's
// contributors.
func TestBuildDistribution(t *testing.T) {
	f := newFixture(t, 1, []string{"evaluatorB"})
	f.rep.Seed("optimizerA", 5.0)
	f.rep.Seed("evaluatorB", 5.0)
	f.coord.SeedRunningBest("quadratic", -99.0)

	res, _ := f.commitAndReveal(t, "O1", []byte{1}, []byte("n"), -100)
	if res != commitreveal.RevealAccepted {
		t.Fatalf("reveal: %s", res)
	}
	f.coord.HandleVote(quorum.Vote{OptimaID: "O1", EvaluatorID: "evaluatorB", MeasuredMetric: -99.99})

	tx, ok := f.coord.BuildDistribution(1, "generatorG", 0)
	if !ok {
		t.Fatal("distribution expected after an accepted optima")
	}
	if tx.Type != chain.TxCoinDistribution {
		t.Fatalf("wrong tx type %s", tx.Type)
	}
	if tx.Shares["optimizerA"] == 0 || tx.Shares["evaluatorB"] == 0 || tx.Shares["generatorG"] == 0 {
		t.Fatalf("all three roles should be paid: %v", tx.Shares)
	}

	total := uint64(0)
	for _, v := range tx.Shares {
		total += v
	}
	if total != coin.BlockSubsidy(1) {
		t.Fatalf("distribution should mint the full subsidy, got %d", total)
	}

	// The accumulator clears; a second build has nothing to pay the
	// optimizer pool from.
	tx2, ok := f.coord.BuildDistribution(2, "generatorG", total)
	if ok && tx2.Shares["optimizerA"] != 0 {
		t.Fatal("contributions should clear after each distribution")
	}
}
