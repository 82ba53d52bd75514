package forkchoice

import (
	"context"
	"testing"

	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/doinerr"
)

func acceptedTx(increment float64) chain.Transaction {
	params := []byte{1}
	nonce := []byte("n")
	o := &chain.Optima{
		ID:          chain.NewOptimaID(),
		DomainID:    "dom",
		OptimizerID: "opt",
		CommitHash:  chain.ComputeCommitHash(params, nonce),
		Parameters:  params,
		Nonce:       nonce,
	}
	return chain.AcceptedOptimaTx(o, increment, 1.0, nil, 1700000000)
}

// extend appends count empty blocks and returns the last one.
func extend(t *testing.T, s *chain.Store, count int) *chain.Block {
	t.Helper()
	var last *chain.Block
	for i := 0; i < count; i++ {
		b := chain.NewBlock(s.Height()+1, s.TipHash(), int64(s.Height()+1)*10, nil, 1, "gen")
		if err := s.Append(b, 0); err != nil {
			t.Fatal(err)
		}
		last = b
	}
	return last
}

func TestScoreBetterOrdering(t *testing.T) {
	heavy := Score{TipHash: "bb", CumulativeIncrement: 0.9, AcceptedCount: 2}
	light := Score{TipHash: "aa", CumulativeIncrement: 0.5, AcceptedCount: 3}
	if !heavy.Better(light) {
		t.Fatal("heavier chain must win regardless of accepted count")
	}

	// Tie on increment: more accepted optimae wins.
	a := Score{TipHash: "aa", CumulativeIncrement: 0.5, AcceptedCount: 3}
	b := Score{TipHash: "bb", CumulativeIncrement: 0.5, AcceptedCount: 2}
	if !a.Better(b) {
		t.Fatal("accepted count should break increment ties")
	}

	// Full tie: lower hash wins.
	c := Score{TipHash: "aa", CumulativeIncrement: 0.5, AcceptedCount: 2}
	d := Score{TipHash: "bb", CumulativeIncrement: 0.5, AcceptedCount: 2}
	if !c.Better(d) || d.Better(c) {
		t.Fatal("lower tip hash should break full ties")
	}
}

// Scenario: two chains branch at height 10; X carries 3 accepted
// optimae totalling 0.5, Y carries 2 totalling 0.9. Y wins and nodes
// on X reorg to it without crossing finality.
func TestHeaviestChainReorg(t *testing.T) {
	s := chain.NewStore()
	extend(t, s, 10)
	forkParent := s.Tip()

	// Chain X (local canonical): 3 accepted summing 0.5 over two blocks.
	x1 := chain.NewBlock(11, forkParent.BlockHash, 200, []chain.Transaction{
		acceptedTx(0.2), acceptedTx(0.2),
	}, 1, "genX")
	if err := s.Append(x1, 0); err != nil {
		t.Fatal(err)
	}
	x2 := chain.NewBlock(12, x1.BlockHash, 210, []chain.Transaction{acceptedTx(0.1)}, 1, "genX")
	if err := s.Append(x2, 0); err != nil {
		t.Fatal(err)
	}

	// Chain Y (fork): 2 accepted summing 0.9, same length.
	y1 := chain.NewBlock(11, forkParent.BlockHash, 205, []chain.Transaction{acceptedTx(0.5)}, 1, "genY")
	if err := s.AddSideBlock(y1, 0); err != nil {
		t.Fatal(err)
	}
	y2 := chain.NewBlock(12, y1.BlockHash, 215, []chain.Transaction{acceptedTx(0.4)}, 1, "genY")
	if err := s.AddSideBlock(y2, 0); err != nil {
		t.Fatal(err)
	}

	rule := NewRule(s)
	tip, reorged, err := rule.Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if !reorged {
		t.Fatal("heavier fork should trigger a reorg")
	}
	if tip != y2.BlockHash || s.TipHash() != y2.BlockHash {
		t.Fatal("canonical tip should be Y's tip")
	}
	// X's tip becomes a fork tip.
	tips := s.Tips()
	if len(tips) != 1 || tips[0] != x2.BlockHash {
		t.Fatalf("expected X tip preserved as fork, got %v", tips)
	}
}

// Scenario: a block finalized at depth 6 cannot be displaced by any
// fork branching below it, regardless of weight.
func TestFinalityBlocksDeepReorg(t *testing.T) {
	s := chain.NewStore()
	extend(t, s, 16)
	fm := NewFinalityManager(s, 6)
	fm.OnNewBlock()
	if s.FinalizedHeight() != 10 {
		t.Fatalf("height 16 with depth 6 should finalize 10, got %d", s.FinalizedHeight())
	}

	// Attacker branches from height 9, below finality.
	nine, _ := s.AtHeight(9)
	attack := chain.NewBlock(10, nine.BlockHash, 500, []chain.Transaction{acceptedTx(100)}, 1, "attacker")
	err := s.AddSideBlock(attack, 0)
	if err == nil {
		t.Fatal("fork crossing finality accepted")
	}
	if !doinerr.IsKind(err, doinerr.Consistency) {
		t.Fatalf("expected a consistency error, got %v", err)
	}
}

func TestFinalityDepthBoundary(t *testing.T) {
	s := chain.NewStore()
	fm := NewFinalityManager(s, 6)

	// confirmation_depth - 1 confirmations: still reorgable.
	extend(t, s, 6) // height 6; block 1 has 5 confirmations above it... height-depth = 0
	fm.OnNewBlock()
	if s.FinalizedHeight() != 0 {
		t.Fatalf("nothing above genesis should be final yet, got %d", s.FinalizedHeight())
	}

	// Exactly confirmation_depth: block 1 finalizes.
	extend(t, s, 1)
	fm.OnNewBlock()
	if s.FinalizedHeight() != 1 {
		t.Fatalf("block 1 should finalize at height 7, got %d", s.FinalizedHeight())
	}
}

type memorySink struct {
	anchors []Anchor
}

func (m *memorySink) Publish(_ context.Context, a Anchor) error {
	m.anchors = append(m.anchors, a)
	return nil
}

func TestAnchorPublication(t *testing.T) {
	s := chain.NewStore()
	sink := &memorySink{}
	am := NewAnchorManager(s, sink, 5)

	extend(t, s, 4)
	if err := am.PublishIfDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.anchors) != 0 {
		t.Fatal("anchor published before the interval")
	}

	extend(t, s, 1)
	if err := am.PublishIfDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.anchors) != 1 || sink.anchors[0].Height != 5 {
		t.Fatalf("expected one anchor at height 5, got %v", sink.anchors)
	}

	// Re-running at the same height must not double-publish.
	if err := am.PublishIfDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.anchors) != 1 {
		t.Fatal("anchor double-published")
	}
}

// Scenario: a received anchor conflicting with local history puts the
// node in SUSPECT mode.
func TestAnchorDivergenceSuspect(t *testing.T) {
	s := chain.NewStore()
	extend(t, s, 10)
	am := NewAnchorManager(s, nil, 100)

	local, _ := s.AtHeight(10)
	if err := am.VerifyReceived(Anchor{Height: 10, BlockHash: local.BlockHash}); err != nil {
		t.Fatalf("matching anchor flagged: %v", err)
	}
	if am.Suspect() {
		t.Fatal("matching anchor should not trigger SUSPECT")
	}

	err := am.VerifyReceived(Anchor{Height: 10, BlockHash: "00" + local.BlockHash[2:]})
	if err == nil {
		t.Fatal("diverging anchor not reported")
	}
	if !doinerr.IsKind(err, doinerr.External) {
		t.Fatalf("expected external error kind, got %v", err)
	}
	if !am.Suspect() {
		t.Fatal("diverging anchor should trigger SUSPECT")
	}

	am.OperatorClear()
	if am.Suspect() {
		t.Fatal("operator clear should reset SUSPECT")
	}
}

// Anchors ahead of the local chain are not comparable yet and must not
// trip SUSPECT.
func TestAnchorAheadOfChain(t *testing.T) {
	s := chain.NewStore()
	am := NewAnchorManager(s, nil, 100)
	if err := am.VerifyReceived(Anchor{Height: 50, BlockHash: "ff"}); err != nil {
		t.Fatal("future anchor should be ignored")
	}
}
