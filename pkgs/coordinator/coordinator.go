// Package coordinator drives each optima through its lifecycle:
//
//	COMMITTED -> REVEALED -> VOTING -> DECIDED (accept / reject)
//	     \-> EXPIRED            \-> REJECTED (hash mismatch)
//
// All state transitions run on the node main loop; the coordinator
// only emits pending transactions into the proof-of-optimization
// engine and deltas into the reputation tracker.
package coordinator

import (
	"math"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/bounds"
	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/coin"
	"github.com/harveybc/doin-core/pkgs/commitreveal"
	"github.com/harveybc/doin-core/pkgs/incentives"
	"github.com/harveybc/doin-core/pkgs/plugins"
	"github.com/harveybc/doin-core/pkgs/poo"
	"github.com/harveybc/doin-core/pkgs/protocol"
	"github.com/harveybc/doin-core/pkgs/quorum"
	"github.com/harveybc/doin-core/pkgs/reputation"
	"github.com/harveybc/doin-core/pkgs/tasks"
)

// Config holds the lifecycle windows. The voting timeout is expressed
// in blocks to defeat time-warp; EvalDeadline is a wall-clock duration.
type Config struct {
	VotingTimeoutBlocks uint64
	EvalDeadline        time.Duration
}

// EvaluatorDirectory resolves which peers evaluate a domain. The node
// maintains it from PEER_DISCOVERY announcements.
type EvaluatorDirectory interface {
	EvaluatorsFor(domainID string) []string
}

// Coordinator wires the optimae pipeline together.
type Coordinator struct {
	mu sync.Mutex

	cfg       Config
	registry  *plugins.Registry
	commits   *commitreveal.Manager
	quorums   *quorum.Manager
	rep       *reputation.Tracker
	bounds    *bounds.Validator
	engine    *poo.Engine
	feeMarket *coin.FeeMarket
	queue     *tasks.Queue
	directory EvaluatorDirectory

	// Running best verified metric per domain; the baseline for
	// effective increments.
	runningBest map[string]float64
	hasBest     map[string]bool

	// Contributions since the last block, for the coin distribution.
	blockOptimizers []coin.OptimizerWork
	blockEvaluators []string

	// optima id -> tracked optima while in flight.
	inFlight map[string]*chain.Optima

	now func() time.Time
}

// New creates a coordinator.
func New(cfg Config, registry *plugins.Registry, commits *commitreveal.Manager, quorums *quorum.Manager, rep *reputation.Tracker, bv *bounds.Validator, engine *poo.Engine, feeMarket *coin.FeeMarket, queue *tasks.Queue, directory EvaluatorDirectory) *Coordinator {
	if cfg.VotingTimeoutBlocks == 0 {
		cfg.VotingTimeoutBlocks = 4
	}
	return &Coordinator{
		cfg:         cfg,
		registry:    registry,
		commits:     commits,
		quorums:     quorums,
		rep:         rep,
		bounds:      bv,
		engine:      engine,
		feeMarket:   feeMarket,
		queue:       queue,
		directory:   directory,
		runningBest: make(map[string]float64),
		hasBest:     make(map[string]bool),
		inFlight:    make(map[string]*chain.Optima),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SeedRunningBest installs a known baseline for a domain.
func (c *Coordinator) SeedRunningBest(domainID string, best float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runningBest[domainID] = best
	c.hasBest[domainID] = true
}

// RunningBest returns the domain's current baseline.
func (c *Coordinator) RunningBest(domainID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningBest[domainID], c.hasBest[domainID]
}

// HandleCommit processes an OPTIMAE_COMMIT at the given chain height.
func (c *Coordinator) HandleCommit(msg protocol.OptimaeCommit, height uint64, payload, sig []byte) commitreveal.CommitResult {
	if _, ok := c.registry.Domain(msg.DomainID); !ok {
		log.Debugf("Commit for unknown domain %s, dropping", msg.DomainID)
		return commitreveal.CommitBadSignature
	}

	if c.bounds != nil {
		verdict := c.bounds.CheckCommit(msg.OptimizerID, msg.DomainID, bounds.DeclaredBudget{
			TrainingSeconds: msg.TrainingSeconds,
			MemoryMB:        msg.MemoryMB,
		})
		if !verdict.OK {
			if verdict.Slashable {
				c.rep.ApplyDelta(msg.OptimizerID, -reputation.PenaltyBoundsRepeat)
			}
			return commitreveal.CommitRateLimited
		}
	}

	result := c.commits.Commit(msg.OptimaID, msg.DomainID, msg.OptimizerID, msg.CommitHash,
		msg.ReportedMetric, msg.Timestamp, height, payload, sig)
	if result == commitreveal.CommitAccepted && c.feeMarket != nil {
		c.feeMarket.Stake(msg.OptimaID, msg.OptimizerID)
	}
	return result
}

// VerificationAssignment describes a task the node must flood and,
// when the local peer is selected, execute.
type VerificationAssignment struct {
	Task        tasks.Task
	EvaluatorID string
}

// HandleReveal processes an OPTIMAE_REVEAL. On success it selects the
// quorum at the current tip and returns one verification assignment
// per selected evaluator.
func (c *Coordinator) HandleReveal(msg protocol.OptimaeReveal, height uint64, tipHash string, payload, sig []byte) (commitreveal.RevealResult, []VerificationAssignment) {
	result, optima := c.commits.Reveal(msg.OptimaID, msg.Parameters, msg.Nonce, height, payload, sig)

	switch result {
	case commitreveal.RevealHashMismatch:
		// Slashable: the optimizer committed to something else.
		delta := c.rep.RecordVoteDivergent(optima.OptimizerID)
		c.emitRejection(optima.ID, optima.DomainID, chain.ReasonHashMismatch)
		c.engine.RecordTransaction(chain.ReputationUpdateTx(optima.OptimizerID, delta, c.now().Unix()))
		if c.feeMarket != nil {
			c.feeMarket.SettleRejected(optima.ID)
		}
		log.Warnf("Hash mismatch on reveal of optima %s by %s", optima.ID, optima.OptimizerID)
		return result, nil

	case commitreveal.RevealLate:
		c.emitRejection(optima.ID, optima.DomainID, chain.ReasonExpired)
		if c.feeMarket != nil {
			c.feeMarket.SettleRejected(optima.ID)
		}
		return result, nil

	case commitreveal.RevealAccepted:
		// Materialized bounds check now that parameters exist.
		if c.bounds != nil {
			verdict := c.bounds.CheckReveal(optima.OptimizerID, optima.DomainID, msg.Parameters, nil)
			if !verdict.OK {
				if verdict.Slashable {
					c.rep.ApplyDelta(optima.OptimizerID, -reputation.PenaltyBoundsRepeat)
				}
				optima.Status = chain.OptimaRejected
				c.emitRejection(optima.ID, optima.DomainID, chain.ReasonBoundsExceeded)
				if c.feeMarket != nil {
					c.feeMarket.SettleRejected(optima.ID)
				}
				return commitreveal.RevealHashMismatch, nil
			}
		}
		return result, c.openVoting(optima, height, tipHash)

	default:
		return result, nil
	}
}

// openVoting selects the quorum and creates one verification task per
// selected evaluator.
func (c *Coordinator) openVoting(optima *chain.Optima, height uint64, tipHash string) []VerificationAssignment {
	eligible := c.rep.Eligible(c.directory.EvaluatorsFor(optima.DomainID))
	selected := c.quorums.SelectQuorum(optima.ID, optima.DomainID, optima.OptimizerID, tipHash, eligible)

	if selected == nil {
		// Not enough eligible evaluators: reject without optimizer
		// penalty; the optimizer may resubmit under a new id.
		optima.Status = chain.OptimaRejected
		c.emitRejection(optima.ID, optima.DomainID, chain.ReasonInsufficientQuorum)
		if c.feeMarket != nil {
			c.feeMarket.SettleRejected(optima.ID)
		}
		log.Infof("Optima %s rejected: insufficient quorum (%d eligible)", optima.ID, len(eligible))
		return nil
	}

	c.mu.Lock()
	c.inFlight[optima.ID] = optima
	c.mu.Unlock()

	optima.Status = chain.OptimaVoting
	c.quorums.OpenVoting(optima.ID, height)

	assignments := make([]VerificationAssignment, 0, len(selected))
	nowUnix := c.now().Unix()
	for _, evaluatorID := range selected {
		task := tasks.Task{
			ID:         tasks.NewTaskID(),
			DomainID:   optima.DomainID,
			Priority:   tasks.PriorityVerification,
			PayloadRef: optima.ID,
			Status:     tasks.StatusPending,
			CreatedAt:  nowUnix,
		}
		c.queue.Add(task)
		assignments = append(assignments, VerificationAssignment{Task: task, EvaluatorID: evaluatorID})
	}

	log.Infof("Voting opened for optima %s with quorum of %d", optima.ID, len(selected))
	return assignments
}

// HandleVote ingests a VOTE. When the full quorum has voted the optima
// is decided immediately.
func (c *Coordinator) HandleVote(v quorum.Vote) {
	state, complete := c.quorums.AddVote(v)
	if state == nil {
		return
	}
	if complete {
		c.decide(state)
	}
}

// OnBlockAppended advances block-denominated windows: expires stale
// commitments and decides votings whose window elapsed.
func (c *Coordinator) OnBlockAppended(height uint64) {
	for _, o := range c.commits.ExpireStale(height) {
		c.emitRejection(o.ID, o.DomainID, chain.ReasonExpired)
		if c.feeMarket != nil {
			c.feeMarket.SettleRejected(o.ID)
		}
		log.Debugf("Optima %s expired unrevealed", o.ID)
	}

	for _, state := range c.quorums.TimedOut(height, c.cfg.VotingTimeoutBlocks) {
		c.decide(state)
	}
}

// decide computes the quorum outcome and emits the paired
// transactions. Missing voters are penalized as no-shows.
func (c *Coordinator) decide(state *quorum.State) {
	defer c.quorums.MarkDecided(state.OptimaID)

	c.mu.Lock()
	optima := c.inFlight[state.OptimaID]
	delete(c.inFlight, state.OptimaID)
	c.mu.Unlock()
	if optima == nil {
		return
	}

	nowUnix := c.now().Unix()

	for _, missing := range state.MissingVoters() {
		delta := c.rep.RecordNoShow(missing)
		c.engine.RecordTransaction(chain.ReputationUpdateTx(missing, delta, nowUnix))
	}

	if !c.quorums.HasQuorum(state) {
		optima.Status = chain.OptimaRejected
		c.emitRejection(optima.ID, optima.DomainID, chain.ReasonInsufficientQuorum)
		if c.feeMarket != nil {
			c.feeMarket.SettleRejected(optima.ID)
		}
		log.Infof("Optima %s rejected: insufficient quorum (%d/%d votes)",
			optima.ID, len(state.Votes), len(state.Selected))
		return
	}

	domain, _ := c.registry.Domain(optima.DomainID)
	median := c.quorums.MedianMetric(state)

	c.mu.Lock()
	baseline, hasBaseline := c.runningBest[optima.DomainID], c.hasBest[optima.DomainID]
	c.mu.Unlock()

	var result incentives.Result
	if hasBaseline {
		result = incentives.Evaluate(optima.ReportedMetric, median, baseline,
			c.quorums.Config().Tolerance, domain.HigherIsBetter)
	} else {
		// First verified optima in the domain establishes the baseline
		// and contributes one bootstrap unit of increment.
		f, discrepancy, accepted := incentives.RewardFraction(optima.ReportedMetric, median, c.quorums.Config().Tolerance)
		result = incentives.Result{
			Accepted:           accepted,
			RewardFraction:     f,
			Confidence:         1 - discrepancy,
			Discrepancy:        discrepancy,
			EffectiveIncrement: 1.0,
		}
		if !accepted {
			result.EffectiveIncrement = 0
		}
	}

	if !result.Accepted {
		optima.Status = chain.OptimaRejected
		c.emitRejection(optima.ID, optima.DomainID, chain.ReasonReportDivergence)
		delta := c.rep.RecordVoteDivergent(optima.OptimizerID)
		c.engine.RecordTransaction(chain.ReputationUpdateTx(optima.OptimizerID, delta, nowUnix))
		if c.feeMarket != nil {
			c.feeMarket.SettleRejected(optima.ID)
		}
		c.settleVoterReputation(state, median, false, nowUnix)
		log.Infof("Optima %s rejected: report diverges from median (discrepancy %.2f)",
			optima.ID, result.Discrepancy)
		return
	}

	// Accept.
	optima.Status = chain.OptimaAccepted
	c.mu.Lock()
	if !c.hasBest[optima.DomainID] || incentives.Improvement(median, c.runningBest[optima.DomainID], domain.HigherIsBetter) > 0 {
		c.runningBest[optima.DomainID] = median
		c.hasBest[optima.DomainID] = true
	}
	c.mu.Unlock()

	meta := map[string]string{
		"performance_metric": domain.PerformanceMetric,
		"quorum_size":        strconv.Itoa(len(state.Selected)),
		"votes":              strconv.Itoa(len(state.Votes)),
	}
	tx := chain.AcceptedOptimaTx(optima, result.EffectiveIncrement, result.RewardFraction, meta, nowUnix)
	c.engine.RecordAccepted(tx)

	// Optimizer reward: base plus confidence-scaled bonus.
	delta := c.rep.RecordVoteAligned(optima.OptimizerID, result.Confidence)
	c.engine.RecordTransaction(chain.ReputationUpdateTx(optima.OptimizerID, delta, nowUnix))
	if c.feeMarket != nil {
		c.feeMarket.SettleAccepted(optima.ID)
	}

	c.settleVoterReputation(state, median, true, nowUnix)

	c.mu.Lock()
	c.blockOptimizers = append(c.blockOptimizers, coin.OptimizerWork{
		PeerID:             optima.OptimizerID,
		EffectiveIncrement: result.EffectiveIncrement,
		RewardFraction:     result.RewardFraction,
	})
	for evaluator := range state.Votes {
		c.blockEvaluators = append(c.blockEvaluators, evaluator)
	}
	c.mu.Unlock()

	log.Infof("Optima %s ACCEPTED: median %.4f, increment %.4f, reward fraction %.2f",
		optima.ID, median, result.EffectiveIncrement, result.RewardFraction)
}

// settleVoterReputation rewards voters within tolerance of the median
// and slashes divergent ones. On a rejected optima nobody diverged
// from an accepted outcome, so voters are simply credited for the
// completed evaluation.
func (c *Coordinator) settleVoterReputation(state *quorum.State, median float64, accepted bool, nowUnix int64) {
	tolerance := math.Max(c.quorums.Config().Tolerance, 1e-9)
	for evaluator, vote := range state.Votes {
		var delta float64
		discrepancy := math.Abs(vote.MeasuredMetric-median) / tolerance
		if !accepted || discrepancy <= 1 {
			confidence := 1 - math.Min(discrepancy, 1)
			delta = c.rep.RecordVoteAligned(evaluator, confidence)
		} else {
			delta = c.rep.RecordVoteDivergent(evaluator)
		}
		c.engine.RecordTransaction(chain.ReputationUpdateTx(evaluator, delta, nowUnix))
	}
}

// emitRejection queues a REJECTED_OPTIMA transaction.
func (c *Coordinator) emitRejection(optimaID, domainID, reason string) {
	c.engine.RecordTransaction(chain.RejectedOptimaTx(optimaID, domainID, reason, c.now().Unix()))
}

// BuildDistribution assembles the COIN_DISTRIBUTION for the next block
// from the contributions accumulated since the last one, and clears
// them.
func (c *Coordinator) BuildDistribution(height uint64, generatorID string, mintedSoFar uint64) (chain.Transaction, bool) {
	c.mu.Lock()
	optimizers := c.blockOptimizers
	evaluators := c.blockEvaluators
	c.blockOptimizers = nil
	c.blockEvaluators = nil
	c.mu.Unlock()

	shares := coin.DistributeReward(height, generatorID, optimizers, evaluators, mintedSoFar)
	if len(shares) == 0 {
		return chain.Transaction{}, false
	}
	return chain.CoinDistributionTx(shares, c.now().Unix()), true
}

// InFlightCount returns the number of optimae between reveal and
// decision.
func (c *Coordinator) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

