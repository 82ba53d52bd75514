package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/commitreveal"
	"github.com/harveybc/doin-core/pkgs/coordinator"
	doincrypto "github.com/harveybc/doin-core/pkgs/crypto"
	"github.com/harveybc/doin-core/pkgs/deduplication"
	"github.com/harveybc/doin-core/pkgs/events"
	"github.com/harveybc/doin-core/pkgs/p2p"
	"github.com/harveybc/doin-core/pkgs/protocol"
	"github.com/harveybc/doin-core/pkgs/quorum"
	"github.com/harveybc/doin-core/pkgs/seedpolicy"
	"github.com/harveybc/doin-core/pkgs/tasks"
)

// StartNetwork brings up the P2P host, flood protocol and block sync,
// and announces this peer.
func (n *Node) StartNetwork() error {
	host, err := p2p.NewHost(n.ctx, p2p.HostConfig{
		Port:           n.cfg.P2PPort,
		PrivateKeyHex:  n.cfg.P2PPrivateKey,
		PublicIP:       n.cfg.P2PPublicIP,
		BootstrapPeers: n.cfg.BootstrapPeers,
	})
	if err != nil {
		return err
	}
	n.host = host

	dedup, err := deduplication.NewDeduplicator(n.redisClient, n.cfg.DedupCacheSize, n.cfg.DedupTTL)
	if err != nil {
		return err
	}

	flood, err := p2p.NewFlood(n.ctx, host, n.identity, dedup)
	if err != nil {
		return err
	}
	n.flood = flood

	n.syncer = p2p.NewSyncer(flood, n.store, func(b *chain.Block) {
		n.engine.ObserveExternalBlock(b)
		n.applyBlockState(b)
		n.afterAppend(b, false)
	}, func() int64 { return time.Now().Unix() })

	n.registerHandlers()
	n.announceSelf()
	return nil
}

// registerHandlers routes each message type onto the main loop.
func (n *Node) registerHandlers() {
	n.flood.Subscribe(protocol.MsgOptimaeCommit, func(env *protocol.Envelope, from peer.ID) {
		var msg protocol.OptimaeCommit
		if err := protocol.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if msg.OptimizerID != env.Origin {
			return // commit must come from its optimizer
		}
		n.enqueue(func() { n.handleCommit(msg, env) })
	})

	n.flood.Subscribe(protocol.MsgOptimaeReveal, func(env *protocol.Envelope, from peer.ID) {
		var msg protocol.OptimaeReveal
		if err := protocol.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		n.enqueue(func() { n.handleReveal(msg, env) })
	})

	n.flood.Subscribe(protocol.MsgVote, func(env *protocol.Envelope, from peer.ID) {
		var v quorum.Vote
		if err := protocol.Unmarshal(env.Payload, &v); err != nil {
			return
		}
		if v.EvaluatorID != env.Origin {
			return
		}
		n.enqueue(func() {
			n.collector.VotesReceived.Inc()
			n.coord.HandleVote(v)
		})
	})

	n.flood.Subscribe(protocol.MsgBlockAnnounce, func(env *protocol.Envelope, from peer.ID) {
		var ann protocol.BlockAnnouncement
		if err := protocol.Unmarshal(env.Payload, &ann); err != nil {
			return
		}
		n.enqueue(func() {
			if n.Mode() == ModeSuspect {
				return
			}
			n.syncer.OnAnnouncement(ann)
		})
	})

	n.flood.Subscribe(protocol.MsgChainStatus, func(env *protocol.Envelope, from peer.ID) {
		var status protocol.ChainStatus
		if err := protocol.Unmarshal(env.Payload, &status); err != nil {
			return
		}
		n.enqueue(func() { n.syncer.OnStatus(status) })
	})

	n.flood.Subscribe(protocol.MsgBlockRequest, func(env *protocol.Envelope, from peer.ID) {
		var req protocol.BlockRequest
		if err := protocol.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		n.enqueue(func() { n.syncer.OnRequest(req) })
	})

	n.flood.Subscribe(protocol.MsgBlockResponse, func(env *protocol.Envelope, from peer.ID) {
		var resp protocol.BlockResponse
		if err := protocol.Unmarshal(env.Payload, &resp); err != nil {
			return
		}
		n.enqueue(func() {
			if n.Mode() == ModeSuspect {
				return
			}
			n.syncer.OnResponse(resp, from)
		})
	})

	n.flood.Subscribe(protocol.MsgTaskCreated, func(env *protocol.Envelope, from peer.ID) {
		var msg protocol.TaskCreated
		if err := protocol.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		n.enqueue(func() { n.queue.Add(msg.Task) })
	})

	n.flood.Subscribe(protocol.MsgTaskClaimed, func(env *protocol.Envelope, from peer.ID) {
		var msg protocol.TaskClaimed
		if err := protocol.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if msg.Claim.PeerID != env.Origin {
			return
		}
		n.enqueue(func() { n.queue.ApplyClaim(msg.TaskID, msg.Claim) })
	})

	n.flood.Subscribe(protocol.MsgTaskCompleted, func(env *protocol.Envelope, from peer.ID) {
		var msg protocol.TaskCompleted
		if err := protocol.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if msg.PeerID != env.Origin {
			return
		}
		n.enqueue(func() { n.handleTaskCompleted(msg) })
	})

	n.flood.Subscribe(protocol.MsgPeerDiscovery, func(env *protocol.Envelope, from peer.ID) {
		var msg protocol.PeerDiscovery
		if err := protocol.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		n.enqueue(func() { n.handleDiscovery(msg) })
	})
}

// announceSelf floods our discovery record.
func (n *Node) announceSelf() {
	msg := protocol.PeerDiscovery{
		PeerID:    n.identity.PeerID(),
		PublicKey: n.identity.PublicKeyBytes(),
		Domains:   n.registry.DomainIDs(),
		Roles:     []string{"optimizer", "evaluator", "node"},
	}
	n.publish(protocol.MsgPeerDiscovery, msg)
}

// publish marshals and floods a message, logging failures.
func (n *Node) publish(t protocol.MsgType, v any) {
	if n.flood == nil {
		return
	}
	payload, err := protocol.Marshal(v)
	if err != nil {
		log.WithError(err).Errorf("Failed to marshal %s", t)
		return
	}
	if _, err := n.flood.Publish(t, payload); err != nil {
		log.WithError(err).Errorf("Failed to publish %s", t)
	}
}

func (n *Node) handleDiscovery(msg protocol.PeerDiscovery) {
	if err := n.flood.RegisterPeerKey(msg.PeerID, msg.PublicKey); err != nil {
		log.WithError(err).Debugf("Rejecting discovery from %s", msg.PeerID)
		return
	}
	for _, role := range msg.Roles {
		if role == "evaluator" {
			for _, domainID := range msg.Domains {
				n.directory.addEvaluator(domainID, msg.PeerID)
			}
		}
	}
}

func (n *Node) handleCommit(msg protocol.OptimaeCommit, env *protocol.Envelope) {
	result := n.coord.HandleCommit(msg, n.store.Height(), env.SigningBytes(), env.Signature)
	if result != commitreveal.CommitAccepted {
		log.Debugf("Commit %s from %s: %s", msg.OptimaID, msg.OptimizerID, result)
	}
}

func (n *Node) handleReveal(msg protocol.OptimaeReveal, env *protocol.Envelope) {
	result, assignments := n.coord.HandleReveal(msg, n.store.Height(), n.store.TipHash(),
		env.SigningBytes(), env.Signature)
	if result != commitreveal.RevealAccepted {
		log.Debugf("Reveal %s: %s", msg.OptimaID, result)
		return
	}

	// Flood the verification tasks, then run any assigned to us.
	for _, a := range assignments {
		n.publish(protocol.MsgTaskCreated, protocol.TaskCreated{Task: a.Task})
		if a.EvaluatorID == n.identity.PeerID() {
			n.claimAndEvaluate(a.Task, msg)
		}
	}
}

// claimAndEvaluate claims a verification task addressed to this node
// and submits the plugin evaluation to the worker pool.
func (n *Node) claimAndEvaluate(task tasks.Task, reveal protocol.OptimaeReveal) {
	claim := tasks.Claim{
		PeerID:      n.identity.PeerID(),
		BlockHeight: n.store.Height(),
		Timestamp:   time.Now().Unix(),
	}
	if !n.queue.ApplyClaim(task.ID, claim) {
		return
	}
	n.publish(protocol.MsgTaskClaimed, protocol.TaskClaimed{TaskID: task.ID, Claim: claim})

	optima, ok := n.commits.Get(reveal.OptimaID)
	if !ok {
		return
	}

	job := n.evalJob(task, optima.CommitHash, optima.DomainID, reveal.Parameters)
	if !n.pool.Submit(job) {
		n.queue.Fail(task.ID, n.identity.PeerID())
	}
}

func (n *Node) evalJob(task tasks.Task, commitHash, domainID string, parameters []byte) coordinator.EvalJob {
	return coordinator.EvalJob{
		OptimaID:      task.PayloadRef,
		DomainID:      domainID,
		TaskID:        task.ID,
		Parameters:    parameters,
		SyntheticSeed: seedpolicy.SyntheticSeed(commitHash, domainID, n.identity.PeerID(), n.store.TipHash()),
		Deadline:      time.Duration(n.cfg.MaxTrainingSeconds) * time.Second,
	}
}

// handleEvalResult turns a worker-pool result into a signed vote and a
// task completion. Timeouts surface as no-shows by simply not voting.
func (n *Node) handleEvalResult(res coordinator.EvalResult) {
	if res.Err != nil {
		if res.TimedOut {
			log.Warnf("Evaluation of optima %s timed out", res.OptimaID)
		} else {
			log.WithError(res.Err).Errorf("Evaluation of optima %s failed", res.OptimaID)
		}
		n.queue.Fail(res.TaskID, n.identity.PeerID())
		return
	}

	vote := quorum.Vote{
		OptimaID:       res.OptimaID,
		EvaluatorID:    n.identity.PeerID(),
		MeasuredMetric: res.Metric,
	}
	payload, err := protocol.Marshal(vote)
	if err != nil {
		return
	}
	sig, err := n.identity.Sign(payload)
	if err != nil {
		return
	}
	vote.Signature = sig

	// Deliver locally and flood.
	n.collector.VotesReceived.Inc()
	n.coord.HandleVote(vote)
	n.publish(protocol.MsgVote, vote)

	resultHash := doincrypto.HashHex(payload)
	if n.queue.Complete(res.TaskID, n.identity.PeerID(), resultHash) {
		n.publish(protocol.MsgTaskCompleted, protocol.TaskCompleted{
			TaskID:     res.TaskID,
			PeerID:     n.identity.PeerID(),
			DomainID:   res.DomainID,
			ResultHash: resultHash,
		})
		n.engine.RecordTransaction(chain.CompletedTaskTx(res.TaskID, res.DomainID,
			n.identity.PeerID(), resultHash, time.Now().Unix()))
	}
}

func (n *Node) handleTaskCompleted(msg protocol.TaskCompleted) {
	if n.queue.Complete(msg.TaskID, msg.PeerID, msg.ResultHash) {
		n.engine.RecordTransaction(chain.CompletedTaskTx(msg.TaskID, msg.DomainID,
			msg.PeerID, msg.ResultHash, time.Now().Unix()))
	}
}

// generateBlock assembles and appends a block once the threshold is
// crossed, then announces it.
func (n *Node) generateBlock() {
	parent := n.store.Tip()

	// The coin distribution for this block's contributions rides in the
	// same block.
	if tx, ok := n.coord.BuildDistribution(parent.Index+1, n.identity.PeerID(), n.ledger.TotalMinted()); ok {
		n.engine.RecordTransaction(tx)
	}

	block := n.engine.GenerateBlock(parent, n.identity.PeerID(), time.Now().Unix())
	if block == nil {
		return
	}

	if err := n.store.Append(block, time.Now().Unix()); err != nil {
		log.WithError(err).Error("Failed to append own block")
		return
	}
	n.collector.BlocksGenerated.Inc()
	n.feeMarket.OnBlock(len(block.Transactions))
	n.applyBlockState(block)
	n.afterAppend(block, true)

	n.publish(protocol.MsgBlockAnnounce, protocol.BlockAnnouncement{
		Index:         block.Index,
		BlockHash:     block.BlockHash,
		PreviousHash:  block.PreviousHash,
		GeneratorID:   block.GeneratorID,
		TxCount:       len(block.Transactions),
		ThresholdUsed: block.ThresholdUsed,
	})
	n.emitter.Emit(events.EventBlockGenerated, map[string]any{
		"index": block.Index, "hash": block.BlockHash, "txs": len(block.Transactions),
	})
}

// applyBlockState folds a block into the derived state: weights and
// counters. Balances wait for finality.
func (n *Node) applyBlockState(b *chain.Block) {
	n.weightCalc.ObserveBlock(b)
	for id, w := range n.weightCalc.Compute() {
		n.engine.SetDomainWeight(id, w)
	}
	for i := range b.Transactions {
		switch b.Transactions[i].Type {
		case chain.TxAcceptedOptima:
			n.collector.OptimaeAccepted.Inc()
		case chain.TxRejectedOptima:
			n.collector.OptimaeRejected.Inc()
		}
	}
}

// afterAppend runs the post-append pipeline shared by generated,
// synced and flooded blocks: persistence, window advancement, fork
// choice, finality and anchoring.
func (n *Node) afterAppend(b *chain.Block, generated bool) {
	if err := n.chainLog.Append(b); err != nil {
		n.Halt(err)
		return
	}

	n.coord.OnBlockAppended(n.store.Height())

	if _, reorged, err := n.forkRule.Evaluate(); err == nil && reorged {
		n.collector.Reorgs.Inc()
		n.emitter.Emit(events.EventReorg, map[string]any{"tip": n.store.TipHash()})
	}

	if finalized := n.finality.OnNewBlock(); finalized != nil {
		// Balances only move on finality, so reorg rollback never has
		// to touch the ledger.
		n.ledger.ApplyBlock(finalized)
		n.emitter.Emit(events.EventBlockFinalized, map[string]any{
			"index": finalized.Index, "hash": finalized.BlockHash,
		})
	}

	if !generated {
		n.collector.BlocksReceived.Inc()
		n.emitter.Emit(events.EventBlockReceived, map[string]any{"index": b.Index})
	}
}
