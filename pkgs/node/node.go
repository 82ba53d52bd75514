// Package node assembles the core DOIN node: chain store, reputation,
// coin ledger, task queue, coordinator and proof-of-optimization
// engine, driven by a single cooperative loop. All shared state is
// owned by that loop; P2P handlers and the worker pool only enqueue
// work into it.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/config"
	"github.com/harveybc/doin-core/pkgs/bounds"
	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/coin"
	"github.com/harveybc/doin-core/pkgs/commitreveal"
	"github.com/harveybc/doin-core/pkgs/coordinator"
	doincrypto "github.com/harveybc/doin-core/pkgs/crypto"
	"github.com/harveybc/doin-core/pkgs/doinerr"
	"github.com/harveybc/doin-core/pkgs/events"
	"github.com/harveybc/doin-core/pkgs/forkchoice"
	"github.com/harveybc/doin-core/pkgs/metrics"
	"github.com/harveybc/doin-core/pkgs/p2p"
	"github.com/harveybc/doin-core/pkgs/plugins"
	"github.com/harveybc/doin-core/pkgs/poo"
	"github.com/harveybc/doin-core/pkgs/quorum"
	"github.com/harveybc/doin-core/pkgs/reputation"
	"github.com/harveybc/doin-core/pkgs/tasks"
	"github.com/harveybc/doin-core/pkgs/weights"
)

// Mode is the node's operating mode as surfaced on /status.
type Mode string

const (
	ModeNormal  Mode = "NORMAL"
	ModeSyncing Mode = "SYNCING"
	ModeSuspect Mode = "SUSPECT"
	ModeHalted  Mode = "HALTED"
)

// Exit codes per the control surface contract.
const (
	ExitClean       = 0
	ExitFatal       = 1
	ExitConfigError = 2
)

// directory tracks which peers evaluate which domains, learned from
// PEER_DISCOVERY announcements.
type directory struct {
	mu         sync.RWMutex
	evaluators map[string][]string // domain id -> peer ids
}

func newDirectory() *directory {
	return &directory{evaluators: make(map[string][]string)}
}

func (d *directory) EvaluatorsFor(domainID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.evaluators[domainID]...)
}

func (d *directory) addEvaluator(domainID, peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.evaluators[domainID] {
		if id == peerID {
			return
		}
	}
	d.evaluators[domainID] = append(d.evaluators[domainID], peerID)
}

// Node is the process-wide core instance. Instantiated at boot, torn
// down on shutdown.
type Node struct {
	cfg      *config.Settings
	identity *doincrypto.Identity
	registry *plugins.Registry

	store      *chain.Store
	chainLog   *chain.Log
	engine     *poo.Engine
	finality   *forkchoice.FinalityManager
	forkRule   *forkchoice.Rule
	anchors    *forkchoice.AnchorManager
	rep        *reputation.Tracker
	ledger     *coin.Ledger
	feeMarket  *coin.FeeMarket
	queue      *tasks.Queue
	coord      *coordinator.Coordinator
	weightCalc *weights.Calculator
	quorums    *quorum.Manager
	commits    *commitreveal.Manager
	pool       *coordinator.WorkerPool

	host   *p2p.Host
	flood  *p2p.Flood
	syncer *p2p.Syncer

	redisClient *redis.Client
	emitter     *events.Emitter
	collector   *metrics.Collector
	directory   *directory

	// ingress serializes every state mutation onto the main loop.
	ingress chan func()

	mu     sync.RWMutex
	mode   Mode
	halted error

	lastFloodReceived  uint64
	lastFloodForwarded uint64
	lastFloodDropped   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the full node from settings. Plugins must already be
// registered on the registry.
func New(ctx context.Context, cfg *config.Settings, registry *plugins.Registry) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	identity, err := doincrypto.LoadOrGenerateIdentity(cfg.IdentityKeyPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize identity: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(nodeCtx).Err(); err != nil {
		log.WithError(err).Warn("Redis unreachable; dedup and anchoring run degraded")
		redisClient = nil
	}

	store := chain.NewStore()
	chainLog, err := chain.OpenLog(cfg.ChainDataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open chain log: %w", err)
	}

	// Replay persisted blocks into the store.
	replayed := 0
	if err := chainLog.Replay(func(b *chain.Block) error {
		if b.Index == 0 {
			return nil // genesis is implicit
		}
		if err := store.Append(b, 0); err != nil {
			return err
		}
		replayed++
		return nil
	}); err != nil {
		cancel()
		chainLog.Close()
		return nil, doinerr.Wrap(doinerr.Fatal, "chain log replay failed", err)
	}
	if replayed > 0 {
		log.Infof("Replayed %d block(s) from chain log, height %d", replayed, store.Height())
	}

	controller := poo.NewThresholdController(cfg.InitialThreshold, float64(cfg.TargetBlockTimeSeconds))
	engine := poo.NewEngine(controller)

	rep := reputation.NewTracker(cfg.ReputationHalfLife)
	ledger := coin.NewLedger()
	feeMarket := coin.NewFeeMarket(100)
	queue := tasks.NewQueue(cfg.ClaimTimeout)

	quorums := quorum.NewManager(quorum.Config{
		MinEvaluators: cfg.QuorumMinEvaluators,
		MaxEvaluators: cfg.QuorumMaxEvaluators,
		Fraction:      cfg.QuorumFraction,
		Tolerance:     cfg.QuorumTolerance,
	})

	boundsValidator := bounds.NewValidator(bounds.Limits{
		MaxParamBytes:      cfg.MaxParamBytes,
		MaxTrainingSeconds: cfg.MaxTrainingSeconds,
		MaxMemoryMB:        cfg.MaxMemoryMB,
	}, time.Hour)

	dir := newDirectory()
	commits := commitreveal.NewManager(cfg.CommitRevealWindowBlocks, nil, feeMarket)

	coord := coordinator.New(coordinator.Config{
		VotingTimeoutBlocks: cfg.VotingTimeoutBlocks,
		EvalDeadline:        time.Duration(cfg.MaxTrainingSeconds) * time.Second,
	}, registry, commits, quorums, rep, boundsValidator, engine, feeMarket, queue, dir)

	weightCalc := weights.NewCalculator(weights.DefaultConfig())
	for _, id := range registry.DomainIDs() {
		d, _ := registry.Domain(id)
		weightCalc.RegisterDomain(id, d.BaseWeight, registry.HasSynthetic(id))
	}
	for id, w := range weightCalc.Compute() {
		engine.SetDomainWeight(id, w)
	}

	finality := forkchoice.NewFinalityManager(store, cfg.ConfirmationDepth)
	forkRule := forkchoice.NewRule(store)

	var sink forkchoice.AnchorSink
	if redisClient != nil && cfg.EnableAnchors {
		sink = forkchoice.NewRedisAnchorSink(redisClient, "doin")
	}
	anchors := forkchoice.NewAnchorManager(store, sink, cfg.ExternalAnchorIntervalBlocks)

	pool := coordinator.NewWorkerPool(nodeCtx, registry, cfg.EvalWorkers, cfg.EvalQueueSize, 1024)

	n := &Node{
		cfg:         cfg,
		identity:    identity,
		registry:    registry,
		store:       store,
		chainLog:    chainLog,
		engine:      engine,
		finality:    finality,
		forkRule:    forkRule,
		anchors:     anchors,
		rep:         rep,
		ledger:      ledger,
		feeMarket:   feeMarket,
		queue:       queue,
		coord:       coord,
		weightCalc:  weightCalc,
		quorums:     quorums,
		commits:     commits,
		pool:        pool,
		redisClient: redisClient,
		emitter:     events.NewEmitter(identity.PeerID(), 256, redisClient),
		collector:   metrics.NewCollector(),
		directory:   dir,
		ingress:     make(chan func(), 1024),
		mode:        ModeNormal,
		ctx:         nodeCtx,
		cancel:      cancel,
	}

	// Rebuild derived state (weights, finality, balances) from the
	// replayed chain.
	for _, b := range store.Range(1, store.Height()) {
		n.applyBlockState(b)
	}
	if h := store.Height(); h >= cfg.ConfirmationDepth && h > 0 {
		fin := h - cfg.ConfirmationDepth
		store.SetFinalizedHeight(fin)
		if fin >= 1 {
			for _, b := range store.Range(1, fin) {
				n.ledger.ApplyBlock(b)
			}
		}
	}
	n.emitter.Start(nodeCtx)
	n.collector.SetMode(string(ModeNormal))

	log.Infof("DOIN node initialized: peer %s, height %d, %d domain(s)",
		identity.PeerID(), store.Height(), len(registry.DomainIDs()))
	return n, nil
}

// Identity returns the node's consensus identity.
func (n *Node) Identity() *doincrypto.Identity {
	return n.identity
}

// Store exposes the chain store for the API layer (read-only use).
func (n *Node) Store() *chain.Store {
	return n.store
}

// Queue exposes the task queue for the API layer.
func (n *Node) Queue() *tasks.Queue {
	return n.queue
}

// Ledger exposes the coin ledger.
func (n *Node) Ledger() *coin.Ledger {
	return n.ledger
}

// Engine exposes the proof-of-optimization engine.
func (n *Node) Engine() *poo.Engine {
	return n.engine
}

// Reputation exposes the reputation tracker.
func (n *Node) Reputation() *reputation.Tracker {
	return n.rep
}

// Coordinator exposes the lifecycle coordinator.
func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coord
}

// Metrics exposes the prometheus collector.
func (n *Node) Metrics() *metrics.Collector {
	return n.collector
}

// Mode returns the current operating mode.
func (n *Node) Mode() Mode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.anchors.Suspect() {
		return ModeSuspect
	}
	if n.syncer != nil && n.syncer.Syncing() {
		return ModeSyncing
	}
	return n.mode
}

func (n *Node) setMode(m Mode) {
	n.mu.Lock()
	old := n.mode
	n.mode = m
	n.mu.Unlock()
	if old != m {
		n.collector.SetMode(string(m))
		n.emitter.Emit(events.EventModeChanged, map[string]any{"from": string(old), "to": string(m)})
	}
}

// KnownPeers lists consensus peer ids with registered keys.
func (n *Node) KnownPeers() []string {
	if n.flood == nil {
		return nil
	}
	return n.flood.KnownPeerIDs()
}

// enqueue pushes a closure onto the main loop. Drops with an error log
// when the loop is saturated; flood retransmission recovers the state.
func (n *Node) enqueue(fn func()) {
	select {
	case n.ingress <- fn:
	default:
		log.Error("Main loop ingress saturated, dropping event")
	}
}

// DrainIngressForTest synchronously runs queued main-loop events when
// Run is not active. Test hook.
func (n *Node) DrainIngressForTest() {
	for {
		select {
		case fn := <-n.ingress:
			fn()
		default:
			return
		}
	}
}

// Run executes the main loop until the context ends or a fatal error
// halts the node. Returns the exit code.
func (n *Node) Run() int {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.shutdown()

		case fn := <-n.ingress:
			fn()

		case res := <-n.pool.Results():
			n.handleEvalResult(res)

		case <-ticker.C:
			if n.Mode() == ModeHalted {
				return ExitFatal
			}
			n.tick()
		}
	}
}

// tick runs the periodic work: block generation, task reopening,
// anchor publication, metric refresh.
func (n *Node) tick() {
	if n.Mode() == ModeSuspect {
		// No further progress until an operator intervenes.
		return
	}

	if n.engine.CanGenerateBlock() {
		n.generateBlock()
	}

	n.queue.ReopenAbandoned()

	before := len(n.anchors.Published())
	if err := n.anchors.PublishIfDue(n.ctx); err != nil {
		log.WithError(err).Warn("Anchor publication failed")
	} else if len(n.anchors.Published()) > before {
		n.collector.AnchorsPublished.Inc()
		n.emitter.Emit(events.EventAnchorPublished, map[string]any{"height": n.store.Height()})
	}

	n.refreshMetrics()
}

func (n *Node) refreshMetrics() {
	n.collector.ChainHeight.Set(float64(n.store.Height()))
	n.collector.FinalizedHeight.Set(float64(n.store.FinalizedHeight()))
	n.collector.Threshold.Set(n.engine.Threshold())
	n.collector.WeightedSum.Set(n.engine.WeightedSum())
	n.collector.PendingOptimae.Set(float64(n.coord.InFlightCount()))
	pending, _, _, _ := n.queue.Counts()
	n.collector.PendingTasks.Set(float64(pending))

	if n.flood != nil {
		received, forwarded, dropped := n.flood.Stats()
		n.collector.FloodReceived.Add(float64(received - n.lastFloodReceived))
		n.collector.FloodForwarded.Add(float64(forwarded - n.lastFloodForwarded))
		n.collector.FloodDropped.Add(float64(dropped - n.lastFloodDropped))
		n.lastFloodReceived, n.lastFloodForwarded, n.lastFloodDropped = received, forwarded, dropped
	}
}

// HandleExternalAnchor checks a received anchor against local history
// on the main loop. Divergence flips the node into SUSPECT mode.
func (n *Node) HandleExternalAnchor(anchor forkchoice.Anchor) {
	n.enqueue(func() {
		if err := n.anchors.VerifyReceived(anchor); err != nil {
			log.WithError(err).Error("External anchor diverges from local chain")
			n.setMode(ModeSuspect)
		}
	})
}

// ClearSuspect resets SUSPECT mode after operator intervention.
func (n *Node) ClearSuspect() {
	n.anchors.OperatorClear()
	n.setMode(ModeNormal)
}

// Anchors exposes the anchor manager.
func (n *Node) Anchors() *forkchoice.AnchorManager {
	return n.anchors
}

// Halt stops the node with a fatal diagnostic.
func (n *Node) Halt(err error) {
	n.mu.Lock()
	n.halted = err
	n.mu.Unlock()
	n.setMode(ModeHalted)
	log.WithError(err).Error("Node halted")
	n.cancel()
}

func (n *Node) shutdown() int {
	log.Info("Shutting down")
	n.pool.Close()
	n.emitter.Stop()
	if n.flood != nil {
		n.flood.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
	if err := n.chainLog.Close(); err != nil {
		log.WithError(err).Error("Failed to close chain log")
	}
	if n.redisClient != nil {
		n.redisClient.Close()
	}

	n.mu.RLock()
	halted := n.halted
	n.mu.RUnlock()
	if halted != nil {
		return ExitFatal
	}
	return ExitClean
}
