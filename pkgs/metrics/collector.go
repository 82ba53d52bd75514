// Package metrics exposes the node's operational gauges and counters
// via Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Collector holds all node metrics.
type Collector struct {
	registry *prometheus.Registry

	ChainHeight     prometheus.Gauge
	FinalizedHeight prometheus.Gauge
	Threshold       prometheus.Gauge
	WeightedSum     prometheus.Gauge
	PendingOptimae  prometheus.Gauge
	PendingTasks    prometheus.Gauge
	NodeMode        *prometheus.GaugeVec

	BlocksGenerated  prometheus.Counter
	BlocksReceived   prometheus.Counter
	Reorgs           prometheus.Counter
	OptimaeAccepted  prometheus.Counter
	OptimaeRejected  prometheus.Counter
	FloodReceived    prometheus.Counter
	FloodForwarded   prometheus.Counter
	FloodDropped     prometheus.Counter
	VotesReceived    prometheus.Counter
	AnchorsPublished prometheus.Counter
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doin_chain_height", Help: "Canonical chain height",
	})
	c.FinalizedHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doin_finalized_height", Help: "Highest finalized block",
	})
	c.Threshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doin_poo_threshold", Help: "Current proof-of-optimization threshold",
	})
	c.WeightedSum = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doin_poo_weighted_sum", Help: "Accumulated weighted increment since last block",
	})
	c.PendingOptimae = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doin_pending_optimae", Help: "Optimae between reveal and decision",
	})
	c.PendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doin_pending_tasks", Help: "Pending tasks in the local queue view",
	})
	c.NodeMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doin_node_mode", Help: "Node mode (1 for the active mode)",
	}, []string{"mode"})

	c.BlocksGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_blocks_generated_total", Help: "Blocks generated by this node",
	})
	c.BlocksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_blocks_received_total", Help: "Blocks accepted from the network",
	})
	c.Reorgs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_reorgs_total", Help: "Chain reorganizations performed",
	})
	c.OptimaeAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_optimae_accepted_total", Help: "Optimae accepted by quorum",
	})
	c.OptimaeRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_optimae_rejected_total", Help: "Optimae rejected",
	})
	c.FloodReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_flood_received_total", Help: "Flood messages delivered locally",
	})
	c.FloodForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_flood_forwarded_total", Help: "Flood messages re-forwarded",
	})
	c.FloodDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_flood_dropped_total", Help: "Flood messages dropped (dup, malformed, untrusted)",
	})
	c.VotesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_votes_received_total", Help: "Quorum votes received",
	})
	c.AnchorsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doin_anchors_published_total", Help: "External anchors published",
	})

	c.registry.MustRegister(
		c.ChainHeight, c.FinalizedHeight, c.Threshold, c.WeightedSum,
		c.PendingOptimae, c.PendingTasks, c.NodeMode,
		c.BlocksGenerated, c.BlocksReceived, c.Reorgs,
		c.OptimaeAccepted, c.OptimaeRejected,
		c.FloodReceived, c.FloodForwarded, c.FloodDropped,
		c.VotesReceived, c.AnchorsPublished,
	)
	return c
}

// SetMode flips the mode gauge so exactly one label reads 1.
func (c *Collector) SetMode(mode string) {
	for _, m := range []string{"NORMAL", "SYNCING", "SUSPECT", "HALTED"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		c.NodeMode.WithLabelValues(m).Set(v)
	}
}

// Serve exposes /metrics on the given port. Blocks; run in a goroutine.
func (c *Collector) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Infof("Metrics server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
