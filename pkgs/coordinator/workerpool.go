package coordinator

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/plugins"
)

// EvalJob is one verification assignment for the local evaluator.
type EvalJob struct {
	OptimaID      string
	DomainID      string
	TaskID        string
	Parameters    []byte
	SyntheticSeed uint64
	Deadline      time.Duration
}

// EvalResult is what a worker reports back to the main loop.
type EvalResult struct {
	OptimaID string
	TaskID   string
	DomainID string
	Metric   float64
	Err      error
	TimedOut bool
}

// WorkerPool runs plugin evaluations on a fixed set of goroutines so
// heavy model work never blocks protocol handling. Each job carries a
// wall-clock deadline; expiry is reported as a timeout, which the
// coordinator treats as an evaluator no-show.
type WorkerPool struct {
	registry *plugins.Registry
	jobs     chan EvalJob
	results  chan EvalResult
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	syntheticSize int
}

// NewWorkerPool starts workers goroutines consuming evaluation jobs.
func NewWorkerPool(ctx context.Context, registry *plugins.Registry, workers, queueDepth, syntheticSize int) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if syntheticSize <= 0 {
		syntheticSize = 1024
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		registry:      registry,
		jobs:          make(chan EvalJob, queueDepth),
		results:       make(chan EvalResult, queueDepth),
		cancel:        cancel,
		syntheticSize: syntheticSize,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(poolCtx, i)
	}
	log.Infof("Evaluation worker pool started with %d worker(s)", workers)
	return p
}

// Submit enqueues a job. Returns false when the queue is full; the
// caller treats that as a transient no-show rather than blocking the
// main loop.
func (p *WorkerPool) Submit(job EvalJob) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		log.Warnf("Worker pool saturated, dropping evaluation for optima %s", job.OptimaID)
		return false
	}
}

// Results is the channel the main loop consumes.
func (p *WorkerPool) Results() <-chan EvalResult {
	return p.results
}

func (p *WorkerPool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.results <- p.run(ctx, job)
		}
	}
}

// run evaluates one optima under its deadline.
func (p *WorkerPool) run(ctx context.Context, job EvalJob) EvalResult {
	res := EvalResult{OptimaID: job.OptimaID, TaskID: job.TaskID, DomainID: job.DomainID}

	caps, ok := p.registry.Capabilities(job.DomainID)
	if !ok {
		res.Err = context.Canceled
		return res
	}

	deadline := job.Deadline
	if deadline <= 0 {
		deadline = time.Hour
	}
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var data []byte
	if caps.Synthetic != nil {
		var err error
		data, err = caps.Synthetic.GenerateSynthetic(jobCtx, job.SyntheticSeed, p.syntheticSize)
		if err != nil {
			res.Err = err
			res.TimedOut = jobCtx.Err() == context.DeadlineExceeded
			return res
		}
	}

	metric, err := caps.Inferrer.Infer(jobCtx, job.Parameters, data)
	if err != nil {
		res.Err = err
		res.TimedOut = jobCtx.Err() == context.DeadlineExceeded
		return res
	}

	res.Metric = metric
	return res
}

// Close stops the workers and waits for them to drain.
func (p *WorkerPool) Close() {
	p.cancel()
	p.wg.Wait()
}
