package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/harveybc/doin-core/pkgs/plugins"
)

type slowInferrer struct {
	delay time.Duration
}

func (s slowInferrer) Infer(ctx context.Context, _ []byte, _ []byte) (float64, error) {
	select {
	case <-time.After(s.delay):
		return -42.0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func poolFixture(t *testing.T, inferrer plugins.Inferrer) *WorkerPool {
	t.Helper()
	registry := plugins.NewRegistry()
	if err := registry.Register(plugins.Domain{
		ID: "d", Name: "d", PerformanceMetric: "mse", BaseWeight: 1.0,
	}, plugins.Capabilities{Optimizer: stubOptimizer{}, Inferrer: inferrer}); err != nil {
		t.Fatal(err)
	}
	pool := NewWorkerPool(context.Background(), registry, 1, 4, 16)
	t.Cleanup(pool.Close)
	return pool
}

func TestWorkerPoolDeliversResult(t *testing.T) {
	pool := poolFixture(t, slowInferrer{delay: 10 * time.Millisecond})

	if !pool.Submit(EvalJob{OptimaID: "o1", DomainID: "d", TaskID: "t1", Deadline: time.Second}) {
		t.Fatal("submit failed")
	}

	select {
	case res := <-pool.Results():
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.OptimaID != "o1" || res.Metric != -42.0 {
			t.Fatalf("wrong result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestWorkerPoolDeadline(t *testing.T) {
	pool := poolFixture(t, slowInferrer{delay: 5 * time.Second})

	pool.Submit(EvalJob{OptimaID: "o1", DomainID: "d", TaskID: "t1", Deadline: 50 * time.Millisecond})

	select {
	case res := <-pool.Results():
		if res.Err == nil {
			t.Fatal("expected a deadline error")
		}
		if !res.TimedOut {
			t.Fatal("expiry should report as a timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out job never reported")
	}
}
