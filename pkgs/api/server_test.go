package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harveybc/doin-core/config"
	"github.com/harveybc/doin-core/pkgs/node"
	"github.com/harveybc/doin-core/pkgs/plugins"
	"github.com/harveybc/doin-core/pkgs/tasks"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	return &config.Settings{
		IdentityKeyPath:              dir + "/identity.key",
		TargetBlockTimeSeconds:       600,
		InitialThreshold:             1.0,
		ConfirmationDepth:            6,
		QuorumMinEvaluators:          3,
		QuorumMaxEvaluators:          10,
		QuorumFraction:               0.67,
		QuorumTolerance:              0.15,
		CommitRevealWindowBlocks:     8,
		VotingTimeoutBlocks:          4,
		ExternalAnchorIntervalBlocks: 100,
		MaxParamBytes:                1 << 20,
		MaxTrainingSeconds:           60,
		MaxMemoryMB:                  1024,
		ReputationHalfLife:           7 * 24 * time.Hour,
		MinReputationForConsensus:    2.0,
		RedisHost:                    "127.0.0.1",
		RedisPort:                    "1", // unreachable on purpose; the node degrades
		ChainDataDir:                 dir + "/chain",
		DedupCacheSize:               128,
		DedupTTL:                     time.Minute,
		EvalWorkers:                  1,
		EvalQueueSize:                4,
		ClaimTimeout:                 time.Minute,
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	n, err := node.New(context.Background(), testSettings(t), plugins.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(n)
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
	}
	return w, body
}

func TestStatusEndpoint(t *testing.T) {
	s := testServer(t)
	w, body := get(t, s, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body["mode"] != "NORMAL" {
		t.Fatalf("fresh node should be NORMAL, got %v", body["mode"])
	}
	if body["chain_height"].(float64) != 0 {
		t.Fatalf("fresh chain should be at genesis, got %v", body["chain_height"])
	}
}

func TestChainEndpoints(t *testing.T) {
	s := testServer(t)

	w, body := get(t, s, "/chain/status")
	if w.Code != http.StatusOK || body["height"].(float64) != 0 {
		t.Fatalf("chain status wrong: %v", body)
	}

	w, _ = get(t, s, "/chain/block/0")
	if w.Code != http.StatusOK {
		t.Fatalf("genesis lookup failed: %d", w.Code)
	}
	w, _ = get(t, s, "/chain/block/99")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing block should 404, got %d", w.Code)
	}
	w, _ = get(t, s, "/chain/blocks?from=0&to=0")
	if w.Code != http.StatusOK {
		t.Fatalf("range query failed: %d", w.Code)
	}
	w, _ = get(t, s, "/chain/blocks?from=5&to=1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("inverted range should 400, got %d", w.Code)
	}
}

func TestTaskClaimAndComplete(t *testing.T) {
	s := testServer(t)
	// Reach through the node to seed a task the way the flood would.
	n := s.node
	n.Queue().Add(tasks.Task{
		ID: "t1", DomainID: "d", Priority: 0, Status: tasks.StatusPending, CreatedAt: 1,
	})

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		return w
	}

	if w := post("/tasks/claim", `{"task_id":"t1","peer_id":"peerA"}`); w.Code != http.StatusOK {
		t.Fatalf("claim failed: %d %s", w.Code, w.Body.String())
	}
	// A second claimant conflicts.
	if w := post("/tasks/claim", `{"task_id":"t1","peer_id":"zzz"}`); w.Code != http.StatusConflict {
		t.Fatalf("conflicting claim should 409, got %d", w.Code)
	}
	if w := post("/tasks/complete", `{"task_id":"t1","peer_id":"peerB","result_hash":"h"}`); w.Code != http.StatusConflict {
		t.Fatalf("non-claimant completion should 409, got %d", w.Code)
	}
	if w := post("/tasks/complete", `{"task_id":"t1","peer_id":"peerA","result_hash":"h"}`); w.Code != http.StatusOK {
		t.Fatalf("claimant completion failed: %d", w.Code)
	}
}

func TestSuspectModeSurfaced(t *testing.T) {
	s := testServer(t)
	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		return w
	}

	// An anchor for height 0 with a bogus hash conflicts with genesis.
	if w := post("/anchors/received", `{"height":0,"block_hash":"ff00","timestamp":1}`); w.Code != http.StatusAccepted {
		t.Fatalf("anchor ingestion failed: %d", w.Code)
	}
	// Anchor verification runs on the main loop; drive it directly
	// here since Run is not active in the test.
	deadline := time.After(time.Second)
	for s.node.Mode() != "SUSPECT" {
		select {
		case <-deadline:
			t.Fatal("node never entered SUSPECT mode")
		default:
			s.node.DrainIngressForTest()
		}
	}

	_, body := get(t, s, "/status")
	if body["mode"] != "SUSPECT" {
		t.Fatalf("SUSPECT mode not surfaced, got %v", body["mode"])
	}

	if w := post("/operator/clear-suspect", `{}`); w.Code != http.StatusOK {
		t.Fatalf("clear failed: %d", w.Code)
	}
	if s.node.Mode() != "NORMAL" {
		t.Fatalf("mode should return to NORMAL, got %s", s.node.Mode())
	}
}
