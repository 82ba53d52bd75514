// Package tasks implements the replicated pull-based work queue. Every
// node holds its own view, kept converged by flooding task lifecycle
// messages; conflicting claims resolve to the earliest one seen by
// (block order, timestamp, peer id).
package tasks

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Priorities; lower wins. Verification tasks outrank inference.
const (
	PriorityVerification = 0
	PriorityInference    = 10
)

// Claim identifies who claimed a task and when, with the ordering keys
// used to resolve conflicting claims.
type Claim struct {
	PeerID      string `json:"peer_id"`
	BlockHeight uint64 `json:"block_height"`
	Timestamp   int64  `json:"timestamp"`
}

// earlier reports whether c wins against other: block order, then
// timestamp, then peer id.
func (c Claim) earlier(other Claim) bool {
	if c.BlockHeight != other.BlockHeight {
		return c.BlockHeight < other.BlockHeight
	}
	if c.Timestamp != other.Timestamp {
		return c.Timestamp < other.Timestamp
	}
	return c.PeerID < other.PeerID
}

// Task is a unit of work flooded through the network.
type Task struct {
	ID         string `json:"id"`
	DomainID   string `json:"domain_id"`
	Priority   int    `json:"priority"`
	PayloadRef string `json:"payload_ref"` // e.g. optima id for verification tasks
	Status     Status `json:"status"`
	Claimant   *Claim `json:"claimant,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	ClaimedAt  int64  `json:"claimed_at,omitempty"`
	ResultHash string `json:"result_hash,omitempty"`
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.New().String()
}

// Queue is a node's local view of the replicated task queue.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task

	claimTimeout time.Duration
	now          func() time.Time
}

// NewQueue creates a queue with the given claim timeout.
func NewQueue(claimTimeout time.Duration) *Queue {
	if claimTimeout <= 0 {
		claimTimeout = 10 * time.Minute
	}
	return &Queue{
		tasks:        make(map[string]*Task),
		claimTimeout: claimTimeout,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Add inserts a task. Replayed TASK_CREATED floods for known ids are
// ignored.
func (q *Queue) Add(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return false
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	copied := t
	q.tasks[t.ID] = &copied
	return true
}

// Pending returns pending tasks for the given domains, highest
// priority first, capped at limit.
func (q *Queue) Pending(domainIDs []string, limit int) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	domains := make(map[string]struct{}, len(domainIDs))
	for _, d := range domainIDs {
		domains[d] = struct{}{}
	}

	var out []Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if len(domains) > 0 {
			if _, ok := domains[t.DomainID]; !ok {
				continue
			}
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ApplyClaim records a claim seen on the network. The earliest claim
// is authoritative; a later claim for an already-claimed task is
// dropped, an earlier one displaces the current claimant. Returns
// whether the claim now holds the task.
func (q *Queue) ApplyClaim(taskID string, claim Claim) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return false
	}

	switch t.Status {
	case StatusPending:
		t.Status = StatusClaimed
		t.Claimant = &claim
		t.ClaimedAt = q.now().Unix()
		return true
	case StatusClaimed:
		if claim.earlier(*t.Claimant) {
			log.Debugf("Task %s claim by %s displaced by earlier claim from %s",
				taskID, t.Claimant.PeerID, claim.PeerID)
			t.Claimant = &claim
			t.ClaimedAt = q.now().Unix()
			return true
		}
		return claim == *t.Claimant
	default:
		return false
	}
}

// Complete marks a claimed task completed. Only the authoritative
// claimant may complete it.
func (q *Queue) Complete(taskID, peerID, resultHash string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok || t.Status != StatusClaimed || t.Claimant == nil || t.Claimant.PeerID != peerID {
		return false
	}
	t.Status = StatusCompleted
	t.ResultHash = resultHash
	return true
}

// Fail marks a claimed task failed and reopens it for other claimants.
func (q *Queue) Fail(taskID, peerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok || t.Status != StatusClaimed || t.Claimant == nil || t.Claimant.PeerID != peerID {
		return false
	}
	t.Status = StatusPending
	t.Claimant = nil
	t.ClaimedAt = 0
	return true
}

// ReopenAbandoned returns claimed tasks past the claim timeout to
// PENDING. Returns the reopened task ids.
func (q *Queue) ReopenAbandoned() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.claimTimeout).Unix()
	var reopened []string
	for id, t := range q.tasks {
		if t.Status == StatusClaimed && t.ClaimedAt > 0 && t.ClaimedAt < cutoff {
			t.Status = StatusPending
			t.Claimant = nil
			t.ClaimedAt = 0
			reopened = append(reopened, id)
		}
	}
	if len(reopened) > 0 {
		log.Infof("Reopened %d abandoned task(s)", len(reopened))
	}
	return reopened
}

// Get returns a copy of a task.
func (q *Queue) Get(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Counts returns (pending, claimed, completed, failed).
func (q *Queue) Counts() (int, int, int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var p, c, d, f int
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			p++
		case StatusClaimed:
			c++
		case StatusCompleted:
			d++
		case StatusFailed:
			f++
		}
	}
	return p, c, d, f
}
