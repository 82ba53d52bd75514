// Package events is the node's internal event bus: typed events fan
// out to in-process subscribers and, optionally, to a redis channel
// for external observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// EventType enumerates node lifecycle events.
type EventType string

const (
	EventBlockGenerated EventType = "block_generated"
	EventBlockReceived  EventType = "block_received"
	EventBlockFinalized EventType = "block_finalized"
	EventOptimaAccepted EventType = "optima_accepted"
	EventOptimaRejected EventType = "optima_rejected"
	EventReorg          EventType = "reorg"
	EventModeChanged    EventType = "mode_changed"
	EventAnchorPublished EventType = "anchor_published"
)

// Event is one emitted occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	NodeID    string         `json:"node_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Subscriber receives events of the requested types (all types when
// Types is empty).
type Subscriber struct {
	ID      string
	Types   []EventType
	Handler func(*Event)
}

// Emitter fans events out to subscribers on a worker goroutine, never
// blocking the emitting loop. Overflow drops with a counter.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	buffer      chan *Event
	nodeID      string

	redisClient *redis.Client // optional
	channel     string

	cancel  context.CancelFunc
	dropped uint64
}

// NewEmitter creates an emitter. redisClient may be nil.
func NewEmitter(nodeID string, bufferSize int, redisClient *redis.Client) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{
		subscribers: make(map[string]*Subscriber),
		buffer:      make(chan *Event, bufferSize),
		nodeID:      nodeID,
		redisClient: redisClient,
		channel:     "doin:events",
	}
}

// Start launches the dispatch loop.
func (e *Emitter) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.dispatchLoop(loopCtx)
}

// Stop halts dispatching.
func (e *Emitter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Subscribe registers a subscriber.
func (e *Emitter) Subscribe(s *Subscriber) error {
	if s.ID == "" || s.Handler == nil {
		return fmt.Errorf("subscriber requires id and handler")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[s.ID] = s
	return nil
}

// Emit queues an event, dropping on overflow.
func (e *Emitter) Emit(t EventType, payload map[string]any) {
	ev := &Event{Type: t, Timestamp: time.Now().Unix(), NodeID: e.nodeID, Payload: payload}
	select {
	case e.buffer <- ev:
	default:
		e.dropped++
	}
}

// Dropped returns the overflow counter.
func (e *Emitter) Dropped() uint64 {
	return e.dropped
}

func (e *Emitter) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.buffer:
			e.deliver(ctx, ev)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, ev *Event) {
	e.mu.RLock()
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, s := range subs {
		if len(s.Types) > 0 && !contains(s.Types, ev.Type) {
			continue
		}
		s.Handler(ev)
	}

	if e.redisClient != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := e.redisClient.Publish(ctx, e.channel, data).Err(); err != nil {
			log.WithError(err).Debug("Failed to publish event to redis")
		}
	}
}

func contains(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
