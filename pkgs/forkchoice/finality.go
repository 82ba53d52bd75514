package forkchoice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/doinerr"
)

// DefaultConfirmationDepth is the number of confirming blocks after
// which a block becomes immutable.
const DefaultConfirmationDepth = 6

// FinalityManager advances the finalized height as the chain grows.
type FinalityManager struct {
	store             *chain.Store
	confirmationDepth uint64
}

// NewFinalityManager creates a finality manager over a store.
func NewFinalityManager(store *chain.Store, confirmationDepth uint64) *FinalityManager {
	if confirmationDepth == 0 {
		confirmationDepth = DefaultConfirmationDepth
	}
	return &FinalityManager{store: store, confirmationDepth: confirmationDepth}
}

// ConfirmationDepth returns the configured depth.
func (f *FinalityManager) ConfirmationDepth() uint64 {
	return f.confirmationDepth
}

// OnNewBlock advances finality after a block lands. Returns the newly
// finalized block, if any.
func (f *FinalityManager) OnNewBlock() *chain.Block {
	height := f.store.Height()
	if height < f.confirmationDepth {
		return nil
	}
	candidate := height - f.confirmationDepth
	if candidate <= f.store.FinalizedHeight() && f.store.FinalizedHeight() > 0 {
		return nil
	}
	b, ok := f.store.AtHeight(candidate)
	if !ok {
		return nil
	}
	f.store.SetFinalizedHeight(candidate)
	log.Debugf("Finalized block %d (%s)", candidate, b.BlockHash[:12])
	return b
}

// IsFinal reports whether a height is at or below finality.
func (f *FinalityManager) IsFinal(height uint64) bool {
	return height <= f.store.FinalizedHeight() && f.store.Height() >= f.confirmationDepth
}

// Anchor is a published (height, hash) pair on an external ledger.
type Anchor struct {
	Height    uint64 `json:"height"`
	BlockHash string `json:"block_hash"`
	Timestamp int64  `json:"timestamp"`
}

// AnchorSink publishes anchors to an independently-secured ledger. The
// publication channel is pluggable; only the contract matters.
type AnchorSink interface {
	Publish(ctx context.Context, anchor Anchor) error
}

// RedisAnchorSink publishes anchors to a redis list, which external
// anchor relays drain toward their ledger of choice.
type RedisAnchorSink struct {
	client *redis.Client
	key    string
}

// NewRedisAnchorSink creates a redis-backed anchor sink.
func NewRedisAnchorSink(client *redis.Client, keyPrefix string) *RedisAnchorSink {
	key := strings.TrimSuffix(keyPrefix, ":") + ":anchors"
	return &RedisAnchorSink{client: client, key: key}
}

// Publish appends the anchor to the sink's redis list.
func (s *RedisAnchorSink) Publish(ctx context.Context, anchor Anchor) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("failed to marshal anchor: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("failed to publish anchor: %w", err)
	}
	return nil
}

// AnchorManager publishes periodic anchors and checks received anchors
// against local history. A conflicting anchor flips the node into
// SUSPECT mode, halting further progress until an operator intervenes.
type AnchorManager struct {
	mu sync.Mutex

	store    *chain.Store
	sink     AnchorSink
	interval uint64

	published []Anchor
	suspect   bool
	now       func() time.Time
}

// NewAnchorManager creates an anchor manager. interval is in blocks.
func NewAnchorManager(store *chain.Store, sink AnchorSink, interval uint64) *AnchorManager {
	if interval == 0 {
		interval = 100
	}
	return &AnchorManager{
		store:    store,
		sink:     sink,
		interval: interval,
		now:      time.Now,
	}
}

// ShouldAnchor reports whether the given height is an anchor point.
func (m *AnchorManager) ShouldAnchor(height uint64) bool {
	return height > 0 && height%m.interval == 0
}

// PublishIfDue publishes an anchor for the chain tip when the interval
// has been reached.
func (m *AnchorManager) PublishIfDue(ctx context.Context) error {
	height := m.store.Height()
	if !m.ShouldAnchor(height) {
		return nil
	}

	m.mu.Lock()
	if len(m.published) > 0 && m.published[len(m.published)-1].Height == height {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	b, ok := m.store.AtHeight(height)
	if !ok {
		return nil
	}
	anchor := Anchor{Height: height, BlockHash: b.BlockHash, Timestamp: m.now().Unix()}

	if m.sink != nil {
		if err := m.sink.Publish(ctx, anchor); err != nil {
			return doinerr.Wrap(doinerr.External, "anchor publication failed", err)
		}
	}

	m.mu.Lock()
	m.published = append(m.published, anchor)
	m.mu.Unlock()

	log.Infof("Published external anchor (%d, %s)", anchor.Height, anchor.BlockHash[:12])
	return nil
}

// VerifyReceived checks a received anchor against local history. A
// mismatch marks the node SUSPECT.
func (m *AnchorManager) VerifyReceived(anchor Anchor) error {
	b, ok := m.store.AtHeight(anchor.Height)
	if !ok {
		// The anchor is ahead of us; nothing to compare yet.
		return nil
	}
	if b.BlockHash != anchor.BlockHash {
		m.mu.Lock()
		m.suspect = true
		m.mu.Unlock()
		return doinerr.Newf(doinerr.External,
			"anchor divergence at height %d: local %s, anchored %s, entering SUSPECT mode",
			anchor.Height, shortHash(b.BlockHash), shortHash(anchor.BlockHash))
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Suspect reports whether anchor divergence froze the node.
func (m *AnchorManager) Suspect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspect
}

// OperatorClear resets SUSPECT mode after manual resolution.
func (m *AnchorManager) OperatorClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspect = false
	log.Warn("SUSPECT mode cleared by operator")
}

// Published returns all anchors this node has published.
func (m *AnchorManager) Published() []Anchor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Anchor, len(m.published))
	copy(out, m.published)
	return out
}
