// Package deduplication drops flood messages already seen, with a
// local LRU fast path and a redis SetNX slow path shared across node
// restarts.
package deduplication

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Defaults matching the flood protocol contract.
const (
	DefaultCacheSize = 16 * 1024
	DefaultTTL       = 10 * time.Minute
)

// Deduplicator provides two-layer deduplication keyed by message id.
type Deduplicator struct {
	redis      *redis.Client // optional
	localCache *lru.Cache[string, bool]
	ttl        time.Duration
	keyPrefix  string
}

// NewDeduplicator creates a deduplicator. redisClient may be nil, in
// which case only the local LRU layer is used.
func NewDeduplicator(redisClient *redis.Client, cacheSize int, ttl time.Duration) (*Deduplicator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{
		redis:      redisClient,
		localCache: cache,
		ttl:        ttl,
		keyPrefix:  "doin:dedup:",
	}, nil
}

// CheckAndMark reports whether the message id is new, marking it seen
// either way.
func (d *Deduplicator) CheckAndMark(ctx context.Context, messageID string) (bool, error) {
	if d.localCache.Contains(messageID) {
		return false, nil
	}

	if d.redis == nil {
		d.localCache.Add(messageID, true)
		return true, nil
	}

	ok, err := d.redis.SetNX(ctx, d.keyPrefix+messageID, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// Redis being down must not stall the flood; fall back to the
		// local layer only.
		log.WithError(err).Debug("Dedup redis SetNX failed, using local cache only")
		fresh := !d.localCache.Contains(messageID)
		d.localCache.Add(messageID, true)
		return fresh, nil
	}

	d.localCache.Add(messageID, true)
	return ok, nil
}

// Len returns the local cache occupancy.
func (d *Deduplicator) Len() int {
	return d.localCache.Len()
}

// PurgeLocal clears the local layer.
func (d *Deduplicator) PurgeLocal() {
	d.localCache.Purge()
}
