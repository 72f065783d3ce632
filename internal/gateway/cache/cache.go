// Package cache implements the response memoization layer (§4.E): a
// short-lived cache of outbound replies keyed by (chargePointId,
// messageId), consulted before schema validation on every inbound CALL so
// a retried frame gets the exact same bytes back instead of being
// re-processed. Two-level, mirroring the teacher's local-then-Redis cache
// layering in internal/adapter/cache/local.go and cache/redis.go (now
// internal/adapter/kv): an always-on per-process map, plus an optional
// shared KV store for cross-node visibility in a "behind a reconnecting
// charger" scenario.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/ocpp-gateway/internal/ports"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// ResponseCache memoizes replies by (chargePointId, messageId). A TTL of
// zero or less disables the cache entirely (Get always misses, Put is a
// no-op), per §4.E.
type ResponseCache struct {
	mu    sync.Mutex
	local map[string]entry
	kv    ports.KVStore // optional; nil means process-local only
	ttl   time.Duration
	log   *zap.Logger
	clock ports.Clock
}

func New(kvStore ports.KVStore, ttl time.Duration, log *zap.Logger, clock ports.Clock) *ResponseCache {
	if clock == nil {
		clock = ports.RealClock
	}
	return &ResponseCache{
		local: make(map[string]entry),
		kv:    kvStore,
		ttl:   ttl,
		log:   log,
		clock: clock,
	}
}

func cacheKey(chargePointID, messageID string) string {
	return "respcache:" + chargePointID + ":" + messageID
}

// Get returns the cached reply bytes for (chargePointId, messageId), if
// any and not expired. The caller re-sends these bytes verbatim.
func (c *ResponseCache) Get(ctx context.Context, chargePointID, messageID string) ([]byte, bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	key := cacheKey(chargePointID, messageID)
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.local[key]; ok && e.expiresAt.After(now) {
		c.mu.Unlock()
		return e.payload, true
	}
	c.mu.Unlock()

	if c.kv == nil {
		return nil, false
	}
	v, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		if c.log != nil {
			c.log.Warn("response cache shared lookup failed", zap.String("charge_point_id", chargePointID), zap.Error(err))
		}
		return nil, false
	}
	if !ok {
		return nil, false
	}

	payload := []byte(v)
	c.mu.Lock()
	c.local[key] = entry{payload: payload, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return payload, true
}

// Put stores the exact JSON bytes sent as a reply, in the same form they
// went out on the wire.
func (c *ResponseCache) Put(ctx context.Context, chargePointID, messageID string, payload []byte) {
	if c.ttl <= 0 {
		return
	}

	key := cacheKey(chargePointID, messageID)
	now := c.clock.Now()

	c.mu.Lock()
	c.local[key] = entry{payload: payload, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	if err := c.kv.Set(ctx, key, string(payload), c.ttl); err != nil && c.log != nil {
		c.log.Warn("response cache shared store failed", zap.String("charge_point_id", chargePointID), zap.Error(err))
	}
}

// Sweep evicts expired local entries. Callers run this periodically; the
// shared KV layer relies on its own TTL mechanism instead.
func (c *ResponseCache) Sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.local {
		if !e.expiresAt.After(now) {
			delete(c.local, k)
		}
	}
}
