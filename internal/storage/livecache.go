package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// LiveCache is an ephemeral projection of in-flight rides for fast reads
// during active tracking. It is a pure optimization: every reader must
// tolerate a miss and fall back to the durable store. Entries carry a TTL
// as a safety net against leaks and are cleared on terminal transitions.
type LiveCache interface {
	Put(ctx context.Context, r *models.Ride)
	Get(ctx context.Context, rideID string) (*models.Ride, bool)
	Clear(ctx context.Context, rideID string)
}

const liveKeyPrefix = "ride:live:"

type RedisLiveCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLiveCache(client *redis.Client, ttl time.Duration) *RedisLiveCache {
	return &RedisLiveCache{client: client, ttl: ttl}
}

func (c *RedisLiveCache) Put(ctx context.Context, r *models.Ride) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, liveKeyPrefix+r.ID, b, c.ttl).Err()
}

func (c *RedisLiveCache) Get(ctx context.Context, rideID string) (*models.Ride, bool) {
	b, err := c.client.Get(ctx, liveKeyPrefix+rideID).Bytes()
	if err != nil {
		return nil, false
	}
	var r models.Ride
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (c *RedisLiveCache) Clear(ctx context.Context, rideID string) {
	_ = c.client.Del(ctx, liveKeyPrefix+rideID).Err()
}

// MemoryLiveCache serves single-node runs and tests.
type MemoryLiveCache struct {
	mu      sync.RWMutex
	entries map[string]liveEntry
	ttl     time.Duration
	now     func() time.Time
}

type liveEntry struct {
	ride    models.Ride
	expires time.Time
}

func NewMemoryLiveCache(ttl time.Duration) *MemoryLiveCache {
	return &MemoryLiveCache{entries: make(map[string]liveEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryLiveCache) Put(_ context.Context, r *models.Ride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[r.ID] = liveEntry{ride: *r, expires: c.now().Add(c.ttl)}
}

func (c *MemoryLiveCache) Get(_ context.Context, rideID string) (*models.Ride, bool) {
	c.mu.RLock()
	e, ok := c.entries[rideID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, rideID)
		c.mu.Unlock()
		return nil, false
	}
	out := e.ride
	return &out, true
}

func (c *MemoryLiveCache) Clear(_ context.Context, rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, rideID)
}
