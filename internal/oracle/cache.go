package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds the last good snapshot per shipment.
type Cache interface {
	Get(ctx context.Context, shipmentID string) (Snapshot, bool, error)
	Put(ctx context.Context, snap Snapshot) error
}

type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]Snapshot)}
}

func (m *MemoryCache) Get(_ context.Context, shipmentID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[shipmentID]
	return s, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ShipmentID] = snap
	return nil
}

// RedisCache shares snapshots between bridge instances. Entries expire after
// ttl, which should be at least the staleness threshold.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "asset-bridge:oracle:snapshot:", ttl: ttl}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *RedisCache) Get(ctx context.Context, shipmentID string) (Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+shipmentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis get snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return s, true, nil
}

func (r *RedisCache) Put(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+snap.ShipmentID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}
