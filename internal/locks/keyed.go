// Package locks serializes work per key without a global lock.
package locks

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 256

// Keyed is a fixed set of mutexes selected by hashing the key. Two keys share
// a mutex only when they land in the same shard.
type Keyed struct {
	shards []sync.Mutex
}

func NewKeyed(shards int) *Keyed {
	if shards <= 0 {
		shards = defaultShards
	}
	return &Keyed{shards: make([]sync.Mutex, shards)}
}

func (k *Keyed) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}

// Lock acquires the lock for key and returns its release func.
func (k *Keyed) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the lock for key.
func (k *Keyed) Do(key string, fn func() error) error {
	unlock := k.Lock(key)
	defer unlock()
	return fn()
}
