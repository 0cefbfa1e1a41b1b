package cache

import (
	"hash/fnv"
	"sync"
)

const mapShardCount = 32

// concMap is a string-keyed map split over independently locked shards so
// concurrent event workers touching different entities never contend on a
// single lock. Values are pointers; callers share them, never copy them.
type concMap[V any] struct {
	shards [mapShardCount]mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newConcMap[V any]() *concMap[V] {
	c := &concMap[V]{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]V)
	}
	return c
}

func (c *concMap[V]) shard(key string) *mapShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%mapShardCount]
}

func (c *concMap[V]) Get(key string) (V, bool) {
	s := c.shard(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

func (c *concMap[V]) Set(key string, v V) {
	s := c.shard(key)
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

func (c *concMap[V]) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Pop removes and returns the value, transferring ownership to the caller.
func (c *concMap[V]) Pop(key string) (V, bool) {
	s := c.shard(key)
	s.mu.Lock()
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	s.mu.Unlock()
	return v, ok
}

func (c *concMap[V]) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until it returns false. Entries added or
// removed concurrently may or may not be visited; fn must not call back
// into the same map shard.
func (c *concMap[V]) Range(fn func(key string, v V) bool) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys snapshots the current key set.
func (c *concMap[V]) Keys() []string {
	keys := make([]string, 0, c.Len())
	c.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (c *concMap[V]) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.m = make(map[string]V)
		s.mu.Unlock()
	}
}
