package dispatch

import (
	"hash/fnv"
	"sync"
	"time"

	"execution-core/internal/model"
)

const numShards = 16

// dedupeCache remembers correlation ids for the dedupe window. Pending
// entries never expire; completed ones expire window after completion.
type dedupeCache struct {
	shards [numShards]*dedupeShard
	window time.Duration
	now    func() time.Time
}

type dedupeShard struct {
	mu    sync.Mutex
	items map[string]*dedupeEntry
}

type dedupeEntry struct {
	future   *Future
	storedAt time.Time
	pending  bool
}

func newDedupeCache(window time.Duration, now func() time.Time) *dedupeCache {
	c := &dedupeCache{window: window, now: now}
	for i := range c.shards {
		c.shards[i] = &dedupeShard{items: make(map[string]*dedupeEntry)}
	}
	return c
}

func (c *dedupeCache) shard(key string) *dedupeShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// reserve stores f for id unless a live entry exists, in which case that
// entry's future is returned with joined=true.
func (c *dedupeCache) reserve(id string, f *Future) (existing *Future, joined bool) {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[id]; ok && (e.pending || c.now().Sub(e.storedAt) < c.window) {
		return e.future, true
	}
	s.items[id] = &dedupeEntry{future: f, storedAt: c.now(), pending: true}
	return nil, false
}

// complete starts the window for id.
func (c *dedupeCache) complete(id string) {
	s := c.shard(id)
	s.mu.Lock()
	if e, ok := s.items[id]; ok {
		e.pending = false
		e.storedAt = c.now()
	}
	s.mu.Unlock()
}

func (c *dedupeCache) remove(id string) {
	s := c.shard(id)
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

// prime seeds a completed result, keeping its original timestamp.
func (c *dedupeCache) prime(res model.ExecutionResult) bool {
	at := res.Timestamp
	if c.now().Sub(at) >= c.window {
		return false
	}
	s := c.shard(res.CorrelationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[res.CorrelationID]; ok {
		return false
	}
	s.items[res.CorrelationID] = &dedupeEntry{future: completedFuture(res), storedAt: at}
	return true
}

// lookup returns a completed result still inside the window.
func (c *dedupeCache) lookup(id string) (model.ExecutionResult, bool) {
	s := c.shard(id)
	s.mu.Lock()
	e, ok := s.items[id]
	s.mu.Unlock()
	if !ok || e.pending || c.now().Sub(e.storedAt) >= c.window {
		return model.ExecutionResult{}, false
	}
	return e.future.Result()
}

// Cleanup drops completed entries older than the window.
func (c *dedupeCache) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.window)
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.items {
			if !e.pending && !e.storedAt.After(cutoff) {
				delete(s.items, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len counts entries across shards.
func (c *dedupeCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}
