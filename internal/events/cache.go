package events

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"
)

// Cache remembers handled event ids.
//
// Consumers check an id with ContainsKey and mark it with Put before applying the event,
// so a redelivered event is applied at most once. Implementations shared between processes
// should also implement Claimer.
type Cache interface {
	ContainsKey(ctx context.Context, eventID string) (bool, error)
	Put(ctx context.Context, eventID string) error
}

// Claimer is a Cache that can test and mark an id in one atomic step.
//
// Claim marks eventID and reports true unless it is already marked and unexpired. Consumers sharing a
// Claimer never both apply the same event, which check-then-mark through ContainsKey and Put cannot promise.
type Claimer interface {
	Cache
	Claim(ctx context.Context, eventID string) (bool, error)
}

// claim marks eventID in cache, atomically when cache is a Claimer.
func claim(ctx context.Context, cache Cache, eventID string) (bool, error) {
	if claimer, ok := cache.(Claimer); ok {
		return claimer.Claim(ctx, eventID)
	}

	seen, err := cache.ContainsKey(ctx, eventID)
	if err != nil || seen {
		return false, err
	}

	if err := cache.Put(ctx, eventID); err != nil {
		return false, err
	}

	return true, nil
}

// MemoryCache is a process-local Cache bounded in size, with entries expiring after a TTL.
// Least recently used ids are evicted first when the cache is full.
type MemoryCache struct {
	mu    sync.Mutex // serializes Claim
	cache *lru.Cache
	ttl   time.Duration
}

var _ Claimer = (*MemoryCache)(nil)

// NewMemoryCache returns a MemoryCache holding up to size ids for ttl each.
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &MemoryCache{cache: cache, ttl: ttl}, nil
}

// ContainsKey reports whether eventID was put within the TTL. Expired ids are removed.
func (m *MemoryCache) ContainsKey(_ context.Context, eventID string) (bool, error) {
	v, ok := m.cache.Get(eventID)
	if !ok {
		return false, nil
	}

	if v.(time.Time).Add(m.ttl).Before(timeNow()) {
		m.cache.Remove(eventID)

		return false, nil
	}

	return true, nil
}

// Put marks eventID as handled now.
func (m *MemoryCache) Put(_ context.Context, eventID string) error {
	m.cache.Add(eventID, timeNow())

	return nil
}

// Claim marks eventID and reports whether it was not already marked within the TTL.
func (m *MemoryCache) Claim(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, _ := m.ContainsKey(ctx, eventID)
	if seen {
		return false, nil
	}

	m.cache.Add(eventID, timeNow())

	return true, nil
}

// Len returns the number of cached ids, expired ones included until they are looked up or evicted.
func (m *MemoryCache) Len() int {
	return m.cache.Len()
}

var timeNow = time.Now
