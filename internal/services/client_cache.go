package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var cacheLog = logrus.WithField("component", "client_cache")

// ClientBuilder constructs an authenticated exchange client for one
// user. Builders are expected to be slow (key resolution plus the
// credential handshake), which is exactly why results are cached.
type ClientBuilder func(ctx context.Context, userID string) (ExchangeClient, error)

type clientEntry struct {
	client     ExchangeClient
	createdAt  time.Time
	lastUsedAt time.Time
}

type inflight struct {
	done   chan struct{}
	client ExchangeClient
	err    error
}

// ClientCache hands out per-user exchange clients. Entries live for a
// TTL; at capacity the least recently used entry is evicted. Concurrent
// requests for the same user share one construction.
type ClientCache struct {
	builder  ClientBuilder
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*clientEntry
	pending map[string]*inflight
}

func NewClientCache(builder ClientBuilder, ttl time.Duration, capacity int) *ClientCache {
	return &ClientCache{
		builder:  builder,
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*clientEntry),
		pending:  make(map[string]*inflight),
	}
}

// Get returns the cached client for userID, building one if the cache
// has no fresh entry. Exactly one builder runs per user at a time;
// other callers block on its outcome.
func (c *ClientCache) Get(ctx context.Context, userID string) (ExchangeClient, error) {
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok {
		if time.Since(e.createdAt) < c.ttl {
			e.lastUsedAt = time.Now()
			c.mu.Unlock()
			return e.client, nil
		}
		delete(c.entries, userID)
	}

	if fl, ok := c.pending[userID]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.client, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &inflight{done: make(chan struct{})}
	c.pending[userID] = fl
	c.mu.Unlock()

	client, err := c.builder(ctx, userID)

	c.mu.Lock()
	// The slot is cleared on failure too, so the next caller retries
	// instead of inheriting a dead in-flight marker. A flight that Clear
	// removed mid-build delivers to its waiters but is not cached.
	registered := c.pending[userID] == fl
	if registered {
		delete(c.pending, userID)
		if err == nil {
			now := time.Now()
			c.entries[userID] = &clientEntry{client: client, createdAt: now, lastUsedAt: now}
			c.evictLocked()
		}
	}
	c.mu.Unlock()

	fl.client = client
	fl.err = err
	close(fl.done)

	if err != nil {
		cacheLog.WithFields(logrus.Fields{"user": userID, "error": err}).Warn("client construction failed")
		return nil, err
	}
	return client, nil
}

// Refresh drops the cached entry so the next Get rebuilds it.
func (c *ClientCache) Refresh(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Clear removes one user's cached and pending entries, or everything
// when userID is empty. Callers already waiting on a removed in-flight
// build still receive its outcome; the result is just not cached.
func (c *ClientCache) Clear(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID == "" {
		c.entries = make(map[string]*clientEntry)
		c.pending = make(map[string]*inflight)
		return
	}
	delete(c.entries, userID)
	delete(c.pending, userID)
}

// Size returns the number of cached entries.
func (c *ClientCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ClientCache) evictLocked() {
	for c.capacity > 0 && len(c.entries) > c.capacity {
		var oldest string
		var oldestAt time.Time
		for id, e := range c.entries {
			if oldest == "" || e.lastUsedAt.Before(oldestAt) {
				oldest, oldestAt = id, e.lastUsedAt
			}
		}
		delete(c.entries, oldest)
		cacheLog.WithField("user", oldest).Debug("evicted least recently used client")
	}
}
