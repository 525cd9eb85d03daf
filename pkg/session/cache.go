// Package session caches verified capabilities under a session handle so
// repeat calls inside one authorization skip full verification.
//
// The cache is purely an optimization: every state transition still writes
// to the log, a cold lookup falls back to full verification, and nothing is
// warmed from disk after a restart.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/talos-foundation/tga/pkg/capability"
)

// DefaultCapacity bounds the cache when no size is configured.
const DefaultCapacity = 1024

// Entry is a cached, verified capability bound to a session handle.
type Entry struct {
	SessionID  string
	Capability *capability.Verified
	TraceID    string
	ExpiresAt  time.Time
	LastSeenAt time.Time
}

// Cache is a bounded LRU of session bindings. Every operation, lookups
// included (a hit updates last_seen_at, an expired hit evicts), runs under
// one short exclusive section.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *Entry]
	clock func() time.Time
}

// New creates a cache with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("session: cache: %w", err)
	}
	return &Cache{lru: inner, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// NewSessionID returns a fresh 128-bit random session handle.
func NewSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("session: id generation: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Put inserts a verified capability under sessionID. Called at the
// successful AUTHORIZED transition.
func (c *Cache) Put(sessionID, traceID string, v *capability.Verified) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(sessionID, &Entry{
		SessionID:  sessionID,
		Capability: v,
		TraceID:    traceID,
		ExpiresAt:  time.Unix(v.Payload.ExpiresAt, 0).UTC(),
		LastSeenAt: now,
	})
}

// Get returns the entry if it is still temporally valid. Expired entries
// are evicted and reported as a miss. Hits update last_seen_at.
func (c *Cache) Get(sessionID string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(sessionID)
	if !ok {
		return nil, false
	}
	now := c.clock()
	if !now.Before(entry.ExpiresAt) {
		c.lru.Remove(sessionID)
		return nil, false
	}
	entry.LastSeenAt = now
	return entry, true
}

// Flush empties the cache. Invoked on supervisor key rotation; session
// handles do not survive a rotation.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// PurgeExpired evicts every expired entry and returns how many were
// removed. The serve loop calls this periodically; Get also evicts lazily.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && !now.Before(entry.ExpiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
