package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talos-foundation/tga/pkg/capability"
)

func cachedCapability(expiresAt time.Time) *capability.Verified {
	return &capability.Verified{
		Payload: &capability.Payload{
			CapabilityID: "cap-1",
			ExpiresAt:    expiresAt.Unix(),
			Tool:         "fs.read",
		},
	}
}

func TestPutGet(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	c.Put("s1", "T1", cachedCapability(now.Add(time.Minute)))

	entry, ok := c.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "T1", entry.TraceID)
	assert.Equal(t, "cap-1", entry.Capability.Payload.CapabilityID)

	_, ok = c.Get("unknown")
	assert.False(t, ok)
}

func TestGetEvictsExpired(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	c.Put("s1", "T1", cachedCapability(now.Add(30*time.Second)))

	now = now.Add(time.Minute)
	_, ok := c.Get("s1")
	assert.False(t, ok, "expired entry must read as a miss")
	assert.Equal(t, 0, c.Len(), "expired entry must be evicted")
}

func TestGetTouchesLastSeen(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	c.Put("s1", "T1", cachedCapability(now.Add(time.Hour)))
	now = now.Add(10 * time.Second)

	entry, ok := c.Get("s1")
	require.True(t, ok)
	assert.Equal(t, now, entry.LastSeenAt)
}

func TestCapacityBound(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("s%d", i), "T1", cachedCapability(now.Add(time.Hour)))
	}
	assert.Equal(t, 4, c.Len())

	// Oldest entries were evicted, newest survive.
	_, ok := c.Get("s0")
	assert.False(t, ok)
	_, ok = c.Get("s9")
	assert.True(t, ok)
}

func TestFlushOnRotation(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	c.Put("s1", "T1", cachedCapability(now.Add(time.Hour)))
	c.Put("s2", "T2", cachedCapability(now.Add(time.Hour)))
	c.Flush()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("s1")
	assert.False(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	c.Put("live", "T1", cachedCapability(now.Add(time.Hour)))
	c.Put("dead1", "T2", cachedCapability(now.Add(10*time.Second)))
	c.Put("dead2", "T3", cachedCapability(now.Add(20*time.Second)))

	now = now.Add(time.Minute)
	removed := c.PurgeExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("live")
	assert.True(t, ok)
}

func TestNewSessionIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewSessionID()
		require.NoError(t, err)
		assert.Len(t, id, 32, "128-bit handle, hex encoded")
		assert.False(t, seen[id], "session ids must not repeat")
		seen[id] = true
	}
}

func TestDefaultCapacity(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
