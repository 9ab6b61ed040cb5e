package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drallgood/reader-progress-sync/internal/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache[string, int](logger.Nop())

	_, ok := c.Get("dune")
	assert.False(t, ok)

	c.Set("dune", 412, 0)
	v, ok := c.Get("dune")
	assert.True(t, ok)
	assert.Equal(t, 412, v)

	c.Delete("dune")
	_, ok = c.Get("dune")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC)}
	c := newMemoryCache[string, int](logger.Nop(), clk.Now)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	clk.Advance(59 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clk.Advance(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entry is swept on read")

	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestWithTTL_OverridesTTL(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC)}
	c := WithTTL[string, string](newMemoryCache[string, string](logger.Nop(), clk.Now), time.Hour)

	c.Set("k", "v", 0)
	clk.Advance(2 * time.Hour)
	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", "v", 0)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
