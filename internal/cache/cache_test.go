package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotplane/internal/enum"
)

func TestSetAndGet(t *testing.T) {
	c := New()
	c.Set(enum.CacheKeyJobs, []string{"a", "b"}, nil)

	e, ok := c.Get(enum.CacheKeyJobs)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, e.Data)
	assert.Empty(t, e.Err)
}

func TestGet_MissingKey(t *testing.T) {
	c := New()
	_, ok := c.Get(enum.CacheKeyPods)
	assert.False(t, ok)
}

func TestSetError_RetainsPreviousData(t *testing.T) {
	c := New()
	c.Set(enum.CacheKeyPods, []string{"pod-1"}, nil)
	first, _ := c.Get(enum.CacheKeyPods)

	c.SetError(enum.CacheKeyPods, "ssh transport down")

	e, ok := c.Get(enum.CacheKeyPods)
	require.True(t, ok)
	assert.Equal(t, []string{"pod-1"}, e.Data)
	assert.Equal(t, "ssh transport down", e.Err)
	assert.True(t, !e.UpdatedAt.Before(first.UpdatedAt))
}

func TestUpdatedAt_MonotonicNonDecreasing(t *testing.T) {
	c := New()
	c.Set(enum.CacheKeyJobs, 1, nil)
	first, _ := c.Get(enum.CacheKeyJobs)

	time.Sleep(time.Millisecond)
	c.Set(enum.CacheKeyJobs, 2, nil)
	second, _ := c.Get(enum.CacheKeyJobs)

	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestInvalidate_RemovesEntry(t *testing.T) {
	c := New()
	c.Set(enum.CacheKeyRPAsProcessed, map[string]int{"x": 1}, nil)
	c.Invalidate(enum.CacheKeyRPAsProcessed)

	_, ok := c.Get(enum.CacheKeyRPAsProcessed)
	assert.False(t, ok)
}

func TestClearError_LeavesDataUntouched(t *testing.T) {
	c := New()
	c.Set(enum.CacheKeyJobs, "data", nil)
	c.SetError(enum.CacheKeyJobs, "boom")
	c.ClearError(enum.CacheKeyJobs)

	e, _ := c.Get(enum.CacheKeyJobs)
	assert.Empty(t, e.Err)
	assert.Equal(t, "data", e.Data)
}
