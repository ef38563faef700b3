package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - set REDIS_ADDR")
	}
	c, err := NewClient(addr, os.Getenv("REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockIsExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	name := "test:" + uuid.NewString()

	first, err := c.AcquireLock(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := c.AcquireLock(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, c.ReleaseLock(ctx, first))
	third, err := c.AcquireLock(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, third)
	require.NoError(t, c.ReleaseLock(ctx, third))
}

func TestMarkOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	first, err := c.MarkOnce(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.MarkOnce(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, c.Forget(ctx, key))
	first, err = c.MarkOnce(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestAllowSlidingWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := c.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
