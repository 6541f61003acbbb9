package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *LocalCache {
	c, err := NewCache(Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSetExists(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "loot:mute:1", "1", 0))
	ok, err := c.Exists(ctx, "loot:mute:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLExpiry_Lazy(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl_key", "val", 10*time.Millisecond))
	ok, _ := c.Exists(ctx, "ttl_key")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, _ = c.Exists(ctx, "ttl_key")
	assert.False(t, ok, "expired key must be evicted on access")
	_, loaded := c.kv.Load("ttl_key")
	assert.False(t, loaded)
}

func TestSet_OverwriteExtendsWindow(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "loot:mute:2", "1", 10*time.Millisecond))
	require.NoError(t, c.Set(ctx, "loot:mute:2", "1", time.Minute))
	time.Sleep(20 * time.Millisecond)
	ok, _ := c.Exists(ctx, "loot:mute:2")
	assert.True(t, ok)
}

func TestDel(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", 0)
	_ = c.Del(ctx, "k")
	ok, _ := c.Exists(ctx, "k")
	assert.False(t, ok)
}

func TestHash(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "loot:peers", "1", "alice"))
	require.NoError(t, c.HSet(ctx, "loot:peers", "2", "bob"))

	v, err := c.HGet(ctx, "loot:peers", "1")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	require.NoError(t, c.HDel(ctx, "loot:peers", "1"))
	_, err = c.HGet(ctx, "loot:peers", "1")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err = c.HGet(ctx, "loot:peers", "2")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)
}

func TestList(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "l", "c", "b", "a"))
	items, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	// LPush "c" then "b" then "a" → head = a, b, c
	assert.Equal(t, []string{"a", "b", "c"}, items)

	require.NoError(t, c.LTrim(ctx, "l", 0, 1))
	items, _ = c.LRange(ctx, "l", 0, -1)
	assert.Equal(t, []string{"a", "b"}, items)
}

func TestList_CapAsEventLog(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, ev := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, c.LPush(ctx, "loot:events", ev))
		require.NoError(t, c.LTrim(ctx, "loot:events", 0, 2))
	}
	items, err := c.LRange(ctx, "loot:events", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3"}, items)

	items, _ = c.LRange(ctx, "loot:events", -2, -1)
	assert.Equal(t, []string{"4", "3"}, items)
}
