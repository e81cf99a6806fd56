package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requires Redis running on localhost:6379; skipped otherwise
const testRedisAddr = "localhost:6379"

func countingLoader(calls *int32, ids []string) Loader {
	return func(context.Context, string) ([]string, error) {
		atomic.AddInt32(calls, 1)
		return ids, nil
	}
}

func setupTestCache(t *testing.T, load Loader) *ParticipantCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	c := NewParticipantCache(client, time.Minute, load)
	c.prefix = "test:participants:" + t.Name() + ":"
	t.Cleanup(func() {
		client.Del(ctx, c.key("c1"))
		client.Close()
	})
	return c
}

func TestParticipantCache_CacheAside(t *testing.T) {
	var calls int32
	c := setupTestCache(t, countingLoader(&calls, []string{"u1", "u2"}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ids, err := c.Participants(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2"}, ids)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, c.Invalidate(ctx, "c1"))
	_, err := c.Participants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestParticipantCache_RedisDownFallsBackToLoader(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	var calls int32
	c := NewParticipantCache(client, time.Minute, countingLoader(&calls, []string{"u1"}))

	ids, err := c.Participants(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestParticipantCache_LoaderErrorPropagates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	notFound := errors.New("not found")
	c := NewParticipantCache(client, time.Minute, func(context.Context, string) ([]string, error) {
		return nil, notFound
	})

	_, err := c.Participants(context.Background(), "missing")
	assert.ErrorIs(t, err, notFound)
}
