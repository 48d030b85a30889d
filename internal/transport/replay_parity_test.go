package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// replayCacheParity exercises property 12 (SPEC_FULL.md §9): first nonce
// accepted, second rejected within the TTL window, independent of backend.
func replayCacheParity(t *testing.T, cache ReplayCache) {
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "nonce-parity-1", time.Minute)
	require.NoError(t, err)
	require.False(t, seen, "first use of a nonce must not be reported as already seen")

	seen, err = cache.Seen(ctx, "nonce-parity-1", time.Minute)
	require.NoError(t, err)
	require.True(t, seen, "reused nonce within TTL must be reported as already seen")

	seen, err = cache.Seen(ctx, "nonce-parity-2", time.Minute)
	require.NoError(t, err)
	require.False(t, seen, "a distinct nonce must not collide with a prior one")
}

func TestReplayCacheParity_Memory(t *testing.T) {
	cache := NewMemoryReplayCache(time.Hour)
	defer cache.Close()
	replayCacheParity(t, cache)
}

func TestReplayCacheParity_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cache := &RedisReplayCache{client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	defer cache.Close()
	replayCacheParity(t, cache)
}
