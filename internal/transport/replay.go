package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/redis/go-redis/v9"
)

// ReplayCache enforces first-seen-wins nonce uniqueness for a TTL window, per
// spec.md §4.1. Seen reserves the nonce atomically: of two concurrent callers
// with the same nonce, at most one gets false (accepted).
type ReplayCache interface {
	Seen(ctx context.Context, nonce string, ttl time.Duration) (alreadySeen bool, err error)
	Close() error
}

// ValidateReplay checks a request's nonce and timestamp against cache and
// clock-skew rules, returning the apierr the HTTP layer should surface.
func ValidateReplay(ctx context.Context, cache ReplayCache, nonce string, timestampMS int64, nowMS int64, ttl, clockSkew time.Duration) error {
	if len(nonce) < 8 || len(nonce) > 256 {
		return apierr.New(apierr.CodeDecryptionFailed, "nonce must be between 8 and 256 characters")
	}
	if timestampMS < nowMS-ttl.Milliseconds() {
		return apierr.New(apierr.CodeDecryptionFailed, "request timestamp is older than the replay cache TTL")
	}
	if timestampMS > nowMS+clockSkew.Milliseconds() {
		return apierr.New(apierr.CodeDecryptionFailed, "request timestamp is ahead of the allowed clock skew window")
	}
	seen, err := cache.Seen(ctx, nonce, ttl)
	if err != nil {
		return apierr.Internal(err)
	}
	if seen {
		return apierr.New(apierr.CodeDecryptionFailed, "nonce has already been used")
	}
	return nil
}

// MemoryReplayCache is the default ReplayCache: an in-process map with a
// background sweep for expired entries. Suitable for a single relay
// instance; REPLAY_CACHE_BACKEND=redis is required for multi-instance
// deployments so nonces are shared across processes.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // nonce -> expiry
	stopCh  chan struct{}
}

// NewMemoryReplayCache starts a MemoryReplayCache with a background sweeper.
func NewMemoryReplayCache(sweepInterval time.Duration) *MemoryReplayCache {
	c := &MemoryReplayCache{
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

func (c *MemoryReplayCache) Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiry, ok := c.entries[nonce]; ok && now.Before(expiry) {
		return true, nil
	}
	c.entries[nonce] = now.Add(ttl)
	return false, nil
}

func (c *MemoryReplayCache) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for nonce, expiry := range c.entries {
				if now.After(expiry) {
					delete(c.entries, nonce)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryReplayCache) Close() error {
	close(c.stopCh)
	return nil
}

// RedisReplayCache backs the replay cache with Redis, so nonce uniqueness
// holds across multiple relay instances behind a load balancer.
type RedisReplayCache struct {
	client *redis.Client
}

// NewRedisReplayCache connects to a Redis instance at addr.
func NewRedisReplayCache(addr string) *RedisReplayCache {
	return &RedisReplayCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisReplayCache) Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, replayKey(nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay cache: %w", err)
	}
	// SetNX returns true when the key was newly set, i.e. not previously seen.
	return !ok, nil
}

func (c *RedisReplayCache) Close() error {
	return c.client.Close()
}

func replayKey(nonce string) string {
	return "relay:replay:" + nonce
}
