package selfheal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownLock coordinates tighten/relax transitions across multiple
// controller replicas so two processes watching the same policy
// domain don't both fire a transition inside the same cooldown
// window. Optional: a Controller with no lock attached behaves exactly
// as the single-process original.
type CooldownLock interface {
	// TryAcquire reports whether the caller won the lock for key for
	// the given duration; false means another replica holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisCooldownLock implements CooldownLock with a single atomic
// SET NX EX, the same primitive pkg/kernel/limiter_redis.go uses for
// its token-bucket key, applied here as a simple mutual-exclusion
// lock rather than a rate-limit counter.
type RedisCooldownLock struct {
	client *redis.Client
}

// NewRedisCooldownLock wraps an existing client.
func NewRedisCooldownLock(client *redis.Client) *RedisCooldownLock {
	return &RedisCooldownLock{client: client}
}

func (l *RedisCooldownLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, fmt.Sprintf("selfheal:cooldown:%s", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("selfheal: redis cooldown lock: %w", err)
	}
	return ok, nil
}
