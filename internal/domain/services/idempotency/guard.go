// Package idempotency holds the keyed dispatch lease that serializes work on one payout.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

const leaseKeyPrefix = "payout:lease:"

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisClient is the subset of the redis client used by the guard
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Lease is proof that the holder may dispatch the payout
type Lease struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// Guard grants at most one live lease per internal transaction id
type Guard struct {
	redis RedisClient
	ttl   time.Duration
	now   func() time.Time
}

// NewGuard creates a guard. ttl must exceed the longest provider processing time.
func NewGuard(client RedisClient, ttl time.Duration) *Guard {
	return &Guard{redis: client, ttl: ttl, now: time.Now}
}

// TTL returns the lease lifetime
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Reserve takes a fresh lease. It fails with ErrAlreadyInFlight while another lease is live.
func (g *Guard) Reserve(ctx context.Context, id string) (*Lease, error) {
	return g.Resume(ctx, id, uuid.NewString())
}

// Resume re-takes a lease under a known token. It succeeds when the lease has
// expired or is still held by the same token, refreshing its expiry.
func (g *Guard) Resume(ctx context.Context, id, token string) (*Lease, error) {
	if token == "" {
		return g.Reserve(ctx, id)
	}
	ok, err := acquireScript.Run(ctx, g.redis, []string{leaseKeyPrefix + id}, token, g.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", id, err)
	}
	if ok != 1 {
		return nil, entities.ErrAlreadyInFlight
	}
	return &Lease{ID: id, Token: token, ExpiresAt: g.now().Add(g.ttl)}, nil
}

// Extend refreshes a held lease
func (g *Guard) Extend(ctx context.Context, lease *Lease) error {
	renewed, err := g.Resume(ctx, lease.ID, lease.Token)
	if err != nil {
		return err
	}
	lease.ExpiresAt = renewed.ExpiresAt
	return nil
}

// Release drops the lease if it is still held by the same token
func (g *Guard) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return g.ReleaseToken(ctx, lease.ID, lease.Token)
}

// ReleaseToken drops the lease of id held under token. A lease owned by another
// token is left untouched.
func (g *Guard) ReleaseToken(ctx context.Context, id, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, g.redis, []string{leaseKeyPrefix + id}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", id, err)
	}
	return nil
}

// Held reports whether a live lease exists for id
func (g *Guard) Held(ctx context.Context, id string) (bool, error) {
	err := g.redis.Get(ctx, leaseKeyPrefix+id).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lease for %s: %w", id, err)
	}
	return true, nil
}
