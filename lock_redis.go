package holderfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock keeps leases as expiring keys in Redis.
type RedisLock struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLock creates a lock storing keys under keyPrefix.
func NewRedisLock(client redis.UniversalClient, keyPrefix string) *RedisLock {
	return &RedisLock{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (l *RedisLock) key(entityID string) string {
	return fmt.Sprintf("%s:lock:%s", l.keyPrefix, entityID)
}

// TryAcquire sets the key with NX and a PX expiry.
func (l *RedisLock) TryAcquire(ctx context.Context, entityID string, ttl time.Duration) (*Lease, error) {
	var (
		token     = uuid.NewString()
		expiresAt = time.Now().Add(ttl)
	)

	acquired, err := l.client.SetNX(ctx, l.key(entityID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", entityID, err)
	}

	if !acquired {
		return nil, nil
	}

	return &Lease{
		EntityID:  entityID,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Release removes the key if it still carries our token.
func (l *RedisLock) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{l.key(lease.EntityID)}, lease.Token).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", lease.EntityID, err)
	}
	return nil
}
