package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/espalier/pkg/ports"
)

const lockRetryInterval = 100 * time.Millisecond

// releaseScript deletes the lock key only while it still holds our token,
// so a lock that expired and was taken over by another holder survives.
var releaseScript = backend.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker serializes turns on a conversation across processes using Redis
// SET NX PX.
type Locker struct {
	client *backend.Client
	prefix string
}

// NewLocker creates a Redis-backed locker with the given key prefix.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
	}
}

// Lock acquires the lock for the given key, polling until the context
// expires. The first attempt happens immediately, so an uncontended lock
// never waits out a retry interval.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	unlock, acquired, err := l.tryLock(ctx, lockKey, token, ttl)
	if err != nil || acquired {
		return unlock, err
	}

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			unlock, acquired, err := l.tryLock(ctx, lockKey, token, ttl)
			if err != nil || acquired {
				return unlock, err
			}
		}
	}
}

func (l *Locker) tryLock(ctx context.Context, lockKey, token string, ttl time.Duration) (ports.UnlockFunc, bool, error) {
	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: acquiring lock %q: %w", lockKey, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}, true, nil
}
