package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"finsync/internal/domain/openfinance"
)

// releaseScript deletes the key only when it still holds our token, so a
// holder whose lock expired cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements openfinance.Locker with SET NX PX.
type Locker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewLocker creates a Locker. keyPrefix is prepended to every key and may be empty.
func NewLocker(client redis.UniversalClient, keyPrefix string) *Locker {
	return &Locker{client: client, keyPrefix: keyPrefix}
}

var _ openfinance.Locker = (*Locker)(nil)

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	full := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, openfinance.ErrLockHeld
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}
