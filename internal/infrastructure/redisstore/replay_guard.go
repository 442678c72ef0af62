package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"finsync/internal/domain/webhook"
)

// ReplayGuard remembers verified webhook tokens until they can no longer pass
// the age check.
type ReplayGuard struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewReplayGuard(client redis.UniversalClient, keyPrefix string) *ReplayGuard {
	if keyPrefix == "" {
		keyPrefix = "finsync:webhook:seen:"
	}
	return &ReplayGuard{client: client, keyPrefix: keyPrefix}
}

var _ webhook.ReplayGuard = (*ReplayGuard)(nil)

// MarkSeen returns true the first time id is seen within ttl.
func (g *ReplayGuard) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+id, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook token: %w", err)
	}
	return ok, nil
}

func (g *ReplayGuard) Forget(ctx context.Context, id string) error {
	if err := g.client.Del(ctx, g.keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to forget webhook token: %w", err)
	}
	return nil
}
