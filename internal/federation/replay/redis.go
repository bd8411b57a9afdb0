package replay

import (
	"context"
	"fmt"

	"time"

	"github.com/redis/go-redis/v9"

	"fedhub/pkg/platform/sentinel"
)

const keyPrefix = "federation:enrollment:nonce:"

// Redis is the shared nonce cache for multi-node deployments. SETNX with a
// TTL matching the freshness window makes consumption atomic across nodes.
type Redis struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed nonce cache.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Consume(ctx context.Context, instanceCode, nonce string, ttl time.Duration) error {
	key := keyPrefix + instanceCode + ":" + nonce
	set, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		// A dead cache must fail closed: without it replays are undetectable.
		return fmt.Errorf("consume nonce: %w: %w", sentinel.ErrUnavailable, err)
	}
	if !set {
		return sentinel.ErrReplayed
	}
	return nil
}
