//go:build integration

package replay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fedhub/internal/federation/replay"
	"fedhub/pkg/platform/sentinel"
	"fedhub/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *replay.Redis
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.cache = replay.NewRedis(s.redis.Client)
}

func (s *RedisCacheSuite) TearDownSuite() {
	_ = s.redis.Client.Close()
	_ = s.redis.Container.Terminate(context.Background())
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestConsume() {
	ctx := context.Background()

	s.Run("first use succeeds", func() {
		s.NoError(s.cache.Consume(ctx, "GBR", "nonce-1", 6*time.Minute))
	})

	s.Run("second use within ttl is a replay", func() {
		err := s.cache.Consume(ctx, "GBR", "nonce-1", 6*time.Minute)
		s.ErrorIs(err, sentinel.ErrReplayed)
	})

	s.Run("same nonce from a different instance is independent", func() {
		s.NoError(s.cache.Consume(ctx, "FRA", "nonce-1", 6*time.Minute))
	})
}

func (s *RedisCacheSuite) TestTTLExpiry() {
	ctx := context.Background()

	s.Require().NoError(s.cache.Consume(ctx, "GBR", "short-lived", time.Second))
	s.ErrorIs(s.cache.Consume(ctx, "GBR", "short-lived", time.Second), sentinel.ErrReplayed)

	time.Sleep(1500 * time.Millisecond)

	s.NoError(s.cache.Consume(ctx, "GBR", "short-lived", time.Second),
		"nonce becomes reusable after the freshness window")
}
