//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pfexchange/internal/family/lock"
	"pfexchange/pkg/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	ctx   context.Context
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.ctx = context.Background()
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisLockSuite) newLock(ttl time.Duration) *lock.Redis {
	l, err := lock.NewRedis(s.redis.Client, "test:batch-lock", ttl)
	s.Require().NoError(err)
	return l
}

func (s *RedisLockSuite) TestExclusiveAcrossInstances() {
	a := s.newLock(time.Minute)
	b := s.newLock(time.Minute)

	ok, err := a.TryAcquire(s.ctx)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = b.TryAcquire(s.ctx)
	s.Require().NoError(err)
	s.False(ok, "second replica must not get the lock")

	s.Require().NoError(a.Release(s.ctx))

	ok, err = b.TryAcquire(s.ctx)
	s.Require().NoError(err)
	s.True(ok)
	s.Require().NoError(b.Release(s.ctx))
}

func (s *RedisLockSuite) TestReleaseDoesNotDropForeignLease() {
	a := s.newLock(200 * time.Millisecond)
	b := s.newLock(time.Minute)

	ok, err := a.TryAcquire(s.ctx)
	s.Require().NoError(err)
	s.Require().True(ok)

	// a's lease expires and b takes over
	s.Eventually(func() bool {
		ok, err := b.TryAcquire(s.ctx)
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)

	s.Require().NoError(a.Release(s.ctx))

	val, err := s.redis.Client.Exists(s.ctx, "test:batch-lock").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), val, "b's lease must survive a's release")
}
