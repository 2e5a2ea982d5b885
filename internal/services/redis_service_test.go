package services

import (
	"context"
	"testing"
	"time"

	"realtime-service/internal/database"
	"realtime-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisService connects to a local Redis, skipping the test when none
// is reachable. Keys are namespaced per test.
func newTestRedisService(t *testing.T) *RedisService {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skip("Redis is not available, skipping test")
	}

	s := NewRedisService(database.NewRedisClient(rdb, logger.Discard()), time.Minute, logger.Discard())
	s.prefix = "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), s.prefix+"*").Result()
		if len(keys) > 0 {
			rdb.Del(context.Background(), keys...)
		}
		rdb.Close()
	})
	return s
}

func TestPresenceOnlineOffline(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	status, err := s.UserStatus(ctx, "42")
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.True(t, status.LastSeen.IsZero())

	require.NoError(t, s.SetUserOnline(ctx, "42"))
	online, err := s.IsUserOnline(ctx, "42")
	require.NoError(t, err)
	assert.True(t, online)

	users, err := s.GetOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, users)

	status, err = s.UserStatus(ctx, "42")
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.False(t, status.LastSeen.IsZero())

	require.NoError(t, s.SetUserOffline(ctx, "42"))
	online, err = s.IsUserOnline(ctx, "42")
	require.NoError(t, err)
	assert.False(t, online)

	status, err = s.UserStatus(ctx, "42")
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.False(t, status.LastSeen.IsZero())
}

func TestCheckRateLimit(t *testing.T) {
	s := newTestRedisService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := s.CheckRateLimit(ctx, "ws:7", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "hit %d", i)
	}
	allowed, err := s.CheckRateLimit(ctx, "ws:7", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other keys are unaffected.
	allowed, err = s.CheckRateLimit(ctx, "ws:8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}
