package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"realtime-service/internal/database"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "notify:"

// PresenceStatus is what the service knows about one user's reachability.
type PresenceStatus struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// RedisService keeps presence and rate-limit state in Redis so other
// services can read who is online.
type RedisService struct {
	client      *database.RedisClient
	presenceTTL time.Duration
	prefix      string
	logger      *slog.Logger
}

func NewRedisService(client *database.RedisClient, presenceTTL time.Duration, logger *slog.Logger) *RedisService {
	if presenceTTL <= 0 {
		presenceTTL = 5 * time.Minute
	}
	return &RedisService{
		client:      client,
		presenceTTL: presenceTTL,
		prefix:      defaultKeyPrefix,
		logger:      logger.With(slog.String("component", "redis")),
	}
}

func (r *RedisService) onlineKey() string { return r.prefix + "online_users" }

func (r *RedisService) statusKey(userID string) string {
	return fmt.Sprintf("%suser:%s:status", r.prefix, userID)
}

// =============================================================================
// User Status Management
// =============================================================================

func (r *RedisService) SetUserOnline(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	pipe := r.client.GetClient().Pipeline()

	pipe.SAdd(ctx, r.onlineKey(), userID)
	pipe.HSet(ctx, r.statusKey(userID), map[string]interface{}{
		"status":     "online",
		"last_seen":  now,
		"updated_at": now,
	})
	pipe.Expire(ctx, r.statusKey(userID), r.presenceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to set user online", "userID", userID, "error", err)
		return fmt.Errorf("set %s online: %w", userID, err)
	}

	r.logger.Debug("User set to online", "userID", userID)
	return nil
}

func (r *RedisService) SetUserOffline(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	pipe := r.client.GetClient().Pipeline()

	pipe.SRem(ctx, r.onlineKey(), userID)
	pipe.HSet(ctx, r.statusKey(userID), map[string]interface{}{
		"status":     "offline",
		"last_seen":  now,
		"updated_at": now,
	})
	// Offline status is kept longer so last_seen stays readable.
	pipe.Expire(ctx, r.statusKey(userID), 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to set user offline", "userID", userID, "error", err)
		return fmt.Errorf("set %s offline: %w", userID, err)
	}

	r.logger.Debug("User set to offline", "userID", userID)
	return nil
}

func (r *RedisService) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	return r.client.GetClient().SIsMember(ctx, r.onlineKey(), userID).Result()
}

func (r *RedisService) GetOnlineUsers(ctx context.Context) ([]string, error) {
	return r.client.GetClient().SMembers(ctx, r.onlineKey()).Result()
}

// UserStatus reads the presence hash of userID. Unknown users are reported
// offline with a zero LastSeen.
func (r *RedisService) UserStatus(ctx context.Context, userID string) (PresenceStatus, error) {
	status := PresenceStatus{UserID: userID}

	fields, err := r.client.GetClient().HGetAll(ctx, r.statusKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return status, err
	}
	status.Online = fields["status"] == "online"
	if ts, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		status.LastSeen = time.Unix(ts, 0)
	}
	return status, nil
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit records one hit on key and reports whether the hits within
// the trailing window, this one excluded, are still under limit.
func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixNano()
	key = r.prefix + "ratelimit:" + key

	pipe := r.client.GetClient().Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() < int64(limit), nil
}

// Ping reports whether Redis answers.
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}
