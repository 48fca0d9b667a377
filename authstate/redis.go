package authstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "spotlink:authstate:"

// RedisStore keeps states in Redis so any replica can complete a flow started on another.
// Expiry is Redis key TTL; consumption is GETDEL, which is atomic.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Issue(ctx context.Context, ownerUserID int64) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tok, err := NewToken()
		if err != nil {
			return "", err
		}
		set, err := s.client.SetNX(ctx, redisKeyPrefix+tok, strconv.FormatInt(ownerUserID, 10), s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("store auth state: %w", err)
		}
		if set {
			return tok, nil
		}
	}
	return "", fmt.Errorf("store auth state: token collision")
}

func (s *RedisStore) Consume(ctx context.Context, token string) (int64, bool, error) {
	if token == "" {
		return 0, false, nil
	}
	v, err := s.client.GetDel(ctx, redisKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume auth state: %w", err)
	}
	owner, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt auth state value %q: %w", v, err)
	}
	return owner, true, nil
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
