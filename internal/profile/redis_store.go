// Package profile keeps the per-user preferences profile in Redis.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swipehire/matchchat/internal/model"
)

// RedisStore stores each user's preferences as one Redis hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "matchchat:prefs"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) keyFor(userID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, userID)
}

// Get returns the stored preferences. A user without any stored values gets
// an empty profile, not an error.
func (s *RedisStore) Get(ctx context.Context, userID string) (model.Preferences, error) {
	values, err := s.client.HGetAll(ctx, s.keyFor(userID)).Result()
	if err != nil {
		return model.Preferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	return model.Preferences{UserID: userID, Values: values}, nil
}

// Update merges values into the stored profile and returns the result.
// An empty value deletes its key.
func (s *RedisStore) Update(ctx context.Context, userID string, values map[string]string) (model.Preferences, error) {
	key := s.keyFor(userID)

	set := make(map[string]any, len(values))
	var del []string
	for k, v := range values {
		if v == "" {
			del = append(del, k)
			continue
		}
		set[k] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(set) > 0 {
			pipe.HSet(ctx, key, set)
		}
		if len(del) > 0 {
			pipe.HDel(ctx, key, del...)
		}
		return nil
	})
	if err != nil {
		return model.Preferences{}, fmt.Errorf("failed to update preferences: %w", err)
	}

	return s.Get(ctx, userID)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
