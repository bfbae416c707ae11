package kvstore

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "pulsefeed:"

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

type RedisStoreOptions struct {
	DSN       string
	KeyPrefix string
	Client    *redis.Client
}

func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	client := opts.Client
	if client == nil {
		dsn := strings.TrimSpace(opts.DSN)
		if dsn == "" {
			return nil, ErrInvalidInput
		}
		redisOpts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(redisOpts)
	}
	keyPrefix := opts.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidInput
	}
	value, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	return s.client.Set(ctx, s.keyPrefix+key, value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
