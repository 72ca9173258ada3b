// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "lwm2m:bootstrap:"

// RedisStore keeps bootstrap configs as JSON documents in Redis, one key per
// endpoint plus one for the default.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ DefaultStore = (*RedisStore)(nil)

// NewRedisStore creates a store on client.
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) endpointKey(endpoint string) string {
	return s.prefix + "endpoint:" + endpoint
}

func (s *RedisStore) defaultKey() string {
	return s.prefix + "default"
}

func (s *RedisStore) Get(ctx context.Context, endpoint string) (Config, bool, error) {
	return s.load(ctx, s.endpointKey(endpoint))
}

func (s *RedisStore) Default(ctx context.Context) (Config, bool, error) {
	return s.load(ctx, s.defaultKey())
}

// Put stores cfg for endpoint.
func (s *RedisStore) Put(ctx context.Context, endpoint string, cfg Config) error {
	return s.save(ctx, s.endpointKey(endpoint), cfg)
}

// PutDefault stores the default config.
func (s *RedisStore) PutDefault(ctx context.Context, cfg Config) error {
	return s.save(ctx, s.defaultKey(), cfg)
}

// Delete removes endpoint's config.
func (s *RedisStore) Delete(ctx context.Context, endpoint string) error {
	if err := s.client.Del(ctx, s.endpointKey(endpoint)).Err(); err != nil {
		return fmt.Errorf("failed to delete bootstrap config for %s: %w", endpoint, err)
	}
	return nil
}

// Ping checks the connection to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, key string) (Config, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Config{}, false, nil
		}
		return Config{}, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("failed to unmarshal bootstrap config %s: %w", key, err)
	}
	return cfg, true, nil
}

func (s *RedisStore) save(ctx context.Context, key string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal bootstrap config: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}
