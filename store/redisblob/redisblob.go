// Package redisblob provides a Redis-backed store.BlobStore for actor
// documents and binding records.
package redisblob

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/planloop/planloop/store"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed blob store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: BLOB_KEY_PREFIX
	KeyPrefix string `env:"BLOB_KEY_PREFIX,default=planloop:blobs:"`
}

// Store implements store.BlobStore on a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "planloop:blobs:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client; the caller owns its lifecycle.
func NewWithClient(client *redis.Client, keyPrefix string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "planloop:blobs:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}, nil
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return res, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }
