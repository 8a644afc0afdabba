// Package redisstore provides an optional Redis-backed value store for
// deployments where device state needs to survive a process restart or be
// shared across multiple gateway instances fronting the same device. It is
// deliberately a much smaller surface than statestore.Store: Redis already
// handles TTL and durability, so this package only has to move bytes.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures a Store.
type Config struct {
	// Client is a pre-constructed Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces every key this store touches. Defaults to
	// "mcpd:state:".
	KeyPrefix string
}

// Store persists key/value pairs to Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redisstore: client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcpd:state:"
	}
	return &Store{client: cfg.Client, keyPrefix: prefix}, nil
}

type record struct {
	Value any `json:"value"`
}

// Set stores value for key with the given TTL (zero means no expiry).
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(record{Value: value})
	if err != nil {
		return fmt.Errorf("redisstore: marshal value: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), b, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

// Get loads the value for key into dst (a pointer), reporting ok=false if
// the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string, dst any) (ok bool, err error) {
	res := s.client.Get(ctx, s.key(key))
	if res.Err() != nil {
		if res.Err() == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("redisstore: get %s: %w", key, res.Err())
	}
	var rec record
	rec.Value = dst
	if err := json.Unmarshal([]byte(res.Val()), &rec); err != nil {
		return false, fmt.Errorf("redisstore: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return s.keyPrefix + key
}
