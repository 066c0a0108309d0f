package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this store writes so Clear cannot touch
// unrelated data in a shared Redis.
const keyPrefix = "docengine:"

// RedisStore is a Store backed by Redis. Values are stored as JSON strings
// and TTLs map onto native Redis expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given address. Use db 0 unless the
// deployment partitions by database.
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client}
}

// NewRedisStoreFromClient wraps an existing client, which the caller
// remains responsible for closing.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (map[string]any, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Cause: err}
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, &StoreError{Op: "get", Key: key, Cause: err}
	}
	return value, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &StoreError{Op: "set", Key: key, Cause: err}
	}
	if err := s.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return &StoreError{Op: "set", Key: key, Cause: err}
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	return nil
}

// Clear implements Store. Only keys under this store's prefix are removed.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return &StoreError{Op: "clear", Key: iter.Val(), Cause: err}
		}
	}
	if err := iter.Err(); err != nil {
		return &StoreError{Op: "clear", Key: keyPrefix + "*", Cause: err}
	}
	return nil
}

// Healthy implements Store.
func (s *RedisStore) Healthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close releases the underlying client. Only call when this store owns it.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
