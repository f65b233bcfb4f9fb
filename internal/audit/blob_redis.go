package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBlobStore keeps blobs as Redis string values. Update watches the key
// and commits through MULTI/EXEC, retrying when another writer got there first.
type RedisBlobStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBlobStore parses a redis:// URL. No connection is made until first use.
func NewRedisBlobStore(url, prefix string) (*RedisBlobStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewRedisBlobStoreFromClient(redis.NewClient(opts), prefix), nil
}

// NewRedisBlobStoreFromClient wraps an existing client. Keys are stored as
// prefix + key.
func NewRedisBlobStoreFromClient(client *redis.Client, prefix string) *RedisBlobStore {
	return &RedisBlobStore{client: client, prefix: prefix}
}

func (r *RedisBlobStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

func (r *RedisBlobStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	fullKey := r.prefix + key

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, next, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, fullKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update blob: %w", err)
		}
		return nil
	}
	return errCASConflict
}

func (r *RedisBlobStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Close closes the Redis connection pool.
func (r *RedisBlobStore) Close() error {
	return r.client.Close()
}
