package repo

// This file provides the Redis seen-set store: the same versioned JSON
// snapshot as the file store, kept under a single key.
//
// Atomicity:
//   - Save is a single SET.
//   - MergeAndSave reads, merges and writes inside WATCH/MULTI and retries
//     when another writer touched the key in between.

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/slot-hunter/internal/domain"
)

// DefaultRedisKey is used when no key is configured.
const DefaultRedisKey = "slothunter:seen"

// RedisStore keeps the seen-set as one JSON snapshot under Key. A single SET
// replaces the value atomically; merges use WATCH so a concurrent writer
// cannot lose slots.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

// NewRedisStore returns a store over client. An empty key selects
// DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{Client: client, Key: key}
}

// Load returns the persisted seen-set or an empty set when the key is absent.
func (s *RedisStore) Load(ctx context.Context) ([]domain.Slot, error) {
	return s.load(ctx, s.Client)
}

// Save atomically replaces the seen-set.
func (s *RedisStore) Save(ctx context.Context, slots []domain.Slot) error {
	b, err := encodeSnapshot(slots)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.Key, b, 0).Err()
}

// MergeAndSave adds slots to the seen-set in an optimistic transaction.
func (s *RedisStore) MergeAndSave(ctx context.Context, slots []domain.Slot) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.Client.Watch(ctx, func(tx *redis.Tx) error {
			seen, err := s.load(ctx, tx)
			if err != nil {
				return err
			}
			b, err := encodeSnapshot(domain.MergeSlots(seen, slots))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.Key, b, 0)
				return nil
			})
			return err
		}, s.Key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// getter is the subset of redis.Client and redis.Tx used by load.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter) ([]domain.Slot, error) {
	b, err := c.Get(ctx, s.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.Slot{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot("redis", b)
}
