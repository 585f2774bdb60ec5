package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIndexKey is the set of stored keys, relative to the key prefix.
const redisIndexKey = "index"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each entry as a JSON record under KeyPrefix+key and
// tracks the keys in a set so List needs no SCAN.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// redisRecord is the stored form of an Entry.
type redisRecord struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Address, err)
	}
	return &RedisStore{rdb: rdb, prefix: opts.KeyPrefix}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validate(key, value); err != nil {
		return err
	}
	data, err := json.Marshal(redisRecord{Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.prefix+key, data, 0)
		pipe.SAdd(ctx, s.prefix+redisIndexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return rec.Value, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	keys, err := s.rdb.SMembers(ctx, s.prefix+redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}
	slices.Sort(keys)

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	values, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading entries: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // Removed between SMEMBERS and MGET
		}
		var rec redisRecord
		if err := json.NewDecoder(strings.NewReader(raw)).Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", keys[i], err)
		}
		entries = append(entries, Entry{Key: keys[i], Value: rec.Value, UpdatedAt: rec.UpdatedAt})
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("closing redis: %w", err)
	}
	return nil
}
