package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/database"
)

var (
	// ErrEmptyKey is returned when Put or Get is called without a key.
	ErrEmptyKey = errors.New("store: empty key")

	// ErrInvalidValue is returned when a value is not valid JSON.
	ErrInvalidValue = errors.New("store: value is not valid JSON")

	// ErrUnknownBackend is returned by Open for an unrecognised backend name.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// Store is a key/value store for computer updates.
type Store interface {
	// Put replaces the value stored at key. value must be JSON.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value at key. found is false when nothing is stored.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// List returns every entry ordered by key.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}

// Entry is one stored update.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Open builds the backend selected by cfg.Store.Backend.
//
// Parameters:
//   - ctx: Bounds connection checks and migrations
//   - cfg: Full bridge configuration; only the store, database and redis sections are read
//
// Returns:
//   - Store: Ready-to-use backend; the caller must Close it
//   - error: If the backend cannot be reached or is unknown
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendSQLite:
		db, err := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		s, err := NewSQLiteStore(ctx, db)
		if err != nil {
			db.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, err
		}
		s.ownsDB = true
		return s, nil
	case config.StoreBackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case config.StoreBackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Store.Backend)
	}
}

func validate(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if !json.Valid(value) {
		return ErrInvalidValue
	}
	return nil
}
