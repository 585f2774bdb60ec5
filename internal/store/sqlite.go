package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/database"

	_ "github.com/nerrad567/cc-bridge/migrations" // Registers the kv_entries schema
)

// SQLiteStore keeps entries in the kv_entries table.
type SQLiteStore struct {
	db     *database.DB
	ownsDB bool
}

// NewSQLiteStore applies pending migrations and returns a store over db.
// The caller keeps ownership of db.
func NewSQLiteStore(ctx context.Context, db *database.DB) (*SQLiteStore, error) {
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validate(key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_entries WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value, updated_at FROM kv_entries ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			value     string
			updatedAt string
		)
		if err := rows.Scan(&e.Key, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Value = []byte(value)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // Format is controlled
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// Close closes the database only when Open created it.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
