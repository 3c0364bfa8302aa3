package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetMetadata stores internal key/value state (media stats, bookkeeping).
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return setMetadata(ctx, s.db, key, value)
}

func setMetadata(ctx context.Context, q execer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the stored value, or "" when the key is absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	return getMetadata(ctx, s.db, key)
}

func getMetadata(ctx context.Context, q execer, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, nil
}
