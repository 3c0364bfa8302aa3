package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// ResolveIdentity translates a cross-site document id to the local row id.
func (s *Store) ResolveIdentity(ctx context.Context, contentType, documentID string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	return resolveIdentity(ctx, s.db, contentType, documentID)
}

func resolveIdentity(ctx context.Context, q execer, contentType, documentID string) (string, error) {
	var localID string
	err := q.QueryRowContext(ctx,
		`SELECT local_id FROM identity_mappings WHERE content_type = ? AND document_id = ?`,
		contentType, documentID).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("mapping %s/%s: %w", contentType, documentID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity: %w", err)
	}
	return localID, nil
}

// BindIdentity records the mapping. Rebinding the same triple is a no-op;
// rebinding an existing (contentType, documentID) to a different local id
// overwrites, which is how operators repair orphans.
func (s *Store) BindIdentity(ctx context.Context, contentType, documentID, localID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return bindIdentity(ctx, s.db, contentType, documentID, localID)
}

func bindIdentity(ctx context.Context, q execer, contentType, documentID, localID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO identity_mappings (content_type, document_id, local_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_type, document_id) DO UPDATE SET local_id = excluded.local_id`,
		contentType, documentID, localID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to bind %s/%s -> %s: %w", contentType, documentID, localID, err)
	}
	return nil
}

// ReverseIdentity translates a local row id back to the document id.
func (s *Store) ReverseIdentity(ctx context.Context, contentType, localID string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var documentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id FROM identity_mappings WHERE content_type = ? AND local_id = ?`,
		contentType, localID).Scan(&documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reverse mapping %s/%s: %w", contentType, localID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to reverse identity: %w", err)
	}
	return documentID, nil
}

// BulkBindIdentities binds many mappings in one transaction (initial sync).
// Returns the number of mappings written.
func (s *Store) BulkBindIdentities(ctx context.Context, mappings []types.IdentityMapping) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	bound := 0
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, m := range mappings {
			if err := tx.BindIdentity(ctx, m.ContentType, m.DocumentID, m.LocalID); err != nil {
				return err
			}
			bound++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return bound, nil
}
