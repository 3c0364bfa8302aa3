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

// CreateConflict records a detected write-write conflict in open state.
func (s *Store) CreateConflict(ctx context.Context, rec *types.ConflictRecord) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return createConflict(ctx, s.db, rec)
}

func createConflict(ctx context.Context, q execer, rec *types.ConflictRecord) (int64, error) {
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO conflicts (message_id, content_type, document_id, local_snapshot, remote_snapshot, detected_at, state)
		VALUES (?, ?, ?, ?, ?, ?, 'open')`,
		rec.MessageID, rec.ContentType, rec.DocumentID,
		nullableJSON(rec.LocalSnapshot), nullableJSON(rec.RemoteSnapshot), rec.DetectedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to record conflict for %s: %w", rec.DocumentID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read conflict id: %w", err)
	}
	rec.ID = id
	rec.State = types.ConflictOpen
	return id, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const conflictSelect = `
	SELECT id, message_id, content_type, document_id, local_snapshot, remote_snapshot, detected_at, state, resolution
	FROM conflicts`

func scanConflict(row rowScanner) (*types.ConflictRecord, error) {
	var rec types.ConflictRecord
	var local, remote sql.NullString
	var state string
	err := row.Scan(&rec.ID, &rec.MessageID, &rec.ContentType, &rec.DocumentID,
		&local, &remote, &rec.DetectedAt, &state, &rec.Resolution)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	if local.Valid {
		rec.LocalSnapshot = []byte(local.String)
	}
	if remote.Valid {
		rec.RemoteSnapshot = []byte(remote.String)
	}
	rec.State = types.ConflictState(state)
	return &rec, nil
}

// GetConflict returns a conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id int64) (*types.ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return scanConflict(s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id))
}

// ListConflicts returns conflicts, optionally filtered by state, newest first.
func (s *Store) ListConflicts(ctx context.Context, state types.ConflictState) ([]*types.ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	q := conflictSelect
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY detected_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*types.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ResolveConflict closes an open conflict with the given resolution label.
func (s *Store) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET state = 'resolved', resolution = ?
		WHERE id = ? AND state = 'open'`, resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("open conflict %d: %w", id, storage.ErrNotFound)
	}
	return nil
}
