package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// IsProcessed reports whether messageID has already been applied successfully.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	return isProcessed(ctx, s.db, messageID)
}

func isProcessed(ctx context.Context, q execer, messageID string) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = ? AND status = 'processed')`,
		messageID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return ok, nil
}

// MarkProcessed records a successful apply. Returns false when the message
// was already recorded as processed (duplicate delivery). A prior failed
// record is promoted to processed.
func (s *Store) MarkProcessed(ctx context.Context, pm types.ProcessedMessage) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	return markProcessed(ctx, s.db, pm)
}

func markProcessed(ctx context.Context, q execer, pm types.ProcessedMessage) (bool, error) {
	if pm.ProcessedAt.IsZero() {
		pm.ProcessedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO processed_messages (message_id, ship_id, content_type, document_id, operation, status, processed_at)
		VALUES (?, ?, ?, ?, ?, 'processed', ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = 'processed',
			processed_at = excluded.processed_at
		WHERE processed_messages.status = 'failed'`,
		pm.MessageID, pm.ShipID, pm.ContentType, pm.DocumentID, string(pm.Operation), pm.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark message processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	// Zero rows means the conflict clause matched an existing processed row.
	return n > 0, nil
}

// MarkFailed records a failed apply. Demoting a processed message back to
// failed is forbidden and returns ErrStateTransition.
func (s *Store) MarkFailed(ctx context.Context, pm types.ProcessedMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	return markFailed(ctx, s.db, pm)
}

func markFailed(ctx context.Context, q execer, pm types.ProcessedMessage) error {
	already, err := isProcessed(ctx, q, pm.MessageID)
	if err != nil {
		return err
	}
	if already {
		return fmt.Errorf("message %s already processed: %w", pm.MessageID, storage.ErrStateTransition)
	}
	if pm.ProcessedAt.IsZero() {
		pm.ProcessedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO processed_messages (message_id, ship_id, content_type, document_id, operation, status, processed_at)
		VALUES (?, ?, ?, ?, ?, 'failed', ?)
		ON CONFLICT(message_id) DO UPDATE SET processed_at = excluded.processed_at`,
		pm.MessageID, pm.ShipID, pm.ContentType, pm.DocumentID, string(pm.Operation), pm.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// CleanupProcessed deletes tracker entries older than cutoff. Returns the
// number of rows removed. No-ops during shutdown.
func (s *Store) CleanupProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up processed messages: %w", err)
	}
	return res.RowsAffected()
}

// TrackerStats returns counts by terminal status.
func (s *Store) TrackerStats(ctx context.Context) (types.TrackerStats, error) {
	var stats types.TrackerStats
	if err := s.guard(); err != nil {
		return stats, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processed_messages GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to read tracker stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan tracker stats: %w", err)
		}
		switch types.ProcessedStatus(status) {
		case types.StatusProcessed:
			stats.Processed = count
		case types.StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}
