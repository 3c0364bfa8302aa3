package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// Enqueue persists an outbound message in pending state and returns the
// queue entry id. Re-enqueueing a messageId whose row already failed
// revives that row to pending (the dead-letter retry path re-offers the
// original message); rows in any other state are left alone.
func (s *Store) Enqueue(ctx context.Context, msg types.SyncMessage) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode sync message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (message_id, ship_id, content_type, document_id, operation, message, state, occurred_at, next_attempt_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			message = excluded.message,
			state = 'pending',
			next_attempt_at = excluded.next_attempt_at,
			last_error = ''
		WHERE sync_queue.state = 'failed'`,
		msg.MessageID, msg.ShipID, msg.ContentType, msg.DocumentID, string(msg.Operation),
		string(raw), msg.OccurredAt.UTC(), time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message %s: %w", msg.MessageID, err)
	}
	// LastInsertId is meaningless on the conflict path; read the id back.
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM sync_queue WHERE message_id = ?`, msg.MessageID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read back queue entry %s: %w", msg.MessageID, err)
	}
	return id, nil
}

// ClaimBatch atomically moves up to n due pending entries to sending and
// returns them ordered by occurred_at then insertion order. The UPDATE and
// read share one transaction so concurrent dispatchers never double-claim.
func (s *Store) ClaimBatch(ctx context.Context, shipID string, n int) ([]*types.QueueEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	now := time.Now().UTC()
	rows, err := conn.QueryContext(ctx, `
		SELECT id FROM sync_queue
		WHERE ship_id = ? AND state = 'pending' AND next_attempt_at <= ?
		ORDER BY occurred_at, id
		LIMIT ?`, shipID, now, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable entries: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan queue id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close claim rows: %w", err)
	}
	if len(ids) == 0 {
		_, _ = conn.ExecContext(ctx, "COMMIT")
		committed = true
		return nil, nil
	}

	var entries []*types.QueueEntry
	for _, id := range ids {
		if _, err := conn.ExecContext(ctx,
			`UPDATE sync_queue SET state = 'sending' WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to claim entry %d: %w", id, err)
		}
		entry, err := scanQueueEntry(conn.QueryRowContext(ctx, queueEntrySelect+` WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	committed = true
	return entries, nil
}

const queueEntrySelect = `
	SELECT id, message, state, next_attempt_at, last_error, enqueued_at
	FROM sync_queue`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (*types.QueueEntry, error) {
	var e types.QueueEntry
	var raw, state string
	if err := row.Scan(&e.ID, &raw, &state, &e.NextAttemptAt, &e.LastError, &e.EnqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.Message); err != nil {
		return nil, fmt.Errorf("failed to decode queued message: %w", err)
	}
	e.State = types.QueueState(state)
	return &e, nil
}

// MarkSent transitions a claimed entry to sent.
func (s *Store) MarkSent(ctx context.Context, entryID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.setQueueState(ctx, entryID, types.QueueSent, "", time.Time{})
}

// MarkSendFailed records a publish failure. When nextAttemptAt is non-zero
// the entry returns to pending for retry at that time; otherwise it parks in
// failed state awaiting operator replay or dead-lettering.
func (s *Store) MarkSendFailed(ctx context.Context, entryID int64, errMsg string, nextAttemptAt time.Time, attempt int) error {
	if err := s.guard(); err != nil {
		return err
	}
	state := types.QueueFailed
	if !nextAttemptAt.IsZero() {
		state = types.QueuePending
	}
	// Bump the attempt counter inside the stored message so it survives
	// restart with the entry.
	entry, err := scanQueueEntry(s.db.QueryRowContext(ctx, queueEntrySelect+` WHERE id = ?`, entryID))
	if err != nil {
		return err
	}
	entry.Message.Attempt = attempt
	raw, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("failed to encode queued message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = ?, last_error = ?, next_attempt_at = ?, message = ?
		WHERE id = ?`,
		string(state), errMsg, nextAttemptAt.UTC(), string(raw), entryID)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d failed: %w", entryID, err)
	}
	return requireRow(res, entryID)
}

func (s *Store) setQueueState(ctx context.Context, entryID int64, state types.QueueState, lastErr string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?`,
		string(state), lastErr, nextAttemptAt.UTC(), entryID)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", entryID, err)
	}
	return requireRow(res, entryID)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue entry %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteQueueEntry removes an entry outright (sent entries past the ack age).
func (s *Store) DeleteQueueEntry(ctx context.Context, entryID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry %d: %w", entryID, err)
	}
	return nil
}

// PendingCount returns the number of entries awaiting dispatch for a ship.
func (s *Store) PendingCount(ctx context.Context, shipID string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE ship_id = ? AND state IN ('pending', 'sending')`,
		shipID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// ListQueue returns all live entries for a ship, oldest first.
func (s *Store) ListQueue(ctx context.Context, shipID string) ([]*types.QueueEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		queueEntrySelect+` WHERE ship_id = ? ORDER BY occurred_at, id`, shipID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReviveSending returns crashed sending entries to pending. Called once at
// startup before the dispatcher begins claiming.
func (s *Store) ReviveSending(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = 'pending' WHERE state = 'sending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to revive sending entries: %w", err)
	}
	return res.RowsAffected()
}

// RequeueFailed flips failed entries back to pending for operator replay.
func (s *Store) RequeueFailed(ctx context.Context, shipID string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = 'pending', next_attempt_at = ?
		WHERE ship_id = ? AND state = 'failed'`, time.Now().UTC(), shipID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed entries: %w", err)
	}
	return res.RowsAffected()
}

// PruneSent removes sent entries older than cutoff.
func (s *Store) PruneSent(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE state = 'sent' AND enqueued_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sent entries: %w", err)
	}
	return res.RowsAffected()
}
