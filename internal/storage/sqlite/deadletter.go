package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// parkState maps a dead-letter reason to the entry's initial state. A
// publish park is waiting on the link and stays pending; every inbound
// reason (orphan, schema, conflict, apply) is terminal until an operator
// intervenes, so it lands as exhausted.
func parkState(reason string) string {
	if reason == "publish" {
		return string(types.DeadLetterPending)
	}
	return string(types.DeadLetterExhausted)
}

// Park stores a message that exhausted its retries. Re-parking the same
// messageId bumps the attempt counter and lastSeenAt instead of inserting a
// duplicate, so upstream redelivery of a parked message is harmless.
func (s *Store) Park(ctx context.Context, msg types.SyncMessage, reason, lastErr string) (*types.DeadLetterEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dead-lettered message: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (message_id, ship_id, content_type, document_id, operation, message, state, reason, attempts, last_error, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			attempts = dead_letter.attempts + 1,
			last_error = excluded.last_error,
			reason = excluded.reason,
			state = excluded.state,
			last_seen_at = excluded.last_seen_at`,
		msg.MessageID, msg.ShipID, msg.ContentType, msg.DocumentID, string(msg.Operation),
		string(raw), parkState(reason), reason, lastErr, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to park message %s: %w", msg.MessageID, err)
	}
	return s.getDeadLetterByMessageID(ctx, msg.MessageID)
}

const deadLetterSelect = `
	SELECT id, message, state, reason, attempts, last_error, first_seen_at, last_seen_at
	FROM dead_letter`

func scanDeadLetter(row rowScanner) (*types.DeadLetterEntry, error) {
	var e types.DeadLetterEntry
	var raw, state string
	err := row.Scan(&e.ID, &raw, &state, &e.Reason, &e.Attempts, &e.LastError, &e.FirstSeenAt, &e.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan dead-letter entry: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.Message); err != nil {
		return nil, fmt.Errorf("failed to decode dead-lettered message: %w", err)
	}
	e.State = types.DeadLetterState(state)
	return &e, nil
}

func (s *Store) getDeadLetterByMessageID(ctx context.Context, messageID string) (*types.DeadLetterEntry, error) {
	return scanDeadLetter(s.db.QueryRowContext(ctx,
		deadLetterSelect+` WHERE message_id = ?`, messageID))
}

// GetDeadLetter returns a single parked entry by row id.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*types.DeadLetterEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return scanDeadLetter(s.db.QueryRowContext(ctx, deadLetterSelect+` WHERE id = ?`, id))
}

// ListDeadLetters returns parked entries matching the filter, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]*types.DeadLetterEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(f.State))
	}
	if f.ShipID != "" {
		conds = append(conds, "ship_id = ?")
		args = append(args, f.ShipID)
	}
	if f.ContentType != "" {
		conds = append(conds, "content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.Reason != "" {
		conds = append(conds, "reason = ?")
		args = append(args, f.Reason)
	}
	q := deadLetterSelect
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY last_seen_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetDeadLetterState transitions a parked entry. The note lands in
// last_error so the health surface can show the latest disposition.
func (s *Store) SetDeadLetterState(ctx context.Context, id int64, state types.DeadLetterState, note string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter SET state = ?, last_error = ?, last_seen_at = ?
		WHERE id = ?`, string(state), note, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update dead-letter %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dead-letter %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeadLetterStats returns the per-state breakdown for the health surface.
func (s *Store) DeadLetterStats(ctx context.Context) (types.DeadLetterStats, error) {
	var stats types.DeadLetterStats
	if err := s.guard(); err != nil {
		return stats, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM dead_letter GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("failed to read dead-letter stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, fmt.Errorf("failed to scan dead-letter stats: %w", err)
		}
		switch types.DeadLetterState(state) {
		case types.DeadLetterPending:
			stats.Pending = count
		case types.DeadLetterRetrying:
			stats.Retrying = count
		case types.DeadLetterExhausted:
			stats.Exhausted = count
		case types.DeadLetterResolved:
			stats.Resolved = count
		}
	}
	return stats, rows.Err()
}
