package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// UpsertShipSeen registers a ship sighting: inserts the ship on first
// contact, otherwise bumps last_seen_at and flips it online. An empty
// shipName keeps the stored name.
func (s *Store) UpsertShipSeen(ctx context.Context, shipID, shipName string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ships (ship_id, ship_name, status, last_seen_at, created_at)
		VALUES (?, ?, 'online', ?, ?)
		ON CONFLICT(ship_id) DO UPDATE SET
			ship_name = CASE WHEN excluded.ship_name != '' THEN excluded.ship_name ELSE ships.ship_name END,
			status = 'online',
			last_seen_at = excluded.last_seen_at`,
		shipID, shipName, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert ship %s: %w", shipID, err)
	}
	return nil
}

// SetShipStatus forces a ship's connectivity status.
func (s *Store) SetShipStatus(ctx context.Context, shipID string, status types.ConnectivityStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ships SET status = ? WHERE ship_id = ?`, string(status), shipID)
	if err != nil {
		return fmt.Errorf("failed to set status for ship %s: %w", shipID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ship %s: %w", shipID, storage.ErrNotFound)
	}
	return nil
}

// ListShips returns the fleet registry ordered by ship id. A ship whose
// last_seen_at is older than offlineAfter is reported offline regardless of
// its stored status; staleness is evaluated on read, nothing writes it back.
// offlineAfter <= 0 disables the check.
func (s *Store) ListShips(ctx context.Context, offlineAfter time.Duration) ([]*types.Ship, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	// The zero cutoff predates every sighting, so the CASE never fires
	// when the check is disabled.
	var cutoff time.Time
	if offlineAfter > 0 {
		cutoff = time.Now().UTC().Add(-offlineAfter)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ship_id, ship_name,
			CASE WHEN status = 'online' AND last_seen_at < ? THEN 'offline' ELSE status END,
			last_seen_at, created_at
		FROM ships ORDER BY ship_id`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list ships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ships []*types.Ship
	for rows.Next() {
		var sh types.Ship
		var status string
		if err := rows.Scan(&sh.ShipID, &sh.ShipName, &status, &sh.LastSeenAt, &sh.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ship: %w", err)
		}
		sh.Status = types.ConnectivityStatus(status)
		ships = append(ships, &sh)
	}
	return ships, rows.Err()
}
