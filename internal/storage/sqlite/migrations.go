package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single versioned schema change. The base schema creates
// tables with IF NOT EXISTS, so migrations only carry changes that postdate
// a released schema.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, db *sql.DB) error
}

// migrationList is ordered by version. Append only; never renumber.
var migrationList = []migration{
	{
		version: 1,
		name:    "dead_letter_reason_index",
		apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_dead_letter_reason ON dead_letter(reason)`)
			return err
		},
	},
	{
		version: 2,
		name:    "processed_messages_document_index",
		apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_processed_messages_document ON processed_messages(content_type, document_id)`)
			return err
		},
	},
}

func (s *Store) applyMigrations(ctx context.Context) error {
	for _, m := range migrationList {
		var applied bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}
		if err := m.apply(ctx, s.db); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}
