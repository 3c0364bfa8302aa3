package sqlite

import (
	"context"
	"database/sql"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// txStore implements storage.Transaction on a dedicated connection holding
// an open transaction. See Store.RunInTransaction.
type txStore struct {
	conn *sql.Conn
}

var _ storage.Transaction = (*txStore)(nil)

func (t *txStore) MarkProcessed(ctx context.Context, pm types.ProcessedMessage) (bool, error) {
	return markProcessed(ctx, t.conn, pm)
}

func (t *txStore) MarkFailed(ctx context.Context, pm types.ProcessedMessage) error {
	return markFailed(ctx, t.conn, pm)
}

func (t *txStore) BindIdentity(ctx context.Context, contentType, documentID, localID string) error {
	return bindIdentity(ctx, t.conn, contentType, documentID, localID)
}

func (t *txStore) ResolveIdentity(ctx context.Context, contentType, documentID string) (string, error) {
	return resolveIdentity(ctx, t.conn, contentType, documentID)
}

func (t *txStore) CreateConflict(ctx context.Context, rec *types.ConflictRecord) (int64, error) {
	return createConflict(ctx, t.conn, rec)
}

func (t *txStore) SetMetadata(ctx context.Context, key, value string) error {
	return setMetadata(ctx, t.conn, key, value)
}

func (t *txStore) GetMetadata(ctx context.Context, key string) (string, error) {
	return getMetadata(ctx, t.conn, key)
}
