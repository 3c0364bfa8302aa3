// Package storage provides shared types for replication state storage.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and sentinel errors referenced by both the sqlite
// implementation and its consumers (syncer, httpapi, cmd/shipsync).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/harborview/shipsync/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrShuttingDown is returned when an operation is attempted after Close.
// Callers yield silently; work resumes after restart.
var ErrShuttingDown = errors.New("storage shutting down")

// ErrStateTransition is returned for a forbidden lifecycle transition,
// e.g. demoting a processed message back to failed.
var ErrStateTransition = errors.New("invalid state transition")

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	State       types.DeadLetterState // empty = all
	ShipID      string
	ContentType string
	Reason      string
	Limit       int // 0 = no limit
}

// Storage is the interface satisfied by *sqlite.Store.
// Consumers depend on this interface rather than the concrete type so that
// alternative implementations (mocks, proxies) can be substituted.
type Storage interface {
	// Message tracker: exactly-once-effect bookkeeping.
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	// MarkProcessed records a successful apply. Returns false when the
	// message was already processed (duplicate delivery).
	MarkProcessed(ctx context.Context, pm types.ProcessedMessage) (bool, error)
	// MarkFailed records a failed apply. A failed message may later be
	// replayed and promoted to processed; the reverse is forbidden.
	MarkFailed(ctx context.Context, pm types.ProcessedMessage) error
	CleanupProcessed(ctx context.Context, cutoff time.Time) (int64, error)
	TrackerStats(ctx context.Context) (types.TrackerStats, error)

	// Sync queue: replica outbound, FIFO per occurredAt.
	Enqueue(ctx context.Context, msg types.SyncMessage) (int64, error)
	// ClaimBatch atomically transitions up to n due pending entries to
	// sending and returns them, oldest first.
	ClaimBatch(ctx context.Context, shipID string, n int) ([]*types.QueueEntry, error)
	MarkSent(ctx context.Context, entryID int64) error
	MarkSendFailed(ctx context.Context, entryID int64, errMsg string, nextAttemptAt time.Time, attempt int) error
	DeleteQueueEntry(ctx context.Context, entryID int64) error
	PendingCount(ctx context.Context, shipID string) (int, error)
	ListQueue(ctx context.Context, shipID string) ([]*types.QueueEntry, error)
	// ReviveSending returns entries stuck in sending (crashed dispatch)
	// to pending. Called once at startup before the dispatcher runs.
	ReviveSending(ctx context.Context) (int64, error)
	// RequeueFailed flips failed entries back to pending for replay.
	RequeueFailed(ctx context.Context, shipID string) (int64, error)
	PruneSent(ctx context.Context, cutoff time.Time) (int64, error)

	// Dead-letter queue.
	Park(ctx context.Context, msg types.SyncMessage, reason, lastErr string) (*types.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*types.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id int64) (*types.DeadLetterEntry, error)
	SetDeadLetterState(ctx context.Context, id int64, state types.DeadLetterState, note string) error
	DeadLetterStats(ctx context.Context) (types.DeadLetterStats, error)

	// Ship registry (master).
	UpsertShipSeen(ctx context.Context, shipID, shipName string, at time.Time) error
	SetShipStatus(ctx context.Context, shipID string, status types.ConnectivityStatus) error
	// ListShips reports ships whose last sighting is older than
	// offlineAfter as offline; <= 0 disables the staleness check.
	ListShips(ctx context.Context, offlineAfter time.Duration) ([]*types.Ship, error)

	// Identity mapping.
	ResolveIdentity(ctx context.Context, contentType, documentID string) (string, error)
	// BindIdentity is idempotent: rebinding the same triple is a no-op.
	BindIdentity(ctx context.Context, contentType, documentID, localID string) error
	ReverseIdentity(ctx context.Context, contentType, localID string) (string, error)
	BulkBindIdentities(ctx context.Context, mappings []types.IdentityMapping) (int, error)

	// Conflicts.
	CreateConflict(ctx context.Context, rec *types.ConflictRecord) (int64, error)
	GetConflict(ctx context.Context, id int64) (*types.ConflictRecord, error)
	ListConflicts(ctx context.Context, state types.ConflictState) ([]*types.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id int64, resolution string) error

	// Metadata: small internal key/value state (media stats, schema info).
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Transactions.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle.
	Ping(ctx context.Context) error
	Close() error
}

// Transaction exposes the subset of storage operations that the apply
// pipeline needs atomically: dedup bookkeeping, identity binding and
// conflict recording must commit or roll back together.
type Transaction interface {
	MarkProcessed(ctx context.Context, pm types.ProcessedMessage) (bool, error)
	MarkFailed(ctx context.Context, pm types.ProcessedMessage) error
	BindIdentity(ctx context.Context, contentType, documentID, localID string) error
	ResolveIdentity(ctx context.Context, contentType, documentID string) (string, error)
	CreateConflict(ctx context.Context, rec *types.ConflictRecord) (int64, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}
