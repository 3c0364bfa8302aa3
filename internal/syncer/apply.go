package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/conflict"
	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/registry"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/transport"
	"github.com/harborview/shipsync/internal/types"
)

// HandleInbound processes one message from the bus. It is the consumer's
// handler: Ok commits the offset, Retry reschedules with backoff, Dead
// parks the message.
//
// The apply pipeline: dedup, payload validation, identity resolution,
// conflict reconciliation under the per-document lock, host apply with the
// sync origin tag, then transactional bookkeeping.
func (s *Syncer) HandleInbound(ctx context.Context, msg *types.SyncMessage) (transport.Result, error) {
	if err := msg.Validate(); err != nil {
		return transport.Dead, &transport.DeadError{Reason: "schema", Err: err}
	}

	if msg.Operation == types.OpHeartbeat {
		return s.handleHeartbeat(ctx, msg)
	}
	if s.cfg.Mode == config.ModeMaster && msg.ShipID != "" {
		// Any replica traffic proves liveness.
		s.noteShipSeen(ctx, msg.ShipID, "", msg.OccurredAt)
	}

	done, err := s.store.IsProcessed(ctx, msg.MessageID)
	if err != nil {
		return transport.Retry, err
	}
	if done {
		log.Printf("syncer: duplicate delivery of %s, skipping", msg.MessageID)
		return transport.Ok, nil
	}

	if !s.registry.Known(msg.ContentType) {
		return transport.Dead, &transport.DeadError{
			Reason: "schema",
			Err:    fmt.Errorf("%w: %s", registry.ErrUnknownType, msg.ContentType),
		}
	}
	if msg.Operation != types.OpDelete {
		if err := s.registry.ValidatePayload(msg.ContentType, msg.Payload); err != nil {
			return transport.Dead, &transport.DeadError{Reason: "schema", Err: err}
		}
	}

	unlock := s.applyLock.Lock(docKey(msg.ContentType, msg.DocumentID))
	defer unlock()

	localID, err := s.store.ResolveIdentity(ctx, msg.ContentType, msg.DocumentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if msg.Operation != types.OpCreate {
			return transport.Dead, &transport.DeadError{
				Reason: "orphan",
				Err:    fmt.Errorf("no mapping for %s/%s", msg.ContentType, msg.DocumentID),
			}
		}
		return s.applyCreate(ctx, msg)
	case err != nil:
		return transport.Retry, err
	}

	ent, err := s.entities.Get(ctx, msg.ContentType, localID)
	switch {
	case errors.Is(err, host.ErrNotFound):
		// Stale mapping: the row vanished underneath it.
		if msg.Operation == types.OpCreate {
			return s.applyCreate(ctx, msg)
		}
		return transport.Dead, &transport.DeadError{
			Reason: "orphan",
			Err:    fmt.Errorf("mapping for %s/%s points at missing row %s", msg.ContentType, msg.DocumentID, localID),
		}
	case err != nil:
		return transport.Retry, err
	}

	payload := msg.Payload
	if conflict.Detected(ent.Version, msg.BaseVersion) {
		result, merged, proceed, err := s.reconcile(ctx, msg, ent)
		if !proceed {
			return result, err
		}
		if merged != nil {
			payload = merged
		}
	}

	if err := s.applyToHost(ctx, msg, localID, payload); err != nil {
		if errors.Is(err, host.ErrNotFound) {
			return transport.Dead, &transport.DeadError{Reason: "orphan", Err: err}
		}
		return transport.Retry, err
	}
	return s.finish(ctx, msg)
}

// applyCreate inserts a fresh local row for an unmapped document and binds
// its identity together with the dedup record.
func (s *Syncer) applyCreate(ctx context.Context, msg *types.SyncMessage) (transport.Result, error) {
	syncCtx := host.WithOrigin(ctx, host.OriginSync)
	ent, err := s.entities.Create(syncCtx, msg.ContentType, msg.DocumentID, msg.Locale, msg.Payload)
	if err != nil {
		return transport.Retry, err
	}
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.BindIdentity(ctx, msg.ContentType, msg.DocumentID, ent.LocalID); err != nil {
			return err
		}
		return s.bookkeep(ctx, tx, msg, types.StatusProcessed)
	})
	if err != nil {
		return transport.Retry, err
	}
	return transport.Ok, nil
}

// reconcile runs the configured strategy over a detected version conflict.
// proceed=true means the apply should continue, with merged (when non-nil)
// replacing the wire payload; proceed=false means the message was consumed
// or condemned and result/err are final.
func (s *Syncer) reconcile(ctx context.Context, msg *types.SyncMessage, ent *host.Entity) (result transport.Result, merged json.RawMessage, proceed bool, err error) {
	strategy := s.cfg.Conflict.StrategyFor(msg.ContentType)
	if entry, ok := s.registry.Lookup(msg.ContentType); ok && entry.Strategy != "" {
		strategy = entry.Strategy
	}

	res, rerr := conflict.Resolve(strategy, conflict.Input{
		Message:        msg,
		LocalSiteID:    s.localSiteID(),
		LocalVersion:   ent.Version,
		LocalSnapshot:  ent.Data,
		LocalUpdatedAt: ent.UpdatedAt,
	})
	if rerr != nil {
		return transport.Dead, nil, false, &transport.DeadError{Reason: "conflict", Err: rerr}
	}

	switch res.Outcome {
	case conflict.ApplyRemote:
		return transport.Ok, nil, true, nil
	case conflict.ApplyMerged:
		return transport.Ok, res.Merged, true, nil
	case conflict.KeepLocal:
		// Local state wins; consume the message and keep the verdict
		// for the operator surface.
		rec := s.conflictRecord(msg, ent, types.ConflictResolved, res.Reason)
		txErr := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if _, err := tx.CreateConflict(ctx, rec); err != nil {
				return err
			}
			return s.bookkeep(ctx, tx, msg, types.StatusProcessed)
		})
		if txErr != nil {
			return transport.Retry, nil, false, txErr
		}
		log.Printf("syncer: kept local %s/%s over %s (%s)", msg.ContentType, msg.DocumentID, msg.MessageID, res.Reason)
		return transport.Ok, nil, false, nil
	case conflict.Manual:
		// Apply pauses until an operator resolves the record; the
		// message is marked failed so a later replay can promote it.
		rec := s.conflictRecord(msg, ent, types.ConflictOpen, res.Reason)
		txErr := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if _, err := tx.CreateConflict(ctx, rec); err != nil {
				return err
			}
			return tx.MarkFailed(ctx, processedMeta(msg, types.StatusFailed))
		})
		if txErr != nil {
			return transport.Retry, nil, false, txErr
		}
		log.Printf("syncer: conflict on %s/%s held for manual resolution", msg.ContentType, msg.DocumentID)
		return transport.Ok, nil, false, nil
	default: // conflict.Park
		return transport.Dead, nil, false, &transport.DeadError{
			Reason: "conflict",
			Err:    fmt.Errorf("strategy %s rejected message (%s)", strategy, res.Reason),
		}
	}
}

// applyToHost performs the actual mutation with the sync origin tag so the
// capture hook does not echo it back out.
func (s *Syncer) applyToHost(ctx context.Context, msg *types.SyncMessage, localID string, payload json.RawMessage) error {
	syncCtx := host.WithOrigin(ctx, host.OriginSync)
	switch msg.Operation {
	case types.OpCreate, types.OpUpdate:
		_, err := s.entities.Update(syncCtx, msg.ContentType, localID, payload)
		return err
	case types.OpDelete:
		return s.entities.Delete(syncCtx, msg.ContentType, localID)
	case types.OpPublish, types.OpUnpublish:
		if len(payload) > 0 {
			if _, err := s.entities.Update(syncCtx, msg.ContentType, localID, payload); err != nil {
				return err
			}
		}
		_, err := s.entities.SetPublished(syncCtx, msg.ContentType, localID, msg.Operation == types.OpPublish)
		return err
	}
	return fmt.Errorf("unhandled operation %q", msg.Operation)
}

// finish records the dedup entry (and superseded ids) after a successful
// apply.
func (s *Syncer) finish(ctx context.Context, msg *types.SyncMessage) (transport.Result, error) {
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return s.bookkeep(ctx, tx, msg, types.StatusProcessed)
	})
	if err != nil {
		return transport.Retry, err
	}
	return transport.Ok, nil
}

// bookkeep marks the message processed and short-circuits every messageId
// it superseded during debounce, all in the caller's transaction.
func (s *Syncer) bookkeep(ctx context.Context, tx storage.Transaction, msg *types.SyncMessage, status types.ProcessedStatus) error {
	if _, err := tx.MarkProcessed(ctx, processedMeta(msg, status)); err != nil {
		return err
	}
	for _, superseded := range msg.Supersedes {
		pm := types.ProcessedMessage{
			MessageID:   superseded,
			ShipID:      msg.ShipID,
			ContentType: msg.ContentType,
			DocumentID:  msg.DocumentID,
			Status:      types.StatusProcessed,
			ProcessedAt: time.Now().UTC(),
		}
		if _, err := tx.MarkProcessed(ctx, pm); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) handleHeartbeat(ctx context.Context, msg *types.SyncMessage) (transport.Result, error) {
	name := ""
	if raw, ok := msg.Extra["shipName"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	s.noteShipSeen(ctx, msg.ShipID, name, msg.OccurredAt)
	return transport.Ok, nil
}

func (s *Syncer) noteShipSeen(ctx context.Context, shipID, shipName string, at time.Time) {
	if err := s.store.UpsertShipSeen(ctx, shipID, shipName, at); err != nil {
		if !errors.Is(err, storage.ErrShuttingDown) {
			log.Printf("syncer: failed to record ship %s: %v", shipID, err)
		}
		return
	}
	if err := s.store.SetShipStatus(ctx, shipID, types.ShipOnline); err != nil && !errors.Is(err, storage.ErrShuttingDown) {
		log.Printf("syncer: failed to mark ship %s online: %v", shipID, err)
	}
}

func (s *Syncer) localSiteID() string {
	if s.cfg.Mode == config.ModeMaster {
		return ""
	}
	return s.cfg.ShipID
}

func (s *Syncer) conflictRecord(msg *types.SyncMessage, ent *host.Entity, state types.ConflictState, resolution string) *types.ConflictRecord {
	return &types.ConflictRecord{
		MessageID:      msg.MessageID,
		ContentType:    msg.ContentType,
		DocumentID:     msg.DocumentID,
		LocalSnapshot:  ent.Data,
		RemoteSnapshot: msg.Payload,
		DetectedAt:     time.Now().UTC(),
		State:          state,
		Resolution:     resolution,
	}
}

func processedMeta(msg *types.SyncMessage, status types.ProcessedStatus) types.ProcessedMessage {
	return types.ProcessedMessage{
		MessageID:   msg.MessageID,
		ShipID:      msg.ShipID,
		ContentType: msg.ContentType,
		DocumentID:  msg.DocumentID,
		Operation:   msg.Operation,
		Status:      status,
		ProcessedAt: time.Now().UTC(),
	}
}
