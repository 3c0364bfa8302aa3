package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

const storageScopeName = "github.com/harborview/shipsync/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in sync.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	ops      metric.Int64Counter
	dur      metric.Float64Histogram
	errs     metric.Int64Counter
	msgGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("sync.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("sync.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("sync.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	msgGauge, _ := m.Int64Gauge("sync.message.count",
		metric.WithDescription("Tracked messages by status (snapshot from TrackerStats)"),
	)
	return &InstrumentedStorage{
		inner:    s,
		tracer:   Tracer(storageScopeName),
		ops:      ops,
		dur:      dur,
		errs:     errs,
		msgGauge: msgGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Message tracker ─────────────────────────────────────────────────────────

func (s *InstrumentedStorage) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("sync.message.id", messageID)}
	ctx, span, t := s.op(ctx, "IsProcessed", attrs...)
	v, err := s.inner.IsProcessed(ctx, messageID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) MarkProcessed(ctx context.Context, pm types.ProcessedMessage) (bool, error) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.message.id", pm.MessageID),
		attribute.String("sync.ship.id", pm.ShipID),
	}
	ctx, span, t := s.op(ctx, "MarkProcessed", attrs...)
	v, err := s.inner.MarkProcessed(ctx, pm)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) MarkFailed(ctx context.Context, pm types.ProcessedMessage) error {
	attrs := []attribute.KeyValue{attribute.String("sync.message.id", pm.MessageID)}
	ctx, span, t := s.op(ctx, "MarkFailed", attrs...)
	err := s.inner.MarkFailed(ctx, pm)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) CleanupProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span, t := s.op(ctx, "CleanupProcessed")
	n, err := s.inner.CleanupProcessed(ctx, cutoff)
	if err == nil {
		span.SetAttributes(attribute.Int64("sync.removed.count", n))
	}
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) TrackerStats(ctx context.Context) (types.TrackerStats, error) {
	ctx, span, t := s.op(ctx, "TrackerStats")
	v, err := s.inner.TrackerStats(ctx)
	s.done(ctx, span, t, err)
	if err == nil {
		statusAttr := func(status string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("status", status))
		}
		s.msgGauge.Record(ctx, int64(v.Processed), statusAttr("processed"))
		s.msgGauge.Record(ctx, int64(v.Failed), statusAttr("failed"))
	}
	return v, err
}

// ── Sync queue ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Enqueue(ctx context.Context, msg types.SyncMessage) (int64, error) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.message.id", msg.MessageID),
		attribute.String("sync.content_type", msg.ContentType),
	}
	ctx, span, t := s.op(ctx, "Enqueue", attrs...)
	v, err := s.inner.Enqueue(ctx, msg)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ClaimBatch(ctx context.Context, shipID string, n int) ([]*types.QueueEntry, error) {
	attrs := []attribute.KeyValue{attribute.String("sync.ship.id", shipID)}
	ctx, span, t := s.op(ctx, "ClaimBatch", attrs...)
	v, err := s.inner.ClaimBatch(ctx, shipID, n)
	if err == nil {
		span.SetAttributes(attribute.Int("sync.claimed.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) MarkSent(ctx context.Context, entryID int64) error {
	ctx, span, t := s.op(ctx, "MarkSent")
	err := s.inner.MarkSent(ctx, entryID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) MarkSendFailed(ctx context.Context, entryID int64, errMsg string, nextAttemptAt time.Time, attempt int) error {
	attrs := []attribute.KeyValue{attribute.Int("sync.attempt", attempt)}
	ctx, span, t := s.op(ctx, "MarkSendFailed", attrs...)
	err := s.inner.MarkSendFailed(ctx, entryID, errMsg, nextAttemptAt, attempt)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) DeleteQueueEntry(ctx context.Context, entryID int64) error {
	ctx, span, t := s.op(ctx, "DeleteQueueEntry")
	err := s.inner.DeleteQueueEntry(ctx, entryID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) PendingCount(ctx context.Context, shipID string) (int, error) {
	ctx, span, t := s.op(ctx, "PendingCount")
	v, err := s.inner.PendingCount(ctx, shipID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListQueue(ctx context.Context, shipID string) ([]*types.QueueEntry, error) {
	ctx, span, t := s.op(ctx, "ListQueue")
	v, err := s.inner.ListQueue(ctx, shipID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ReviveSending(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "ReviveSending")
	v, err := s.inner.ReviveSending(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RequeueFailed(ctx context.Context, shipID string) (int64, error) {
	ctx, span, t := s.op(ctx, "RequeueFailed")
	v, err := s.inner.RequeueFailed(ctx, shipID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) PruneSent(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span, t := s.op(ctx, "PruneSent")
	v, err := s.inner.PruneSent(ctx, cutoff)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Dead letters ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Park(ctx context.Context, msg types.SyncMessage, reason, lastErr string) (*types.DeadLetterEntry, error) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.message.id", msg.MessageID),
		attribute.String("sync.park.reason", reason),
	}
	ctx, span, t := s.op(ctx, "Park", attrs...)
	v, err := s.inner.Park(ctx, msg, reason, lastErr)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]*types.DeadLetterEntry, error) {
	ctx, span, t := s.op(ctx, "ListDeadLetters")
	v, err := s.inner.ListDeadLetters(ctx, f)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetDeadLetter(ctx context.Context, id int64) (*types.DeadLetterEntry, error) {
	ctx, span, t := s.op(ctx, "GetDeadLetter")
	v, err := s.inner.GetDeadLetter(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SetDeadLetterState(ctx context.Context, id int64, state types.DeadLetterState, note string) error {
	attrs := []attribute.KeyValue{attribute.String("sync.dlq.state", string(state))}
	ctx, span, t := s.op(ctx, "SetDeadLetterState", attrs...)
	err := s.inner.SetDeadLetterState(ctx, id, state, note)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) DeadLetterStats(ctx context.Context) (types.DeadLetterStats, error) {
	ctx, span, t := s.op(ctx, "DeadLetterStats")
	v, err := s.inner.DeadLetterStats(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Ship registry ───────────────────────────────────────────────────────────

func (s *InstrumentedStorage) UpsertShipSeen(ctx context.Context, shipID, shipName string, at time.Time) error {
	attrs := []attribute.KeyValue{attribute.String("sync.ship.id", shipID)}
	ctx, span, t := s.op(ctx, "UpsertShipSeen", attrs...)
	err := s.inner.UpsertShipSeen(ctx, shipID, shipName, at)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) SetShipStatus(ctx context.Context, shipID string, status types.ConnectivityStatus) error {
	attrs := []attribute.KeyValue{
		attribute.String("sync.ship.id", shipID),
		attribute.String("sync.ship.status", string(status)),
	}
	ctx, span, t := s.op(ctx, "SetShipStatus", attrs...)
	err := s.inner.SetShipStatus(ctx, shipID, status)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListShips(ctx context.Context, offlineAfter time.Duration) ([]*types.Ship, error) {
	ctx, span, t := s.op(ctx, "ListShips")
	v, err := s.inner.ListShips(ctx, offlineAfter)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Identity mapping ────────────────────────────────────────────────────────

func (s *InstrumentedStorage) ResolveIdentity(ctx context.Context, contentType, documentID string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("sync.content_type", contentType)}
	ctx, span, t := s.op(ctx, "ResolveIdentity", attrs...)
	v, err := s.inner.ResolveIdentity(ctx, contentType, documentID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) BindIdentity(ctx context.Context, contentType, documentID, localID string) error {
	attrs := []attribute.KeyValue{attribute.String("sync.content_type", contentType)}
	ctx, span, t := s.op(ctx, "BindIdentity", attrs...)
	err := s.inner.BindIdentity(ctx, contentType, documentID, localID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ReverseIdentity(ctx context.Context, contentType, localID string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("sync.content_type", contentType)}
	ctx, span, t := s.op(ctx, "ReverseIdentity", attrs...)
	v, err := s.inner.ReverseIdentity(ctx, contentType, localID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) BulkBindIdentities(ctx context.Context, mappings []types.IdentityMapping) (int, error) {
	attrs := []attribute.KeyValue{attribute.Int("sync.mapping.count", len(mappings))}
	ctx, span, t := s.op(ctx, "BulkBindIdentities", attrs...)
	v, err := s.inner.BulkBindIdentities(ctx, mappings)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Conflicts ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateConflict(ctx context.Context, rec *types.ConflictRecord) (int64, error) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.content_type", rec.ContentType),
		attribute.String("sync.message.id", rec.MessageID),
	}
	ctx, span, t := s.op(ctx, "CreateConflict", attrs...)
	v, err := s.inner.CreateConflict(ctx, rec)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetConflict(ctx context.Context, id int64) (*types.ConflictRecord, error) {
	ctx, span, t := s.op(ctx, "GetConflict")
	v, err := s.inner.GetConflict(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListConflicts(ctx context.Context, state types.ConflictState) ([]*types.ConflictRecord, error) {
	ctx, span, t := s.op(ctx, "ListConflicts")
	v, err := s.inner.ListConflicts(ctx, state)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	attrs := []attribute.KeyValue{attribute.String("sync.resolution", resolution)}
	ctx, span, t := s.op(ctx, "ResolveConflict", attrs...)
	err := s.inner.ResolveConflict(ctx, id, resolution)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Metadata ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) SetMetadata(ctx context.Context, key, value string) error {
	attrs := []attribute.KeyValue{attribute.String("sync.metadata.key", key)}
	ctx, span, t := s.op(ctx, "SetMetadata", attrs...)
	err := s.inner.SetMetadata(ctx, key, value)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetMetadata(ctx context.Context, key string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("sync.metadata.key", key)}
	ctx, span, t := s.op(ctx, "GetMetadata", attrs...)
	v, err := s.inner.GetMetadata(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
