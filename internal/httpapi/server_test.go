package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/connectivity"
	"github.com/harborview/shipsync/internal/eventbus"
	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/registry"
	"github.com/harborview/shipsync/internal/storage/sqlite"
	"github.com/harborview/shipsync/internal/syncer"
	"github.com/harborview/shipsync/internal/types"
)

const pageType = "api::page.page"

type fakeProducer struct {
	mu        sync.Mutex
	published []types.SyncMessage
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, msg *types.SyncMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, *msg)
	return nil
}

func (p *fakeProducer) Ping(ctx context.Context) error { return nil }

type fakeLink struct{ online bool }

func (l *fakeLink) Status() connectivity.Status {
	return connectivity.Status{IsOnline: l.online, CheckedAt: time.Now()}
}

type apiRig struct {
	server   *Server
	store    *sqlite.Store
	host     *host.MemoryHost
	producer *fakeProducer
	engine   *syncer.Syncer
	cfg      *config.Config
	base     string
}

func newAPIRig(t *testing.T, mode config.Mode) *apiRig {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.ShipID = "ship-A"
	if mode == config.ModeMaster {
		cfg.ShipID = ""
	}
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Sync.DebounceMS = 0
	cfg.Sync.RetryAttempts = 3
	cfg.ContentTypes = []string{pageType}

	store, err := sqlite.New(context.Background(), t.TempDir()+"/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(pageType, config.StrategyLastWriteWins, nil))

	rig := &apiRig{
		store:    store,
		host:     host.NewMemoryHost(),
		producer: &fakeProducer{},
		cfg:      cfg,
	}
	rig.engine = syncer.New(cfg, store, rig.host, reg, rig.producer, eventbus.New(), &fakeLink{online: true})
	rig.server = NewServer(cfg, store, rig.engine, rig.host, nil, nil, nil, rig.producer)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rig.server.Start(ctx) }()

	require.Eventually(t, func() bool {
		addr := rig.server.Addr()
		if strings.HasSuffix(addr, ":0") {
			return false
		}
		rig.base = "http://" + addr
		resp, err := http.Get(rig.base + "/health/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	return rig
}

func (rig *apiRig) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(rig.base + path)
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func (rig *apiRig) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(rig.base+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func syncMsg(id, docID string) types.SyncMessage {
	return types.SyncMessage{
		MessageID:   id,
		ShipID:      "ship-B",
		ContentType: pageType,
		DocumentID:  docID,
		Operation:   types.OpUpdate,
		Payload:     json.RawMessage(`{"title":"remote"}`),
		BaseVersion: 1,
		OccurredAt:  time.Now().UTC(),
	}
}

func TestStatusReportsQueueDepth(t *testing.T) {
	rig := newAPIRig(t, config.ModeReplica)
	ctx := context.Background()

	msg := syncMsg("m1", "d1")
	msg.ShipID = "ship-A"
	rig.engine.Offer(ctx, msg)

	code, body := rig.get(t, "/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "replica", body["mode"])
	assert.Equal(t, "ship-A", body["shipId"])
	assert.Equal(t, float64(1), body["queueSize"])
}

func TestPushDrainsQueue(t *testing.T) {
	rig := newAPIRig(t, config.ModeReplica)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := syncMsg(fmt.Sprintf("m%d", i), fmt.Sprintf("d%d", i))
		msg.ShipID = "ship-A"
		rig.engine.Offer(ctx, msg)
	}

	code, body := rig.post(t, "/push", map[string]any{})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["sent"])

	code, body = rig.get(t, "/queue/pending")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["pending"])
}

func TestShipsIsMasterOnly(t *testing.T) {
	rig := newAPIRig(t, config.ModeReplica)
	code, _ := rig.get(t, "/ships")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConflictResolveAppliesRemote(t *testing.T) {
	rig := newAPIRig(t, config.ModeMaster)
	ctx := context.Background()

	ent, err := rig.host.Create(ctx, pageType, "d1", "", json.RawMessage(`{"title":"local"}`))
	require.NoError(t, err)
	require.NoError(t, rig.store.BindIdentity(ctx, pageType, "d1", ent.LocalID))

	id, err := rig.store.CreateConflict(ctx, &types.ConflictRecord{
		MessageID:      "m-conf",
		ContentType:    pageType,
		DocumentID:     "d1",
		LocalSnapshot:  json.RawMessage(`{"title":"local"}`),
		RemoteSnapshot: json.RawMessage(`{"title":"remote"}`),
		DetectedAt:     time.Now().UTC(),
		State:          types.ConflictOpen,
	})
	require.NoError(t, err)

	code, body := rig.get(t, "/conflicts?state=open")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = rig.post(t, fmt.Sprintf("/conflicts/%d/resolve", id), map[string]any{"strategy": "apply_remote"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	got, err := rig.host.Get(ctx, pageType, ent.LocalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"remote"}`, string(got.Data))

	rec, err := rig.store.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictResolved, rec.State)

	processed, err := rig.store.IsProcessed(ctx, "m-conf")
	require.NoError(t, err)
	assert.True(t, processed)

	// A second resolve attempt is rejected.
	code, _ = rig.post(t, fmt.Sprintf("/conflicts/%d/resolve", id), map[string]any{"strategy": "keep_local"})
	assert.Equal(t, http.StatusConflict, code)
}

func TestConflictResolveKeepLocal(t *testing.T) {
	rig := newAPIRig(t, config.ModeMaster)
	ctx := context.Background()

	ent, err := rig.host.Create(ctx, pageType, "d1", "", json.RawMessage(`{"title":"local"}`))
	require.NoError(t, err)
	require.NoError(t, rig.store.BindIdentity(ctx, pageType, "d1", ent.LocalID))

	id, err := rig.store.CreateConflict(ctx, &types.ConflictRecord{
		MessageID:      "m-conf",
		ContentType:    pageType,
		DocumentID:     "d1",
		RemoteSnapshot: json.RawMessage(`{"title":"remote"}`),
		DetectedAt:     time.Now().UTC(),
		State:          types.ConflictOpen,
	})
	require.NoError(t, err)

	code, _ := rig.post(t, fmt.Sprintf("/conflicts/%d/resolve", id), map[string]any{"strategy": "keep_local"})
	require.Equal(t, http.StatusOK, code)

	got, err := rig.host.Get(ctx, pageType, ent.LocalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local"}`, string(got.Data))
}

func TestDeadLetterRetryRequeuesPublishFailure(t *testing.T) {
	rig := newAPIRig(t, config.ModeReplica)
	ctx := context.Background()

	msg := syncMsg("m-pub", "d1")
	msg.ShipID = "ship-A"
	entry, err := rig.store.Park(ctx, msg, "publish", "broker unreachable")
	require.NoError(t, err)

	code, body := rig.post(t, fmt.Sprintf("/dead-letter/%d/retry", entry.ID), map[string]any{})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "requeued", body["outcome"])

	pending, err := rig.store.PendingCount(ctx, "ship-A")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	got, err := rig.store.GetDeadLetter(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeadLetterResolved, got.State)
}

func TestDeadLetterRetryRevivesFailedQueueRow(t *testing.T) {
	rig := newAPIRig(t, config.ModeReplica)
	ctx := context.Background()

	// Exhausted dispatch leaves the queue row failed and the message
	// parked; the retry must revive that same row, not lose the replay
	// to the message_id uniqueness.
	msg := syncMsg("m-pub2", "d2")
	msg.ShipID = "ship-A"
	id, err := rig.store.Enqueue(ctx, msg)
	require.NoError(t, err)
	_, err = rig.store.ClaimBatch(ctx, "ship-A", 1)
	require.NoError(t, err)
	require.NoError(t, rig.store.MarkSendFailed(ctx, id, "broker unreachable", time.Time{}, 3))
	entry, err := rig.store.Park(ctx, msg, "publish", "broker unreachable")
	require.NoError(t, err)

	code, body := rig.post(t, fmt.Sprintf("/dead-letter/%d/retry", entry.ID), map[string]any{})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "requeued", body["outcome"])

	entries, err := rig.store.ListQueue(ctx, "ship-A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID, "revive must reuse the failed row")
	assert.Equal(t, types.QueuePending, entries[0].State)
}

func TestDeadLetterRetryReplaysInbound(t *testing.T) {
	rig := newAPIRig(t, config.ModeMaster)
	ctx := context.Background()

	// Orphan update: no local row existed when the message first arrived.
	msg := syncMsg("m-orphan", "d1")
	entry, err := rig.store.Park(ctx, msg, "orphan", "no identity mapping")
	require.NoError(t, err)

	// Still an orphan, so the replay exhausts.
	code, body := rig.post(t, fmt.Sprintf("/dead-letter/%d/retry", entry.ID), map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "exhausted", body["outcome"])

	// Bind the identity and replay through resolve.
	ent, err := rig.host.Create(ctx, pageType, "d1", "", json.RawMessage(`{"title":"old"}`))
	require.NoError(t, err)

	code, body = rig.post(t, fmt.Sprintf("/dead-letter/%d/resolve", entry.ID), map[string]any{
		"action": "rebind", "localId": ent.LocalID,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "replayed", body["outcome"])

	got, err := rig.host.Get(ctx, pageType, ent.LocalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"remote"}`, string(got.Data))
}

func TestDeadLetterDiscard(t *testing.T) {
	rig := newAPIRig(t, config.ModeMaster)
	ctx := context.Background()

	entry, err := rig.store.Park(ctx, syncMsg("m-junk", "d9"), "schema", "unknown contentType")
	require.NoError(t, err)

	code, body := rig.post(t, fmt.Sprintf("/dead-letter/%d/resolve", entry.ID), map[string]any{"action": "discard"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "discarded", body["outcome"])

	code, body = rig.get(t, "/dead-letter?state=resolved")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
}

func TestDeadLetterUnknownID(t *testing.T) {
	rig := newAPIRig(t, config.ModeMaster)
	code, _ := rig.get(t, "/dead-letter/9999")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExportPaginates(t *testing.T) {
	rig := newAPIRig(t, config.ModeMaster)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := rig.host.Create(ctx, pageType, fmt.Sprintf("d%d", i), "", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
	}

	code, body := rig.get(t, "/export?contentType="+pageType+"&page=1&pageSize=3")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, true, body["hasMore"])
	assert.Len(t, body["data"], 3)

	code, body = rig.get(t, "/export?contentType="+pageType+"&page=2&pageSize=3")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["hasMore"])
	assert.Len(t, body["data"], 2)
}

func TestHealthAndMetrics(t *testing.T) {
	rig := newAPIRig(t, config.ModeReplica)

	code, body := rig.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, _ = rig.get(t, "/health/ready")
	assert.Equal(t, http.StatusOK, code)

	resp, err := http.Get(rig.base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "offline_sync_info")
	assert.Contains(t, string(raw), "offline_sync_queue_pending")
}
