package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/harborview/shipsync/internal/transport"
	"github.com/harborview/shipsync/internal/types"
)

const pageType = "api::page.page"

type fakeProducer struct {
	mu        sync.Mutex
	published []publishedRecord
	fail      error
}

type publishedRecord struct {
	topic string
	msg   types.SyncMessage
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, msg *types.SyncMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.published = append(p.published, publishedRecord{topic: topic, msg: *msg})
	return nil
}

func (p *fakeProducer) Ping(ctx context.Context) error { return nil }

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type fakeLink struct{ online bool }

func (l *fakeLink) Status() connectivity.Status {
	return connectivity.Status{IsOnline: l.online, CheckedAt: time.Now()}
}

type testRig struct {
	syncer   *Syncer
	store    *sqlite.Store
	host     *host.MemoryHost
	producer *fakeProducer
	link     *fakeLink
	cfg      *config.Config
}

func newTestRig(t *testing.T, mode config.Mode, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.ShipID = "ship-A"
	if mode == config.ModeMaster {
		cfg.ShipID = ""
	}
	cfg.Sync.DebounceMS = 0 // direct flush unless a test opts in
	cfg.Sync.RetryAttempts = 3
	cfg.ContentTypes = []string{pageType}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := sqlite.New(context.Background(), t.TempDir()+"/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(pageType, config.StrategyLastWriteWins, nil))

	rig := &testRig{
		store:    store,
		host:     host.NewMemoryHost(),
		producer: &fakeProducer{},
		link:     &fakeLink{online: true},
		cfg:      cfg,
	}
	rig.syncer = New(cfg, store, rig.host, reg, rig.producer, eventbus.New(), rig.link)
	return rig
}

func outboundMessage(id, docID string, payload string) types.SyncMessage {
	return types.SyncMessage{
		MessageID:   id,
		ShipID:      "ship-A",
		ContentType: pageType,
		DocumentID:  docID,
		Operation:   types.OpUpdate,
		Payload:     json.RawMessage(payload),
		BaseVersion: 1,
		OccurredAt:  time.Now().UTC(),
	}
}

func TestPushSendsQueuedMessages(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, nil)

	rig.syncer.Offer(ctx, outboundMessage("m1", "d1", `{"title":"a"}`))
	rig.syncer.Offer(ctx, outboundMessage("m2", "d2", `{"title":"b"}`))

	res, err := rig.syncer.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, PushResult{Sent: 2}, res)
	assert.Equal(t, 2, rig.producer.count())
	assert.Equal(t, rig.cfg.Topics.ShipUpdates, rig.producer.published[0].topic)

	pending, err := rig.store.PendingCount(ctx, "ship-A")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPushSkipsWhileOffline(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, nil)
	rig.link.online = false

	rig.syncer.Offer(ctx, outboundMessage("m1", "d1", `{}`))
	res, err := rig.syncer.Push(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, rig.producer.count())

	pending, err := rig.store.PendingCount(ctx, "ship-A")
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "queued work survives the offline window")
}

func TestPushIsNoopOnMaster(t *testing.T) {
	rig := newTestRig(t, config.ModeMaster, nil)
	res, err := rig.syncer.Push(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestMasterPublishesDirectly(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeMaster, nil)

	msg := outboundMessage("m1", "d1", `{}`)
	msg.ShipID = ""
	rig.syncer.Offer(ctx, msg)
	assert.Equal(t, 1, rig.producer.count())
	assert.Equal(t, rig.cfg.Topics.MasterUpdates, rig.producer.published[0].topic)
}

func TestMasterParksOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeMaster, nil)
	rig.producer.fail = fmt.Errorf("broker down: %w", transport.ErrRetriable)

	msg := outboundMessage("m1", "d1", `{}`)
	msg.ShipID = ""
	rig.syncer.Offer(ctx, msg)

	parked, err := rig.store.GetDeadLetter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "m1", parked.Message.MessageID)
	assert.Equal(t, "publish", parked.Reason)
}

func TestPushParksAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, func(c *config.Config) {
		c.Sync.RetryAttempts = 1
	})
	rig.producer.fail = fmt.Errorf("broker down: %w", transport.ErrRetriable)

	rig.syncer.Offer(ctx, outboundMessage("m1", "d1", `{}`))
	res, err := rig.syncer.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, PushResult{Failed: 1}, res)

	stats, err := rig.store.DeadLetterStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	entries, err := rig.store.ListQueue(ctx, "ship-A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.QueueFailed, entries[0].State)
}

func TestPushReschedulesBeforeBudget(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, nil)
	rig.producer.fail = fmt.Errorf("broker down: %w", transport.ErrRetriable)

	rig.syncer.Offer(ctx, outboundMessage("m1", "d1", `{}`))
	res, err := rig.syncer.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, PushResult{Failed: 1}, res)

	entries, err := rig.store.ListQueue(ctx, "ship-A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.QueuePending, entries[0].State)
	assert.True(t, entries[0].NextAttemptAt.After(time.Now()), "retry is scheduled in the future")

	stats, err := rig.store.DeadLetterStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestPullRequeuesFailedEntries(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, func(c *config.Config) {
		c.Sync.RetryAttempts = 1
	})
	rig.producer.fail = fmt.Errorf("broker down: %w", transport.ErrRetriable)
	rig.syncer.Offer(ctx, outboundMessage("m1", "d1", `{}`))
	_, err := rig.syncer.Push(ctx)
	require.NoError(t, err)

	rig.producer.fail = nil
	n, err := rig.syncer.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := rig.syncer.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestDebounceCoalescesRapidWrites(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, func(c *config.Config) {
		c.Sync.DebounceMS = 40
	})
	rig.syncer.Offer(ctx, outboundMessage("m1", "d1", `{"title":"a"}`))
	rig.syncer.Offer(ctx, outboundMessage("m2", "d1", `{"title":"b"}`))
	rig.syncer.Offer(ctx, outboundMessage("m3", "d1", `{"title":"c"}`))

	require.Eventually(t, func() bool {
		entries, err := rig.store.ListQueue(ctx, "ship-A")
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := rig.store.ListQueue(ctx, "ship-A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m3", entries[0].Message.MessageID)
	assert.JSONEq(t, `{"title":"c"}`, string(entries[0].Message.Payload))
	assert.Equal(t, []string{"m1", "m2"}, entries[0].Message.Supersedes)
}

func TestDebounceKeepsDistinctDocumentsApart(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, config.ModeReplica, nil)
	d := newDebouncer(40*time.Millisecond, rig.syncer.enqueue)

	d.Offer(ctx, outboundMessage("m1", "d1", `{}`))
	d.Offer(ctx, outboundMessage("m2", "d2", `{}`))
	assert.Equal(t, 2, d.Len())

	require.Eventually(t, func() bool {
		entries, err := rig.store.ListQueue(ctx, "ship-A")
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 5 * time.Second
	for attempt := 1; attempt <= 12; attempt++ {
		want := base << (attempt - 1)
		if want > maxBackoff {
			want = maxBackoff
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8))
			assert.LessOrEqual(t, d, maxBackoff)
			assert.LessOrEqual(t, d, time.Duration(float64(want)*1.2)+time.Millisecond)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"retriable transport", fmt.Errorf("x: %w", transport.ErrRetriable), ClassTransient},
		{"fatal transport", fmt.Errorf("x: %w", transport.ErrFatal), ClassSchema},
		{"schema violation", fmt.Errorf("x: %w", registry.ErrSchema), ClassSchema},
		{"missing entity", fmt.Errorf("x: %w", host.ErrNotFound), ClassOrphan},
		{"dead orphan", &transport.DeadError{Reason: "orphan"}, ClassOrphan},
		{"plain error", errors.New("boom"), ClassHostApply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
