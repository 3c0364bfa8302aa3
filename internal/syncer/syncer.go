// Package syncer is the replication orchestrator. It owns the outbound path
// (debounce, durable queue, dispatch with backoff) and the inbound path
// (dedup, identity resolution, conflict reconciliation, host apply).
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/connectivity"
	"github.com/harborview/shipsync/internal/eventbus"
	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/idgen"
	"github.com/harborview/shipsync/internal/registry"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/types"
)

// maxBackoff caps the retry delay between publish attempts.
const maxBackoff = 5 * time.Minute

// sweepInterval is how often the retention sweeper runs.
const sweepInterval = 24 * time.Hour

// Producer publishes messages to the bus. *transport.Producer satisfies it;
// tests substitute fakes.
type Producer interface {
	Publish(ctx context.Context, topic string, msg *types.SyncMessage) error
	Ping(ctx context.Context) error
}

// LinkStatus reports the current connectivity verdict.
type LinkStatus interface {
	Status() connectivity.Status
}

// PushResult summarises one drain of the outbound queue.
type PushResult struct {
	Skipped bool `json:"skipped,omitempty"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
}

// Syncer coordinates replication for one site.
type Syncer struct {
	cfg      *config.Config
	store    storage.Storage
	entities host.Host
	registry *registry.Registry
	producer Producer
	events   *eventbus.Bus
	link     LinkStatus

	debounce  *debouncer
	applyLock *keyedMutex

	// pushMu keeps a single dispatcher per process; FIFO per ship depends
	// on it.
	pushMu sync.Mutex
	kick   chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New builds a Syncer. link may be nil on the master, which publishes
// directly and never consults connectivity.
func New(cfg *config.Config, store storage.Storage, entities host.Host, reg *registry.Registry, producer Producer, events *eventbus.Bus, link LinkStatus) *Syncer {
	s := &Syncer{
		cfg:       cfg,
		store:     store,
		entities:  entities,
		registry:  reg,
		producer:  producer,
		events:    events,
		link:      link,
		applyLock: newKeyedMutex(),
		kick:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	s.debounce = newDebouncer(cfg.Sync.Debounce(), s.enqueue)
	return s
}

// Start revives crashed queue entries and launches the background loops.
func (s *Syncer) Start(ctx context.Context) error {
	if revived, err := s.store.ReviveSending(ctx); err != nil {
		return err
	} else if revived > 0 {
		log.Printf("syncer: revived %d sending entries to pending", revived)
	}

	if s.events != nil {
		s.events.Register(&eventbus.HandlerFunc{
			Name:  "syncer-drain-on-reconnect",
			Types: []eventbus.EventType{eventbus.EventWentOnline},
			Callback: func(ctx context.Context, _ *eventbus.Event) error {
				s.kickPush()
				return nil
			},
		})
	}

	if s.cfg.Mode == config.ModeReplica {
		s.wg.Add(1)
		go s.dispatchLoop()
		if s.cfg.Sync.HeartbeatInterval() > 0 {
			s.wg.Add(1)
			go s.heartbeatLoop()
		}
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return nil
}

// Stop abandons the debounce buffer and waits for the loops to exit.
// In-flight sending entries are revived at the next startup.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		s.debounce.Stop()
		close(s.stopped)
	})
	s.wg.Wait()
}

// Offer accepts a captured host write. The master publishes directly;
// replicas buffer through the debounce window into the durable queue.
func (s *Syncer) Offer(ctx context.Context, msg types.SyncMessage) {
	if s.cfg.Mode == config.ModeMaster {
		s.publishDirect(ctx, msg)
		return
	}
	s.debounce.Offer(ctx, msg)
}

// publishDirect pushes a master-originated message straight to the fan-out
// topic. Producer failure escalates to the dead-letter store; the master
// carries no outbound queue.
func (s *Syncer) publishDirect(ctx context.Context, msg types.SyncMessage) {
	err := s.producer.Publish(ctx, s.cfg.Topics.MasterUpdates, &msg)
	if err == nil {
		return
	}
	log.Printf("syncer: direct publish of %s failed, parking: %v", msg.MessageID, err)
	if _, perr := s.store.Park(ctx, msg, "publish", err.Error()); perr != nil {
		if !errors.Is(perr, storage.ErrShuttingDown) {
			log.Printf("syncer: failed to park %s: %v", msg.MessageID, perr)
		}
	}
}

// enqueue is the debounce flush target: persist and nudge the dispatcher.
func (s *Syncer) enqueue(ctx context.Context, msg types.SyncMessage) {
	if _, err := s.store.Enqueue(ctx, msg); err != nil {
		if !errors.Is(err, storage.ErrShuttingDown) {
			log.Printf("syncer: failed to enqueue %s: %v", msg.MessageID, err)
		}
		return
	}
	s.kickPush()
}

func (s *Syncer) kickPush() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) dispatchLoop() {
	defer s.wg.Done()
	// The ticker picks up entries whose scheduled retry came due while no
	// new writes arrived to kick the loop.
	interval := s.cfg.Sync.RetryDelay()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped:
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if _, err := s.Push(context.Background()); err != nil {
			if !errors.Is(err, storage.ErrShuttingDown) {
				log.Printf("syncer: push failed: %v", err)
			}
		}
	}
}

// Push drains the outbound queue: claim a batch, publish each entry,
// acknowledge or reschedule. Returns immediately on the master and while
// offline.
func (s *Syncer) Push(ctx context.Context) (PushResult, error) {
	if s.cfg.Mode == config.ModeMaster {
		return PushResult{Skipped: true}, nil
	}
	if s.link != nil && !s.link.Status().IsOnline {
		return PushResult{Skipped: true}, nil
	}

	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	var result PushResult
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		batch, err := s.store.ClaimBatch(ctx, s.cfg.ShipID, s.cfg.Sync.BatchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			if ctx.Err() != nil {
				// Abandoned entries stay in sending and are revived
				// at next startup.
				return result, ctx.Err()
			}
			if s.dispatch(ctx, entry) {
				result.Sent++
			} else {
				result.Failed++
			}
		}
	}

	if s.events != nil && (result.Sent > 0 || result.Failed > 0) {
		s.events.Dispatch(ctx, &eventbus.Event{
			Type:       eventbus.EventPushCompleted,
			OccurredAt: time.Now().UTC(),
			Sent:       result.Sent,
			Failed:     result.Failed,
		})
	}
	return result, nil
}

// dispatch publishes one claimed entry and records the outcome. Reports
// whether the entry reached the bus.
func (s *Syncer) dispatch(ctx context.Context, entry *types.QueueEntry) bool {
	err := s.producer.Publish(ctx, s.cfg.Topics.ShipUpdates, &entry.Message)
	if err == nil {
		if merr := s.store.MarkSent(ctx, entry.ID); merr != nil {
			log.Printf("syncer: sent %s but failed to record it: %v", entry.Message.MessageID, merr)
		}
		return true
	}

	attempt := entry.Message.Attempt + 1
	exhausted := attempt >= s.cfg.Sync.RetryAttempts
	fatal := Classify(err) == ClassSchema
	if exhausted || fatal {
		s.park(ctx, entry, err)
		return false
	}

	delay := backoffDelay(s.cfg.Sync.RetryDelay(), attempt)
	next := time.Now().UTC().Add(delay)
	if merr := s.store.MarkSendFailed(ctx, entry.ID, err.Error(), next, attempt); merr != nil {
		log.Printf("syncer: failed to reschedule %s: %v", entry.Message.MessageID, merr)
	} else {
		log.Printf("syncer: publish of %s failed (attempt %d), retrying in %s: %v",
			entry.Message.MessageID, attempt, delay.Round(time.Millisecond), err)
	}
	return false
}

// park moves an exhausted queue entry to the dead-letter store. The queue
// entry flips to failed so operators can see and replay it.
func (s *Syncer) park(ctx context.Context, entry *types.QueueEntry, cause error) {
	msg := entry.Message
	msg.Attempt = entry.Message.Attempt + 1
	if _, err := s.store.Park(ctx, msg, "publish", cause.Error()); err != nil {
		log.Printf("syncer: failed to park %s: %v", msg.MessageID, err)
		return
	}
	if err := s.store.MarkSendFailed(ctx, entry.ID, cause.Error(), time.Time{}, msg.Attempt); err != nil {
		log.Printf("syncer: failed to fail queue entry %d: %v", entry.ID, err)
	}
	log.Printf("syncer: parked %s after %d attempts: %v", msg.MessageID, msg.Attempt, cause)
	if s.events != nil {
		s.events.Dispatch(ctx, &eventbus.Event{
			Type:       eventbus.EventMessageParked,
			OccurredAt: time.Now().UTC(),
			Reason:     "publish",
		})
	}
}

// Pull flips failed queue entries back to pending and nudges the
// dispatcher. Inbound flow is consumer-driven; this exists for
// operator-initiated replay.
func (s *Syncer) Pull(ctx context.Context) (int64, error) {
	n, err := s.store.RequeueFailed(ctx, s.cfg.ShipID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("syncer: requeued %d failed entries", n)
		s.kickPush()
	}
	return n, nil
}

// heartbeatLoop publishes a liveness record while the link is up. The ship
// name rides in the forward-compat field so older masters ignore it.
func (s *Syncer) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Sync.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}
		if s.link != nil && !s.link.Status().IsOnline {
			continue
		}
		msg := types.SyncMessage{
			MessageID:  idgen.NewMessageID(),
			ShipID:     s.cfg.ShipID,
			Operation:  types.OpHeartbeat,
			OccurredAt: time.Now().UTC(),
		}
		if s.cfg.ShipName != "" {
			name, _ := json.Marshal(s.cfg.ShipName)
			msg.Extra = map[string]json.RawMessage{"shipName": name}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.producer.Publish(ctx, s.cfg.Topics.ShipUpdates, &msg); err != nil {
			log.Printf("syncer: heartbeat publish failed: %v", err)
		}
		cancel()
	}
}

// sweepLoop prunes processed-message and sent-queue records past retention.
func (s *Syncer) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}
		s.sweep(context.Background())
	}
}

func (s *Syncer) sweep(ctx context.Context) {
	retention := time.Duration(s.cfg.Sync.RetentionDays) * 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)
	if n, err := s.store.CleanupProcessed(ctx, cutoff); err != nil {
		log.Printf("syncer: retention sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("syncer: pruned %d processed records older than %s", n, cutoff.Format(time.RFC3339))
	}
	if n, err := s.store.PruneSent(ctx, cutoff); err != nil {
		log.Printf("syncer: sent-entry prune failed: %v", err)
	} else if n > 0 {
		log.Printf("syncer: pruned %d sent queue entries", n)
	}
}

// backoffDelay computes the retry delay for the given attempt number:
// base doubled per prior attempt, capped, with ±20% uniform jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
