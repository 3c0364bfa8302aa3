package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/harborview/shipsync/internal/types"
)

// debouncer coalesces rapid writes to the same (contentType, documentId)
// into a single outbound message carrying the latest payload. MessageIds of
// coalesced predecessors ride along in Supersedes so the consumer can
// short-circuit them if they are ever delivered out of order.
type debouncer struct {
	window time.Duration
	flush  func(ctx context.Context, msg types.SyncMessage)

	mu      sync.Mutex
	pending map[string]*debounceSlot
	stopped bool
}

type debounceSlot struct {
	msg   types.SyncMessage
	timer *time.Timer
}

func newDebouncer(window time.Duration, flush func(ctx context.Context, msg types.SyncMessage)) *debouncer {
	return &debouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*debounceSlot),
	}
}

// Offer accepts a captured message. With a zero window it flushes
// immediately; otherwise it replaces any buffered message for the same
// document and restarts that document's timer.
func (d *debouncer) Offer(ctx context.Context, msg types.SyncMessage) {
	if d.window <= 0 {
		d.flush(ctx, msg)
		return
	}

	key := docKey(msg.ContentType, msg.DocumentID) + "\x00" + msg.Locale

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if slot, ok := d.pending[key]; ok {
		// The newer write wins; the older messageId is recorded as
		// superseded together with anything it had already absorbed.
		msg.Supersedes = append(slot.msg.Supersedes, slot.msg.MessageID)
		slot.msg = msg
		slot.timer.Reset(d.window)
		return
	}

	slot := &debounceSlot{msg: msg}
	slot.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = slot
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	slot, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !ok || stopped {
		return
	}
	d.flush(context.Background(), slot.msg)
}

// Len returns the number of buffered documents.
func (d *debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop abandons buffered messages and cancels their timers. Buffered writes
// are not yet durable; the entities themselves are, and a restarted capture
// hook will pick up their next edit.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, slot := range d.pending {
		slot.timer.Stop()
		delete(d.pending, key)
	}
}
