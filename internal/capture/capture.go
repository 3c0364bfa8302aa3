// Package capture hooks into host write events and turns user-originated
// writes into outbound sync messages. Writes applied by the sync engine
// itself are tagged with the sync origin and ignored here, which is what
// breaks the replication echo loop.
package capture

import (
	"context"
	"log"

	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/idgen"
	"github.com/harborview/shipsync/internal/types"
)

// Sink receives captured messages for queueing or direct publish.
// Offer must be cheap; observers run on the host writer's goroutine.
type Sink interface {
	Offer(ctx context.Context, msg types.SyncMessage)
}

// Binder records the documentId -> localId mapping for locally created
// entities so inbound messages addressing them resolve later.
type Binder interface {
	BindIdentity(ctx context.Context, contentType, documentID, localID string) error
}

// Hook is the change-capture hook. One per process.
type Hook struct {
	shipID string // empty on the master
	sink   Sink
	binder Binder
}

// NewHook builds a capture hook. binder may be nil on hosts that manage
// identity themselves.
func NewHook(shipID string, sink Sink, binder Binder) *Hook {
	return &Hook{shipID: shipID, sink: sink, binder: binder}
}

// Attach subscribes the hook to host writes for the given content types.
func (h *Hook) Attach(hst host.Host, contentTypes []string) {
	hst.Subscribe(contentTypes, h.observe)
}

func (h *Hook) observe(ctx context.Context, ev host.WriteEvent) {
	if ev.Origin == host.OriginSync {
		return
	}
	if ev.Entity == nil {
		log.Printf("capture: %s event on %s without entity, skipping", ev.Action, ev.ContentType)
		return
	}
	if ev.Entity.DocumentID == "" {
		log.Printf("capture: %s %s/%s has no documentId, skipping",
			ev.Action, ev.ContentType, ev.Entity.LocalID)
		return
	}

	if ev.Action == host.ActionCreate && h.binder != nil {
		if err := h.binder.BindIdentity(ctx, ev.ContentType, ev.Entity.DocumentID, ev.Entity.LocalID); err != nil {
			log.Printf("capture: failed to bind identity for %s/%s: %v",
				ev.ContentType, ev.Entity.DocumentID, err)
		}
	}

	msg := messageFor(h.shipID, ev)
	if err := msg.Validate(); err != nil {
		log.Printf("capture: dropping invalid message: %v", err)
		return
	}
	h.sink.Offer(ctx, msg)
}

// messageFor builds the wire message for one write event. The payload is
// the post-image; deletes carry none and use the last seen version as base.
func messageFor(shipID string, ev host.WriteEvent) types.SyncMessage {
	msg := types.SyncMessage{
		MessageID:   idgen.NewMessageID(),
		ShipID:      shipID,
		ContentType: ev.ContentType,
		DocumentID:  ev.Entity.DocumentID,
		Locale:      ev.Entity.Locale,
		Operation:   operationFor(ev.Action),
		OccurredAt:  ev.OccurredAt.UTC(),
	}
	if ev.Action == host.ActionDelete {
		msg.BaseVersion = ev.Entity.Version
	} else {
		msg.Payload = ev.Entity.Data
		msg.BaseVersion = ev.Entity.Version - 1
	}
	return msg
}

func operationFor(a host.Action) types.Operation {
	switch a {
	case host.ActionCreate:
		return types.OpCreate
	case host.ActionUpdate:
		return types.OpUpdate
	case host.ActionDelete:
		return types.OpDelete
	case host.ActionPublish:
		return types.OpPublish
	case host.ActionUnpublish:
		return types.OpUnpublish
	}
	return types.Operation(a)
}
