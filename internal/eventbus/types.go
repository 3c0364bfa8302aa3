package eventbus

import (
	"context"
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Connectivity transitions (monitor -> sync service).
	EventWentOnline  EventType = "went_online"
	EventWentOffline EventType = "went_offline"

	// Sync lifecycle.
	EventPushCompleted EventType = "push_completed"
	EventMessageParked EventType = "message_parked"

	// Media mirror cycles.
	EventMediaSyncStarted  EventType = "media_sync_started"
	EventMediaSyncFinished EventType = "media_sync_finished"
)

// Event is a single notification flowing through the bus.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`

	// Connectivity fields.
	LatencyMS int64  `json:"latencyMs,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Sync fields.
	Sent   int `json:"sent,omitempty"`
	Failed int `json:"failed,omitempty"`
}

// Handler processes events on the bus. Handlers are called in priority order
// (lower value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name     string
	Types    []EventType
	Order    int
	Callback func(ctx context.Context, event *Event) error
}

func (h *HandlerFunc) ID() string           { return h.Name }
func (h *HandlerFunc) Handles() []EventType { return h.Types }
func (h *HandlerFunc) Priority() int        { return h.Order }
func (h *HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return h.Callback(ctx, event)
}
