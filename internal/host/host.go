// Package host defines the narrow contract between the replication engine
// and the CMS/entity service that owns business records. The engine never
// reaches past this interface; tests and demo mode use the in-memory fake.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when the host has no entity for the given key.
var ErrNotFound = errors.New("entity not found")

// Origin tags a write with its source so the change-capture hook can
// distinguish user edits from inbound applies and break echo loops.
type Origin string

const (
	OriginUser Origin = "user"
	OriginSync Origin = "sync"
)

type originKey struct{}

// WithOrigin returns a context tagged with the write origin.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom extracts the write origin from ctx, defaulting to user.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginUser
}

// Entity is a versioned business record as seen through the host contract.
type Entity struct {
	LocalID     string          `json:"localId"`
	DocumentID  string          `json:"documentId"`
	ContentType string          `json:"contentType"`
	Locale      string          `json:"locale,omitempty"`
	Version     int             `json:"version"`
	Published   bool            `json:"published"`
	Data        json.RawMessage `json:"data"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Action is a host write lifecycle stage.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
)

// WriteEvent describes one completed host write.
type WriteEvent struct {
	Action      Action
	ContentType string
	Entity      *Entity // post-image; for delete, the last known image
	Origin      Origin
	OccurredAt  time.Time
}

// WriteObserver receives host write events. Observers run synchronously on
// the writer's goroutine and must not block.
type WriteObserver func(ctx context.Context, ev WriteEvent)

// Host is the entity-service contract the engine depends on.
type Host interface {
	// Get returns the entity by local id.
	Get(ctx context.Context, contentType, localID string) (*Entity, error)
	// GetByDocumentID returns the entity by its cross-site identity.
	GetByDocumentID(ctx context.Context, contentType, documentID string) (*Entity, error)
	// Create inserts a new entity. When documentID is empty the host
	// assigns one. Returns the stored entity with version 1.
	Create(ctx context.Context, contentType, documentID, locale string, data json.RawMessage) (*Entity, error)
	// Update replaces the entity data and bumps the version.
	Update(ctx context.Context, contentType, localID string, data json.RawMessage) (*Entity, error)
	// Delete removes the entity.
	Delete(ctx context.Context, contentType, localID string) error
	// SetPublished flips the publication state and bumps the version.
	SetPublished(ctx context.Context, contentType, localID string, published bool) (*Entity, error)
	// Schema returns the JSON schema for a content type, or nil when the
	// host defines none.
	Schema(ctx context.Context, contentType string) (json.RawMessage, error)
	// Subscribe registers a write observer for the given content types.
	Subscribe(contentTypes []string, obs WriteObserver)
}
