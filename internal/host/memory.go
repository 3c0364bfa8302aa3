package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/harborview/shipsync/internal/idgen"
)

// MemoryHost is an in-memory Host implementation used by tests and demo
// mode. Entities live in a per-content-type map keyed by local id.
type MemoryHost struct {
	mu        sync.RWMutex
	tables    map[string]map[string]*Entity // contentType -> localID -> entity
	byDoc     map[string]map[string]string  // contentType -> documentID -> localID
	schemas   map[string]json.RawMessage
	observers []subscription
	nextID    int64
}

type subscription struct {
	types map[string]bool // nil = all
	obs   WriteObserver
}

// NewMemoryHost creates an empty in-memory host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		tables:  make(map[string]map[string]*Entity),
		byDoc:   make(map[string]map[string]string),
		schemas: make(map[string]json.RawMessage),
	}
}

// SetSchema registers a JSON schema for a content type.
func (h *MemoryHost) SetSchema(contentType string, schema json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schemas[contentType] = schema
}

func (h *MemoryHost) Get(ctx context.Context, contentType, localID string) (*Entity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.tables[contentType][localID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", contentType, localID, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (h *MemoryHost) GetByDocumentID(ctx context.Context, contentType, documentID string) (*Entity, error) {
	h.mu.RLock()
	localID, ok := h.byDoc[contentType][documentID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/doc=%s: %w", contentType, documentID, ErrNotFound)
	}
	return h.Get(ctx, contentType, localID)
}

func (h *MemoryHost) Create(ctx context.Context, contentType, documentID, locale string, data json.RawMessage) (*Entity, error) {
	h.mu.Lock()
	if documentID == "" {
		documentID = idgen.NewMessageID()
	}
	if _, taken := h.byDoc[contentType][documentID]; taken {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s/doc=%s: already exists", contentType, documentID)
	}
	h.nextID++
	e := &Entity{
		LocalID:     strconv.FormatInt(h.nextID, 10),
		DocumentID:  documentID,
		ContentType: contentType,
		Locale:      locale,
		Version:     1,
		Data:        append(json.RawMessage(nil), data...),
		UpdatedAt:   time.Now().UTC(),
	}
	if h.tables[contentType] == nil {
		h.tables[contentType] = make(map[string]*Entity)
		h.byDoc[contentType] = make(map[string]string)
	}
	h.tables[contentType][e.LocalID] = e
	h.byDoc[contentType][documentID] = e.LocalID
	cp := *e
	h.mu.Unlock()

	h.notify(ctx, WriteEvent{Action: ActionCreate, ContentType: contentType, Entity: &cp, Origin: OriginFrom(ctx), OccurredAt: cp.UpdatedAt})
	return &cp, nil
}

func (h *MemoryHost) Update(ctx context.Context, contentType, localID string, data json.RawMessage) (*Entity, error) {
	h.mu.Lock()
	e, ok := h.tables[contentType][localID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", contentType, localID, ErrNotFound)
	}
	e.Data = append(json.RawMessage(nil), data...)
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	h.mu.Unlock()

	h.notify(ctx, WriteEvent{Action: ActionUpdate, ContentType: contentType, Entity: &cp, Origin: OriginFrom(ctx), OccurredAt: cp.UpdatedAt})
	return &cp, nil
}

func (h *MemoryHost) Delete(ctx context.Context, contentType, localID string) error {
	h.mu.Lock()
	e, ok := h.tables[contentType][localID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", contentType, localID, ErrNotFound)
	}
	delete(h.tables[contentType], localID)
	delete(h.byDoc[contentType], e.DocumentID)
	cp := *e
	h.mu.Unlock()

	h.notify(ctx, WriteEvent{Action: ActionDelete, ContentType: contentType, Entity: &cp, Origin: OriginFrom(ctx), OccurredAt: time.Now().UTC()})
	return nil
}

func (h *MemoryHost) SetPublished(ctx context.Context, contentType, localID string, published bool) (*Entity, error) {
	h.mu.Lock()
	e, ok := h.tables[contentType][localID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", contentType, localID, ErrNotFound)
	}
	e.Published = published
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	h.mu.Unlock()

	action := ActionPublish
	if !published {
		action = ActionUnpublish
	}
	h.notify(ctx, WriteEvent{Action: action, ContentType: contentType, Entity: &cp, Origin: OriginFrom(ctx), OccurredAt: cp.UpdatedAt})
	return &cp, nil
}

func (h *MemoryHost) Schema(ctx context.Context, contentType string) (json.RawMessage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.schemas[contentType], nil
}

func (h *MemoryHost) Subscribe(contentTypes []string, obs WriteObserver) {
	var filter map[string]bool
	if len(contentTypes) > 0 {
		filter = make(map[string]bool, len(contentTypes))
		for _, ct := range contentTypes {
			filter[ct] = true
		}
	}
	h.mu.Lock()
	h.observers = append(h.observers, subscription{types: filter, obs: obs})
	h.mu.Unlock()
}

func (h *MemoryHost) notify(ctx context.Context, ev WriteEvent) {
	h.mu.RLock()
	subs := append([]subscription(nil), h.observers...)
	h.mu.RUnlock()
	for _, s := range subs {
		if s.types == nil || s.types[ev.ContentType] {
			s.obs(ctx, ev)
		}
	}
}

// List returns all entities of a content type ordered by local id. Used by
// the initial-sync server surface and tests.
func (h *MemoryHost) List(ctx context.Context, contentType string) ([]*Entity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Entity
	for _, e := range h.tables[contentType] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LocalID, out[j].LocalID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return out, nil
}

var _ Host = (*MemoryHost)(nil)
