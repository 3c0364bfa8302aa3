// Package registry holds the runtime set of replicated content types.
//
// Content types are strings at runtime ("api::page.page"); the registry maps
// each to its conflict strategy and optional payload schema. Dispatch is by
// string key, never reflection.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownType is returned for a content type that was never registered.
var ErrUnknownType = errors.New("unknown content type")

// ErrSchema is returned when a payload fails schema validation. Callers
// treat it as fatal per message (immediate dead-letter, no retry).
var ErrSchema = errors.New("payload schema violation")

// Entry is one registered content type.
type Entry struct {
	ContentType string
	// Strategy is the conflict resolution strategy name for this type.
	Strategy string
	schema   *jsonschema.Schema
}

// Registry is the string-keyed content type table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a content type. schemaJSON may be nil for types without a
// host-provided schema; payloads then pass validation unconditionally.
func (r *Registry) Register(contentType, strategy string, schemaJSON json.RawMessage) error {
	if contentType == "" {
		return fmt.Errorf("registry: empty content type")
	}
	e := &Entry{ContentType: contentType, Strategy: strategy}
	if len(schemaJSON) > 0 {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(contentType, bytes.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("registry: schema for %s: %w", contentType, err)
		}
		s, err := c.Compile(contentType)
		if err != nil {
			return fmt.Errorf("registry: schema for %s: %w", contentType, err)
		}
		e.schema = s
	}
	r.mu.Lock()
	r.entries[contentType] = e
	r.mu.Unlock()
	return nil
}

// Lookup returns the entry for a content type.
func (r *Registry) Lookup(contentType string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[contentType]
	return e, ok
}

// Known reports whether the content type is registered.
func (r *Registry) Known(contentType string) bool {
	_, ok := r.Lookup(contentType)
	return ok
}

// Types returns the registered content types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for ct := range r.entries {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// ValidatePayload checks payload against the type's schema. Unknown types
// return ErrUnknownType; schema failures return ErrSchema.
func (r *Registry) ValidatePayload(contentType string, payload json.RawMessage) error {
	e, ok := r.Lookup(contentType)
	if !ok {
		return fmt.Errorf("%s: %w", contentType, ErrUnknownType)
	}
	if e.schema == nil || len(payload) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%s: malformed payload: %w", contentType, ErrSchema)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %v: %w", contentType, err, ErrSchema)
	}
	return nil
}
