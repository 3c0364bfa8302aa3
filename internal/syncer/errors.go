package syncer

import (
	"errors"

	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/registry"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/transport"
)

// Class buckets low-level failures into the engine's error taxonomy.
// Component boundaries translate driver and transport errors into a Class;
// raw errors never travel past the orchestrator.
type Class int

const (
	// ClassTransient covers bus and network failures: retry with backoff,
	// never park before the retry budget is spent.
	ClassTransient Class = iota
	// ClassSchema covers serialization and payload validation failures:
	// fatal per message, dead-letter immediately.
	ClassSchema
	// ClassOrphan is a non-create operation with no identity mapping.
	ClassOrphan
	// ClassHostApply covers host-side constraint or validation failures.
	ClassHostApply
	// ClassShutdown means storage is closing: yield silently.
	ClassShutdown
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSchema:
		return "schema"
	case ClassOrphan:
		return "orphan"
	case ClassShutdown:
		return "shutdown"
	}
	return "apply"
}

// Classify maps an error to its taxonomy class.
func Classify(err error) Class {
	var dead *transport.DeadError
	switch {
	case errors.Is(err, storage.ErrShuttingDown):
		return ClassShutdown
	case errors.Is(err, registry.ErrSchema), errors.Is(err, transport.ErrFatal):
		return ClassSchema
	case errors.Is(err, host.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return ClassOrphan
	case errors.Is(err, transport.ErrRetriable):
		return ClassTransient
	case errors.As(err, &dead):
		switch dead.Reason {
		case "schema":
			return ClassSchema
		case "orphan":
			return ClassOrphan
		}
		return ClassHostApply
	}
	return ClassHostApply
}
