// Package types defines core data structures for the shipsync replication engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation a SyncMessage carries.
type Operation string

const (
	OpCreate    Operation = "create"
	OpUpdate    Operation = "update"
	OpDelete    Operation = "delete"
	OpPublish   Operation = "publish"
	OpUnpublish Operation = "unpublish"
	// OpHeartbeat is a liveness ping from a replica; it carries no payload
	// and is routed to the ship tracker only, never applied.
	OpHeartbeat Operation = "heartbeat"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpPublish, OpUnpublish, OpHeartbeat:
		return true
	}
	return false
}

// SyncMessage is the unit of replication on the wire.
//
// Unknown JSON fields are preserved across decode/encode via Extra so that
// newer peers can add fields without older peers dropping them.
type SyncMessage struct {
	MessageID   string          `json:"messageId"`
	ShipID      string          `json:"shipId,omitempty"` // empty = master-originated
	ContentType string          `json:"contentType"`
	DocumentID  string          `json:"documentId"`
	Locale      string          `json:"locale,omitempty"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"` // nil for delete
	BaseVersion int             `json:"baseVersion"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Attempt     int             `json:"attempt,omitempty"`
	// Supersedes lists messageIds coalesced into this message by the
	// debounce window. The consumer marks them processed without applying.
	Supersedes []string `json:"supersedes,omitempty"`

	// Extra holds unrecognized fields for forward-compatibility.
	Extra map[string]json.RawMessage `json:"-"`
}

// FromMaster reports whether the message originated at the master site.
func (m *SyncMessage) FromMaster() bool {
	return m.ShipID == ""
}

// Validate checks the message invariants before enqueue or apply.
func (m *SyncMessage) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("sync message: empty messageId")
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("sync message %s: unknown operation %q", m.MessageID, m.Operation)
	}
	if m.Operation == OpHeartbeat {
		if m.ShipID == "" {
			return fmt.Errorf("sync message %s: heartbeat without shipId", m.MessageID)
		}
		return nil
	}
	if m.ContentType == "" {
		return fmt.Errorf("sync message %s: empty contentType", m.MessageID)
	}
	if m.DocumentID == "" {
		return fmt.Errorf("sync message %s: empty documentId", m.MessageID)
	}
	if m.Operation == OpDelete && len(m.Payload) > 0 {
		return fmt.Errorf("sync message %s: delete carries a payload", m.MessageID)
	}
	if m.BaseVersion < 0 {
		return fmt.Errorf("sync message %s: negative baseVersion %d", m.MessageID, m.BaseVersion)
	}
	if m.OccurredAt.IsZero() {
		return fmt.Errorf("sync message %s: zero occurredAt", m.MessageID)
	}
	return nil
}

// syncMessageKnown mirrors SyncMessage's tagged fields for two-pass decoding.
var syncMessageKnown = map[string]bool{
	"messageId": true, "shipId": true, "contentType": true, "documentId": true,
	"locale": true, "operation": true, "payload": true, "baseVersion": true,
	"occurredAt": true, "attempt": true, "supersedes": true,
}

// UnmarshalJSON decodes known fields and stashes everything else in Extra.
func (m *SyncMessage) UnmarshalJSON(data []byte) error {
	type alias SyncMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = SyncMessage(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !syncMessageKnown[k] {
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON re-emits preserved unknown fields alongside the known ones.
func (m SyncMessage) MarshalJSON() ([]byte, error) {
	type alias SyncMessage
	data, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// QueueState is the lifecycle state of an outbound queue entry.
type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueSending QueueState = "sending"
	QueueSent    QueueState = "sent"
	QueueFailed  QueueState = "failed"
)

// QueueEntry wraps a SyncMessage in the replica's durable outbound queue.
type QueueEntry struct {
	ID            int64       `json:"id"`
	Message       SyncMessage `json:"message"`
	State         QueueState  `json:"state"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	LastError     string      `json:"lastError,omitempty"`
	EnqueuedAt    time.Time   `json:"enqueuedAt"`
}

// DeadLetterState is the lifecycle state of a parked message.
type DeadLetterState string

const (
	DeadLetterPending   DeadLetterState = "pending"
	DeadLetterRetrying  DeadLetterState = "retrying"
	DeadLetterExhausted DeadLetterState = "exhausted"
	DeadLetterResolved  DeadLetterState = "resolved"
)

// DeadLetterEntry is a message that exhausted its retries. Never auto-deleted.
type DeadLetterEntry struct {
	ID          int64           `json:"id"`
	Message     SyncMessage     `json:"message"`
	State       DeadLetterState `json:"state"`
	Reason      string          `json:"reason"` // orphan, publish, apply, schema, conflict
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
	FirstSeenAt time.Time       `json:"firstSeenAt"`
	LastSeenAt  time.Time       `json:"lastSeenAt"`
}

// DeadLetterStats is the per-state breakdown exposed on the health surface.
type DeadLetterStats struct {
	Pending   int `json:"pending"`
	Retrying  int `json:"retrying"`
	Exhausted int `json:"exhausted"`
	Resolved  int `json:"resolved"`
}

// Total returns the sum across states.
func (s DeadLetterStats) Total() int {
	return s.Pending + s.Retrying + s.Exhausted + s.Resolved
}

// ProcessedStatus records how an inbound message terminated.
type ProcessedStatus string

const (
	StatusProcessed ProcessedStatus = "processed"
	StatusFailed    ProcessedStatus = "failed"
)

// ProcessedMessage is the dedup record for exactly-once effect.
type ProcessedMessage struct {
	MessageID   string          `json:"messageId"`
	ShipID      string          `json:"shipId,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	DocumentID  string          `json:"documentId,omitempty"`
	Operation   Operation       `json:"operation,omitempty"`
	Status      ProcessedStatus `json:"status"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// TrackerStats summarises the processed-message table.
type TrackerStats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ConnectivityStatus is a ship's link state as seen by the master.
type ConnectivityStatus string

const (
	ShipOnline  ConnectivityStatus = "online"
	ShipOffline ConnectivityStatus = "offline"
)

// Ship is a registered replica in the master's fleet registry.
type Ship struct {
	ShipID     string             `json:"shipId"`
	ShipName   string             `json:"shipName,omitempty"`
	Status     ConnectivityStatus `json:"connectivityStatus"`
	LastSeenAt time.Time          `json:"lastSeenAt"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// ConflictState is the lifecycle state of a recorded write-write conflict.
type ConflictState string

const (
	ConflictOpen     ConflictState = "open"
	ConflictResolved ConflictState = "resolved"
)

// ConflictRecord captures both sides of a detected write-write conflict.
type ConflictRecord struct {
	ID             int64           `json:"id"`
	MessageID      string          `json:"messageId"`
	ContentType    string          `json:"contentType"`
	DocumentID     string          `json:"documentId"`
	LocalSnapshot  json.RawMessage `json:"localSnapshot,omitempty"`
	RemoteSnapshot json.RawMessage `json:"remoteSnapshot,omitempty"`
	DetectedAt     time.Time       `json:"detectedAt"`
	State          ConflictState   `json:"state"`
	Resolution     string          `json:"resolution,omitempty"`
}

// IdentityMapping binds a cross-site document identity to a local row.
type IdentityMapping struct {
	ContentType string    `json:"contentType"`
	DocumentID  string    `json:"documentId"`
	LocalID     string    `json:"localId"`
	CreatedAt   time.Time `json:"createdAt"`
}
