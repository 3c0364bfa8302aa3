package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMessageValidate(t *testing.T) {
	base := SyncMessage{
		MessageID:   "01J8ZQ4X6S0000000000000000",
		ShipID:      "ship-A",
		ContentType: "api::page.page",
		DocumentID:  "doc-1",
		Operation:   OpUpdate,
		Payload:     json.RawMessage(`{"title":"A"}`),
		BaseVersion: 3,
		OccurredAt:  time.Now().UTC(),
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(m *SyncMessage)
	}{
		{"empty messageId", func(m *SyncMessage) { m.MessageID = "" }},
		{"unknown operation", func(m *SyncMessage) { m.Operation = "drop" }},
		{"empty contentType", func(m *SyncMessage) { m.ContentType = "" }},
		{"empty documentId", func(m *SyncMessage) { m.DocumentID = "" }},
		{"delete with payload", func(m *SyncMessage) { m.Operation = OpDelete }},
		{"negative baseVersion", func(m *SyncMessage) { m.BaseVersion = -1 }},
		{"zero occurredAt", func(m *SyncMessage) { m.OccurredAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			tt.mutate(&m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestSyncMessageValidateDelete(t *testing.T) {
	m := SyncMessage{
		MessageID:   "01J8ZQ4X6S0000000000000001",
		ShipID:      "ship-A",
		ContentType: "api::page.page",
		DocumentID:  "doc-1",
		Operation:   OpDelete,
		OccurredAt:  time.Now().UTC(),
	}
	assert.NoError(t, m.Validate())
}

func TestSyncMessageValidateHeartbeat(t *testing.T) {
	m := SyncMessage{
		MessageID:  "01J8ZQ4X6S0000000000000002",
		ShipID:     "ship-A",
		Operation:  OpHeartbeat,
		OccurredAt: time.Now().UTC(),
	}
	assert.NoError(t, m.Validate())

	m.ShipID = ""
	assert.Error(t, m.Validate(), "heartbeat must carry a shipId")
}

func TestSyncMessageUnknownFieldsRoundTrip(t *testing.T) {
	wire := `{
		"messageId": "01J8ZQ4X6S0000000000000003",
		"shipId": "ship-B",
		"contentType": "api::article.article",
		"documentId": "doc-9",
		"operation": "update",
		"payload": {"title": "hello"},
		"baseVersion": 2,
		"occurredAt": "2026-01-02T03:04:05Z",
		"futureField": {"nested": true},
		"anotherOne": 42
	}`

	var m SyncMessage
	require.NoError(t, json.Unmarshal([]byte(wire), &m))
	assert.Equal(t, "ship-B", m.ShipID)
	require.Contains(t, m.Extra, "futureField")
	require.Contains(t, m.Extra, "anotherOne")
	assert.NotContains(t, m.Extra, "messageId")

	out, err := json.Marshal(m)
	require.NoError(t, err)

	var echoed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &echoed))
	assert.JSONEq(t, `{"nested":true}`, string(echoed["futureField"]))
	assert.Equal(t, "42", string(echoed["anotherOne"]))
}

func TestFromMaster(t *testing.T) {
	assert.True(t, (&SyncMessage{}).FromMaster())
	assert.False(t, (&SyncMessage{ShipID: "ship-A"}).FromMaster())
}

func TestDeadLetterStatsTotal(t *testing.T) {
	s := DeadLetterStats{Pending: 1, Retrying: 2, Exhausted: 3, Resolved: 4}
	assert.Equal(t, 10, s.Total())
}
