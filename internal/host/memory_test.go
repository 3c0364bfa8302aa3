package host

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHostCRUD(t *testing.T) {
	h := NewMemoryHost()
	ctx := context.Background()

	e, err := h.Create(ctx, "api::page.page", "", "", json.RawMessage(`{"title":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)
	assert.NotEmpty(t, e.DocumentID, "host assigns documentId when empty")

	got, err := h.Get(ctx, "api::page.page", e.LocalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"A"}`, string(got.Data))

	byDoc, err := h.GetByDocumentID(ctx, "api::page.page", e.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, e.LocalID, byDoc.LocalID)

	updated, err := h.Update(ctx, "api::page.page", e.LocalID, json.RawMessage(`{"title":"B"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	published, err := h.SetPublished(ctx, "api::page.page", e.LocalID, true)
	require.NoError(t, err)
	assert.True(t, published.Published)
	assert.Equal(t, 3, published.Version)

	require.NoError(t, h.Delete(ctx, "api::page.page", e.LocalID))
	_, err = h.Get(ctx, "api::page.page", e.LocalID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryHostObservers(t *testing.T) {
	h := NewMemoryHost()
	ctx := context.Background()

	var events []WriteEvent
	h.Subscribe([]string{"api::page.page"}, func(ctx context.Context, ev WriteEvent) {
		events = append(events, ev)
	})

	e, err := h.Create(ctx, "api::page.page", "", "", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.Update(ctx, "api::page.page", e.LocalID, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	// Unsubscribed content type does not notify.
	_, err = h.Create(ctx, "api::other.other", "", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, ActionCreate, events[0].Action)
	assert.Equal(t, ActionUpdate, events[1].Action)
	assert.Equal(t, OriginUser, events[0].Origin)
}

func TestMemoryHostOriginTag(t *testing.T) {
	h := NewMemoryHost()

	var got Origin
	h.Subscribe(nil, func(ctx context.Context, ev WriteEvent) { got = ev.Origin })

	ctx := WithOrigin(context.Background(), OriginSync)
	_, err := h.Create(ctx, "api::page.page", "doc-1", "", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OriginSync, got)
}

func TestMemoryHostDuplicateDocumentID(t *testing.T) {
	h := NewMemoryHost()
	ctx := context.Background()

	_, err := h.Create(ctx, "api::page.page", "doc-1", "", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.Create(ctx, "api::page.page", "doc-1", "", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestMemoryHostList(t *testing.T) {
	h := NewMemoryHost()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := h.Create(ctx, "api::page.page", "", "", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	entities, err := h.List(ctx, "api::page.page")
	require.NoError(t, err)
	require.Len(t, entities, 12)
	assert.Equal(t, "1", entities[0].LocalID)
	assert.Equal(t, "12", entities[11].LocalID)
}
