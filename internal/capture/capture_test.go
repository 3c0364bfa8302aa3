package capture

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/idgen"
	"github.com/harborview/shipsync/internal/types"
)

type captureSink struct {
	msgs []types.SyncMessage
}

func (s *captureSink) Offer(ctx context.Context, msg types.SyncMessage) {
	s.msgs = append(s.msgs, msg)
}

type captureBinder struct {
	bound map[string]string // documentID -> localID
}

func (b *captureBinder) BindIdentity(ctx context.Context, contentType, documentID, localID string) error {
	if b.bound == nil {
		b.bound = make(map[string]string)
	}
	b.bound[documentID] = localID
	return nil
}

const pageType = "api::page.page"

func TestCaptureCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	h := host.NewMemoryHost()
	sink := &captureSink{}
	binder := &captureBinder{}
	NewHook("ship-A", sink, binder).Attach(h, []string{pageType})

	ent, err := h.Create(ctx, pageType, "", "en", json.RawMessage(`{"title":"one"}`))
	require.NoError(t, err)
	_, err = h.Update(ctx, pageType, ent.LocalID, json.RawMessage(`{"title":"two"}`))
	require.NoError(t, err)
	require.NoError(t, h.Delete(ctx, pageType, ent.LocalID))

	require.Len(t, sink.msgs, 3)

	create := sink.msgs[0]
	assert.True(t, idgen.Valid(create.MessageID))
	assert.Equal(t, "ship-A", create.ShipID)
	assert.Equal(t, types.OpCreate, create.Operation)
	assert.Equal(t, ent.DocumentID, create.DocumentID)
	assert.Equal(t, 0, create.BaseVersion)
	assert.JSONEq(t, `{"title":"one"}`, string(create.Payload))
	assert.Equal(t, ent.LocalID, binder.bound[ent.DocumentID], "create binds identity")

	update := sink.msgs[1]
	assert.Equal(t, types.OpUpdate, update.Operation)
	assert.Equal(t, 1, update.BaseVersion)

	del := sink.msgs[2]
	assert.Equal(t, types.OpDelete, del.Operation)
	assert.Nil(t, del.Payload)
	assert.Equal(t, 2, del.BaseVersion)
}

func TestCaptureIgnoresSyncOrigin(t *testing.T) {
	ctx := host.WithOrigin(context.Background(), host.OriginSync)
	h := host.NewMemoryHost()
	sink := &captureSink{}
	NewHook("ship-A", sink, nil).Attach(h, []string{pageType})

	_, err := h.Create(ctx, pageType, "doc-1", "", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, sink.msgs, "engine-applied writes must not echo")
}

func TestCaptureIgnoresUnsubscribedTypes(t *testing.T) {
	ctx := context.Background()
	h := host.NewMemoryHost()
	sink := &captureSink{}
	NewHook("ship-A", sink, nil).Attach(h, []string{pageType})

	_, err := h.Create(ctx, "api::crew.crew", "doc-1", "", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, sink.msgs)
}

func TestCapturePublishCarriesPostImage(t *testing.T) {
	ctx := context.Background()
	h := host.NewMemoryHost()
	sink := &captureSink{}
	NewHook("", sink, nil).Attach(h, []string{pageType}) // master side

	ent, err := h.Create(ctx, pageType, "doc-1", "", json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	_, err = h.SetPublished(ctx, pageType, ent.LocalID, true)
	require.NoError(t, err)

	require.Len(t, sink.msgs, 2)
	pub := sink.msgs[1]
	assert.Equal(t, types.OpPublish, pub.Operation)
	assert.True(t, pub.FromMaster())
	assert.Equal(t, 1, pub.BaseVersion)
	assert.JSONEq(t, `{"title":"x"}`, string(pub.Payload))
}
