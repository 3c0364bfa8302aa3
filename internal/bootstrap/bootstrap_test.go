package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/storage/sqlite"
)

const pageType = "api::page.page"

// exportServer serves a fixed entity set the way the master's export
// endpoint does, honoring pagination.
func exportServer(t *testing.T, entities []host.Entity, wantToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/export" {
			http.NotFound(w, r)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		require.Equal(t, pageType, r.URL.Query().Get("contentType"))

		start := (page - 1) * size
		end := start + size
		if start > len(entities) {
			start = len(entities)
		}
		if end > len(entities) {
			end = len(entities)
		}
		json.NewEncoder(w).Encode(exportPage{
			Data:    entities[start:end],
			Page:    page,
			HasMore: end < len(entities),
		})
	}))
}

func masterEntities(n int) []host.Entity {
	out := make([]host.Entity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, host.Entity{
			LocalID:     fmt.Sprintf("%d", i+1),
			DocumentID:  fmt.Sprintf("doc-%03d", i),
			ContentType: pageType,
			Version:     1,
			Published:   i%2 == 0,
			Data:        json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return out
}

func newRunner(t *testing.T) (*Runner, *sqlite.Store, *host.MemoryHost) {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h := host.NewMemoryHost()
	return NewRunner(store, h, []string{pageType}), store, h
}

func TestInitialSyncPullsAllPages(t *testing.T) {
	ctx := context.Background()
	srv := exportServer(t, masterEntities(250), "tok")
	defer srv.Close()

	runner, store, h := newRunner(t)
	st, err := runner.Run(ctx, Request{MasterURL: srv.URL, MasterAPIToken: "tok"})
	require.NoError(t, err)

	res := st.PerType[pageType]
	assert.Equal(t, 250, res.Seen)
	assert.Equal(t, 250, res.Created)
	assert.Zero(t, res.Failed)

	list, err := h.List(ctx, pageType)
	require.NoError(t, err)
	assert.Len(t, list, 250)

	localID, err := store.ResolveIdentity(ctx, pageType, "doc-042")
	require.NoError(t, err)
	ent, err := h.Get(ctx, pageType, localID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":42}`, string(ent.Data))
	assert.True(t, ent.Published)
}

func TestInitialSyncIsResumable(t *testing.T) {
	ctx := context.Background()
	srv := exportServer(t, masterEntities(30), "")
	defer srv.Close()

	runner, _, h := newRunner(t)
	_, err := runner.Run(ctx, Request{MasterURL: srv.URL})
	require.NoError(t, err)

	st, err := runner.Run(ctx, Request{MasterURL: srv.URL})
	require.NoError(t, err)
	res := st.PerType[pageType]
	assert.Equal(t, 30, res.Skipped, "second run skips everything")
	assert.Zero(t, res.Created)

	list, err := h.List(ctx, pageType)
	require.NoError(t, err)
	assert.Len(t, list, 30, "no duplicate rows")
}

func TestInitialSyncDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	srv := exportServer(t, masterEntities(10), "")
	defer srv.Close()

	runner, store, h := newRunner(t)
	st, err := runner.Run(ctx, Request{MasterURL: srv.URL, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 10, st.PerType[pageType].Created)

	list, err := h.List(ctx, pageType)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = store.ResolveIdentity(ctx, pageType, "doc-000")
	assert.Error(t, err)
}

func TestInitialSyncRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	srv := exportServer(t, masterEntities(5), "tok")
	defer srv.Close()

	runner, _, _ := newRunner(t)
	_, err := runner.Run(ctx, Request{MasterURL: srv.URL, MasterAPIToken: "wrong"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestInitialSyncRequiresMasterURL(t *testing.T) {
	runner, _, _ := newRunner(t)
	_, err := runner.Run(context.Background(), Request{})
	require.Error(t, err)
}
