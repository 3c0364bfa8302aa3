package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"slug": {"type": "string"}
	},
	"required": ["title"]
}`

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("api::page.page", "last-write-wins", json.RawMessage(pageSchema)))
	require.NoError(t, r.Register("api::article.article", "master-wins", nil))

	e, ok := r.Lookup("api::page.page")
	require.True(t, ok)
	assert.Equal(t, "last-write-wins", e.Strategy)

	assert.True(t, r.Known("api::article.article"))
	assert.False(t, r.Known("api::missing.missing"))
	assert.Equal(t, []string{"api::article.article", "api::page.page"}, r.Types())
}

func TestRegisterRejectsEmptyTypeAndBadSchema(t *testing.T) {
	r := New()
	assert.Error(t, r.Register("", "last-write-wins", nil))
	assert.Error(t, r.Register("api::x.x", "manual", json.RawMessage(`{"type": 17}`)))
}

func TestValidatePayload(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("api::page.page", "last-write-wins", json.RawMessage(pageSchema)))
	require.NoError(t, r.Register("api::free.free", "manual", nil))

	assert.NoError(t, r.ValidatePayload("api::page.page", json.RawMessage(`{"title":"hello"}`)))
	assert.NoError(t, r.ValidatePayload("api::page.page", nil), "nil payload (delete) passes")
	assert.NoError(t, r.ValidatePayload("api::free.free", json.RawMessage(`{"anything":1}`)))

	err := r.ValidatePayload("api::page.page", json.RawMessage(`{"slug":"no-title"}`))
	assert.ErrorIs(t, err, ErrSchema)

	err = r.ValidatePayload("api::page.page", json.RawMessage(`not json`))
	assert.ErrorIs(t, err, ErrSchema)

	err = r.ValidatePayload("api::ghost.ghost", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
