package idgen

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageIDMonotonic(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = NewMessageID()
	}

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "ids must sort in generation order")
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(NewMessageID()))
	assert.False(t, Valid("not-a-ulid"))
	assert.False(t, Valid(""))
}
