package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/types"
)

func TestDetected(t *testing.T) {
	assert.False(t, Detected(3, 3), "same version: no conflict")
	assert.False(t, Detected(3, 4), "remote saw a newer version than local has")
	assert.True(t, Detected(4, 3), "local moved past the remote's base")
}

func msgAt(shipID string, at time.Time) *types.SyncMessage {
	return &types.SyncMessage{
		MessageID:   "m1",
		ShipID:      shipID,
		ContentType: "api::page.page",
		DocumentID:  "d1",
		Operation:   types.OpUpdate,
		Payload:     json.RawMessage(`{"title":"A"}`),
		BaseVersion: 3,
		OccurredAt:  at,
	}
}

func TestLastWriteWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("remote newer", func(t *testing.T) {
		res, err := Resolve(config.StrategyLastWriteWins, Input{
			Message:        msgAt("ship-A", now.Add(time.Second)),
			LocalVersion:   4,
			LocalUpdatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, ApplyRemote, res.Outcome)
		assert.Equal(t, "newer", res.Reason)
	})

	t.Run("local newer", func(t *testing.T) {
		res, err := Resolve(config.StrategyLastWriteWins, Input{
			Message:        msgAt("ship-A", now),
			LocalVersion:   4,
			LocalUpdatedAt: now.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, KeepLocal, res.Outcome)
		assert.Equal(t, "older", res.Reason)
	})

	t.Run("tie master outranks ship", func(t *testing.T) {
		res, err := Resolve(config.StrategyLastWriteWins, Input{
			Message:        msgAt("", now), // master-originated
			LocalSiteID:    "ship-A",
			LocalUpdatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, ApplyRemote, res.Outcome)
		assert.Equal(t, "tie_shipid", res.Reason)
	})

	t.Run("tie ship never outranks master", func(t *testing.T) {
		res, err := Resolve(config.StrategyLastWriteWins, Input{
			Message:        msgAt("ship-Z", now),
			LocalSiteID:    "", // local is master
			LocalUpdatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, KeepLocal, res.Outcome)
	})

	t.Run("tie lexicographic between ships", func(t *testing.T) {
		res, err := Resolve(config.StrategyLastWriteWins, Input{
			Message:        msgAt("ship-B", now),
			LocalSiteID:    "ship-A",
			LocalUpdatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, ApplyRemote, res.Outcome)

		res, err = Resolve(config.StrategyLastWriteWins, Input{
			Message:        msgAt("ship-A", now),
			LocalSiteID:    "ship-B",
			LocalUpdatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, KeepLocal, res.Outcome)
	})
}

func TestMasterWins(t *testing.T) {
	now := time.Now().UTC()

	res, err := Resolve(config.StrategyMasterWins, Input{Message: msgAt("", now)})
	require.NoError(t, err)
	assert.Equal(t, ApplyRemote, res.Outcome)

	res, err = Resolve(config.StrategyMasterWins, Input{Message: msgAt("ship-A", now)})
	require.NoError(t, err)
	assert.Equal(t, Park, res.Outcome)
}

func TestManual(t *testing.T) {
	res, err := Resolve(config.StrategyManual, Input{Message: msgAt("ship-A", time.Now())})
	require.NoError(t, err)
	assert.Equal(t, Manual, res.Outcome)
}

func TestMergeFieldWise(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := msgAt("ship-A", now.Add(-time.Minute)) // doc-level: local wins
	msg.Payload = json.RawMessage(`{"title":"remote title","summary":"remote summary","tags":["r"]}`)

	in := Input{
		Message:        msg,
		LocalSiteID:    "",
		LocalSnapshot:  json.RawMessage(`{"title":"local title","body":"local body","summary":"local summary"}`),
		LocalUpdatedAt: now,
		LocalFieldTimes: map[string]time.Time{
			"title":   now.Add(-2 * time.Hour),
			"summary": now,
		},
		RemoteFieldTimes: map[string]time.Time{
			"title":   now.Add(-time.Minute), // newer than local's title edit
			"summary": now.Add(-time.Minute),
		},
	}

	res, err := Resolve(config.StrategyMerge, in)
	require.NoError(t, err)
	require.Equal(t, ApplyMerged, res.Outcome)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Merged, &merged))
	assert.JSONEq(t, `"remote title"`, string(merged["title"]), "remote field time is newer")
	assert.JSONEq(t, `"local summary"`, string(merged["summary"]), "local field time is newer")
	assert.JSONEq(t, `"local body"`, string(merged["body"]), "local-only field kept")
	assert.JSONEq(t, `["r"]`, string(merged["tags"]), "remote-only field kept")
}

func TestMergeWithoutFieldTimesFollowsLWW(t *testing.T) {
	now := time.Now().UTC()
	msg := msgAt("ship-A", now.Add(time.Second)) // remote newer overall
	msg.Payload = json.RawMessage(`{"title":"remote"}`)

	res, err := Resolve(config.StrategyMerge, Input{
		Message:        msg,
		LocalSnapshot:  json.RawMessage(`{"title":"local"}`),
		LocalUpdatedAt: now,
	})
	require.NoError(t, err)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Merged, &merged))
	assert.JSONEq(t, `"remote"`, string(merged["title"]))
}

func TestResolveDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Input{
		Message:        msgAt("ship-A", now),
		LocalSiteID:    "ship-B",
		LocalSnapshot:  json.RawMessage(`{"title":"x"}`),
		LocalUpdatedAt: now,
	}
	for _, strategy := range []string{
		config.StrategyLastWriteWins, config.StrategyMasterWins,
		config.StrategyManual, config.StrategyMerge,
	} {
		first, err := Resolve(strategy, in)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			again, err := Resolve(strategy, in)
			require.NoError(t, err)
			assert.Equal(t, first, again, "strategy %s must be pure", strategy)
		}
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	_, err := Resolve("coin-flip", Input{Message: msgAt("ship-A", time.Now())})
	assert.Error(t, err)

	_, err = Resolve(config.StrategyLastWriteWins, Input{})
	assert.Error(t, err, "nil message rejected")
}
