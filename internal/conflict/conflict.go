// Package conflict detects and resolves write-write conflicts between a
// local entity and an inbound sync message.
//
// Resolution is a pure function of its inputs so that every site reaches
// the same verdict for the same pair of snapshots.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/types"
)

// Detected reports whether applying a message with baseVersion against an
// entity at localVersion is a write-write conflict: the local side has moved
// past the version the remote writer observed.
func Detected(localVersion, baseVersion int) bool {
	return localVersion > baseVersion
}

// Outcome is a resolver verdict.
type Outcome string

const (
	// ApplyRemote: the inbound message wins; apply its payload.
	ApplyRemote Outcome = "apply_remote"
	// KeepLocal: the local state wins; record the message as resolved.
	KeepLocal Outcome = "keep_local"
	// Park: the message goes to the dead-letter store.
	Park Outcome = "park"
	// Manual: record a ConflictRecord and pause apply until an operator
	// resolves it.
	Manual Outcome = "manual"
	// ApplyMerged: apply the merged payload in Resolution.Merged.
	ApplyMerged Outcome = "apply_merged"
)

// Input carries both sides of a detected conflict.
type Input struct {
	// Remote side.
	Message *types.SyncMessage
	// Local side.
	LocalSiteID    string // "" when this site is the master
	LocalVersion   int
	LocalSnapshot  json.RawMessage
	LocalUpdatedAt time.Time
	// Optional per-field wall-clocks for the merge strategy, keyed by
	// top-level field name.
	LocalFieldTimes  map[string]time.Time
	RemoteFieldTimes map[string]time.Time
}

// Resolution is the resolver's verdict.
type Resolution struct {
	Outcome Outcome
	// Reason is a short label recorded with the verdict: "newer", "older",
	// "master", "tie_shipid", "manual", "merged".
	Reason string
	// Merged holds the payload to apply when Outcome is ApplyMerged.
	Merged json.RawMessage
}

// Resolve applies the named strategy to a detected conflict. The output
// depends only on the inputs.
func Resolve(strategy string, in Input) (Resolution, error) {
	if in.Message == nil {
		return Resolution{}, fmt.Errorf("conflict: nil message")
	}
	switch strategy {
	case config.StrategyLastWriteWins, "":
		return lastWriteWins(in), nil
	case config.StrategyMasterWins:
		return masterWins(in), nil
	case config.StrategyManual:
		return Resolution{Outcome: Manual, Reason: "manual"}, nil
	case config.StrategyMerge:
		return merge(in)
	default:
		return Resolution{}, fmt.Errorf("conflict: unknown strategy %q", strategy)
	}
}

func lastWriteWins(in Input) Resolution {
	remote := in.Message.OccurredAt
	local := in.LocalUpdatedAt
	switch {
	case remote.After(local):
		return Resolution{Outcome: ApplyRemote, Reason: "newer"}
	case local.After(remote):
		return Resolution{Outcome: KeepLocal, Reason: "older"}
	}
	// Identical timestamps: break by site rank, master highest, then
	// lexicographic shipId.
	if remoteOutranks(in.Message.ShipID, in.LocalSiteID) {
		return Resolution{Outcome: ApplyRemote, Reason: "tie_shipid"}
	}
	return Resolution{Outcome: KeepLocal, Reason: "tie_shipid"}
}

// remoteOutranks compares site ranks: the master (empty id) outranks every
// ship; between ships the lexicographically greater id wins.
func remoteOutranks(remoteShip, localSite string) bool {
	if remoteShip == "" {
		return true
	}
	if localSite == "" {
		return false
	}
	return remoteShip > localSite
}

func masterWins(in Input) Resolution {
	if in.Message.FromMaster() {
		return Resolution{Outcome: ApplyRemote, Reason: "master"}
	}
	// A replica message conflicting with local state under master-wins
	// is parked for the operator.
	return Resolution{Outcome: Park, Reason: "master"}
}

// merge does a field-wise merge of the two snapshots. A field present on
// both sides is taken from whichever side has the newer per-field timestamp;
// fields without timestamps follow the whole-document last-write-wins
// verdict. Fields present on only one side are kept.
func merge(in Input) (Resolution, error) {
	var localDoc, remoteDoc map[string]json.RawMessage
	if len(in.LocalSnapshot) > 0 {
		if err := json.Unmarshal(in.LocalSnapshot, &localDoc); err != nil {
			return Resolution{}, fmt.Errorf("conflict: local snapshot: %w", err)
		}
	}
	if len(in.Message.Payload) > 0 {
		if err := json.Unmarshal(in.Message.Payload, &remoteDoc); err != nil {
			return Resolution{}, fmt.Errorf("conflict: remote payload: %w", err)
		}
	}

	docWinner := lastWriteWins(in)
	merged := make(map[string]json.RawMessage, len(localDoc)+len(remoteDoc))
	for k, v := range localDoc {
		merged[k] = v
	}
	for k, remoteVal := range remoteDoc {
		localVal, inLocal := merged[k]
		if !inLocal {
			merged[k] = remoteVal
			continue
		}
		lt, hasLT := in.LocalFieldTimes[k]
		rt, hasRT := in.RemoteFieldTimes[k]
		switch {
		case hasLT && hasRT:
			if rt.After(lt) {
				merged[k] = remoteVal
			}
		case docWinner.Outcome == ApplyRemote:
			merged[k] = remoteVal
		default:
			merged[k] = localVal
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: encode merged payload: %w", err)
	}
	return Resolution{Outcome: ApplyMerged, Reason: "merged", Merged: out}, nil
}
