package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/storage"
	"github.com/harborview/shipsync/internal/transport"
	"github.com/harborview/shipsync/internal/types"
)

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	state := types.ConflictState(r.URL.Query().Get("state"))
	conflicts, err := s.store.ListConflicts(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *Server) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	id, action, err := pathID(r.URL.Path, "/conflicts/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.store.GetConflict(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conflict not found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case action == "resolve" && r.Method == http.MethodPost:
		s.resolveConflict(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// resolveConflict closes an open conflict record: keep the local state,
// apply the remote snapshot, or apply operator-supplied data.
func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Strategy string          `json:"strategy"` // keep_local | apply_remote
		Data     json.RawMessage `json:"data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	rec, err := s.store.GetConflict(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.State == types.ConflictResolved {
		writeError(w, http.StatusConflict, "conflict already resolved")
		return
	}

	var payload json.RawMessage
	switch {
	case len(req.Data) > 0:
		payload = req.Data
	case req.Strategy == "apply_remote":
		payload = rec.RemoteSnapshot
	case req.Strategy == "keep_local":
		// nothing to apply
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}

	if payload != nil {
		localID, err := s.store.ResolveIdentity(r.Context(), rec.ContentType, rec.DocumentID)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("no local row for %s/%s: %v", rec.ContentType, rec.DocumentID, err))
			return
		}
		syncCtx := host.WithOrigin(r.Context(), host.OriginSync)
		if _, err := s.entities.Update(syncCtx, rec.ContentType, localID, payload); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("apply failed: %v", err))
			return
		}
	}

	resolution := req.Strategy
	if len(req.Data) > 0 {
		resolution = "operator_data"
	}
	if err := s.store.ResolveConflict(r.Context(), id, resolution); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Promote the held message so redeliveries short-circuit.
	_, err = s.store.MarkProcessed(r.Context(), types.ProcessedMessage{
		MessageID:   rec.MessageID,
		ContentType: rec.ContentType,
		DocumentID:  rec.DocumentID,
		Status:      types.StatusProcessed,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resolution": resolution})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	filter := storage.DeadLetterFilter{
		State:       types.DeadLetterState(r.URL.Query().Get("state")),
		ShipID:      r.URL.Query().Get("shipId"),
		ContentType: r.URL.Query().Get("contentType"),
		Reason:      r.URL.Query().Get("reason"),
	}
	entries, err := s.store.ListDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.store.DeadLetterStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries), "stats": stats})
}

func (s *Server) handleDeadLetterByID(w http.ResponseWriter, r *http.Request) {
	id, action, err := pathID(r.URL.Path, "/dead-letter/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.store.GetDeadLetter(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "dead-letter entry not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, entry)
	case action == "retry" && r.Method == http.MethodPost:
		s.retryDeadLetter(w, r, entry)
	case action == "resolve" && r.Method == http.MethodPost:
		s.resolveDeadLetter(w, r, entry)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// retryDeadLetter replays a parked message. Outbound publish failures go
// back through the sync path; inbound failures are re-applied directly.
func (s *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request, entry *types.DeadLetterEntry) {
	if entry.State == types.DeadLetterResolved {
		writeError(w, http.StatusConflict, "entry already resolved")
		return
	}

	if entry.Reason == "publish" {
		msg := entry.Message
		msg.Attempt = 0
		s.engine.Offer(r.Context(), msg)
		if err := s.store.SetDeadLetterState(r.Context(), entry.ID, types.DeadLetterResolved, "requeued"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "outcome": "requeued"})
		return
	}

	msg := entry.Message
	result, herr := s.engine.HandleInbound(r.Context(), &msg)
	errText := ""
	if herr != nil {
		errText = herr.Error()
	}
	switch result {
	case transport.Ok:
		if err := s.store.SetDeadLetterState(r.Context(), entry.ID, types.DeadLetterResolved, "replayed"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "outcome": "replayed"})
	case transport.Retry:
		_ = s.store.SetDeadLetterState(r.Context(), entry.ID, types.DeadLetterRetrying, errText)
		writeJSON(w, http.StatusAccepted, map[string]any{"success": false, "outcome": "retrying", "error": errText})
	default:
		_ = s.store.SetDeadLetterState(r.Context(), entry.ID, types.DeadLetterExhausted, errText)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"success": false, "outcome": "exhausted", "error": errText})
	}
}

// resolveDeadLetter closes an entry: discard it, or rebind the missing
// identity mapping and replay.
func (s *Server) resolveDeadLetter(w http.ResponseWriter, r *http.Request, entry *types.DeadLetterEntry) {
	var req struct {
		Action  string `json:"action"` // discard | rebind
		LocalID string `json:"localId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	switch req.Action {
	case "discard":
		if err := s.store.SetDeadLetterState(r.Context(), entry.ID, types.DeadLetterResolved, "discarded"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "outcome": "discarded"})
	case "rebind":
		if req.LocalID == "" {
			writeError(w, http.StatusBadRequest, "rebind requires localId")
			return
		}
		msg := entry.Message
		if err := s.store.BindIdentity(r.Context(), msg.ContentType, msg.DocumentID, req.LocalID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.retryDeadLetter(w, r, entry)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}
