package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pushpals/pushpals/internal/store"
)

type enqueueRequestBody struct {
	SessionID         string `json:"sessionId"`
	Prompt            string `json:"prompt"`
	Priority          string `json:"priority,omitempty"`
	QueueWaitBudgetMs int64  `json:"queueWaitBudgetMs,omitempty"`
}

// handleRequestEnqueue implements POST /requests/enqueue (§4.3 enqueue).
func (s *Server) handleRequestEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body enqueueRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := s.cfg.Store.EnqueueRequest(r.Context(), body.SessionID, body.Prompt, body.Priority, body.QueueWaitBudgetMs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	position, err := s.cfg.Store.RequestQueuePosition(r.Context(), req.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":     req.ID,
		"queuePosition": position,
		"etaMs":         store.ETAMillis(req.Priority, position),
	})
}

type claimRequestBody struct {
	AgentID string `json:"agentId"`
}

// handleRequestClaim implements POST /requests/claim (§4.3 claim).
func (s *Server) handleRequestClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body claimRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	req, err := s.cfg.Store.ClaimRequest(r.Context(), body.AgentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	queueWaitMs := req.ClaimedAt.Sub(req.EnqueuedAt).Milliseconds()
	if queueWaitMs < 0 {
		queueWaitMs = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "queueWaitMs": queueWaitMs})
}

type completeRequestBody struct {
	Result string `json:"result,omitempty"`
}

type failRequestBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// handleRequestByID implements
// POST /requests/:id/complete and POST /requests/:id/fail (§4.3).
func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/requests/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	requestID, action := parts[0], parts[1]

	switch action {
	case "complete":
		var body completeRequestBody
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		if err := s.cfg.Store.CompleteRequest(r.Context(), requestID, body.Result); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "fail":
		var body failRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.cfg.Store.FailRequest(r.Context(), requestID, body.Message); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// writeStoreError translates the store's sentinel error taxonomy (§7) into
// an HTTP status code at this boundary, grounded on the teacher's habit of
// having the caller decide the status rather than embedding HTTP concerns
// in the store.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrStateConflict):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
