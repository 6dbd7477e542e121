package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pushpals/pushpals/internal/bus"
)

type enqueueCompletionBody struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
	CommitSHA string `json:"commitSha,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Message   string `json:"message,omitempty"`
	PRTitle   string `json:"prTitle,omitempty"`
	PRBody    string `json:"prBody,omitempty"`
}

// handleCompletionEnqueue implements POST /completions/enqueue (§4.5
// "Source control manager").
func (s *Server) handleCompletionEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body enqueueCompletionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	completion, err := s.cfg.Store.EnqueueCompletion(r.Context(), body.JobID, body.SessionID, body.CommitSHA, body.Branch, body.Message, body.PRTitle, body.PRBody)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

type claimCompletionBody struct {
	PusherID string `json:"pusherId"`
}

// handleCompletionClaim implements POST /completions/claim (§4.5).
func (s *Server) handleCompletionClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body claimCompletionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.PusherID == "" {
		writeError(w, http.StatusBadRequest, "pusherId is required")
		return
	}
	completion, err := s.cfg.Store.ClaimCompletion(r.Context(), body.PusherID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

type failCompletionBody struct {
	Error string `json:"error"`
}

// handleCompletionByID implements /completions/:id/processed and
// /completions/:id/fail (§4.5).
func (s *Server) handleCompletionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/completions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	completionID, action := parts[0], parts[1]

	switch action {
	case "processed":
		if err := s.cfg.Store.MarkCompletionProcessed(r.Context(), completionID); err != nil {
			writeStoreError(w, err)
			return
		}
		s.emitCompletionEvent(r.Context(), completionID, bus.TypeCommitted)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "fail":
		var body failCompletionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.cfg.Store.MarkCompletionFailed(r.Context(), completionID, body.Error); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// emitCompletionEvent emits a committed event into the completion's owning
// session once the source control manager reports it processed (§4.5).
func (s *Server) emitCompletionEvent(ctx context.Context, completionID, eventType string) {
	completion, err := s.cfg.Store.GetCompletion(ctx, completionID)
	if err != nil || completion.SessionID == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"completionId": completionID,
		"commitSha":    completion.CommitSHA,
		"branch":       completion.Branch,
	})
	if err != nil {
		return
	}
	_, _, _ = s.cfg.Bus.Emit(ctx, bus.Envelope{
		SessionID: completion.SessionID,
		Type:      eventType,
		From:      "source-control-manager",
		Payload:   payload,
	})
}
