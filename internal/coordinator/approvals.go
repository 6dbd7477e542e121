package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pushpals/pushpals/internal/approvals"
	"github.com/pushpals/pushpals/internal/audit"
)

type approvalDecisionBody struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// handleApprovalDecision implements POST /approvals/:id (§4.6 "Resolution").
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	approvalID := strings.TrimPrefix(r.URL.Path, "/approvals/")
	if approvalID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var body approvalDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	approval, found := s.cfg.Approvals.Get(approvalID)
	var sessionID string
	if found {
		sessionID = approval.SessionID
	}

	if err := s.cfg.Approvals.Decide(r.Context(), approvalID, body.Decision); err != nil {
		switch {
		case errors.Is(err, approvals.ErrNotFound):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, approvals.ErrInvalidDecision):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if sessionID != "" {
		audit.RecordApprovalDecision(sessionID, approvalID, body.Decision, body.Reason)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
