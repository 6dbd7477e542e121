package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pushpals/pushpals/internal/bus"
)

type enqueueJobBody struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Params    string `json:"params,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// handleJobEnqueue implements POST /jobs/enqueue (§4.4).
func (s *Server) handleJobEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body enqueueJobBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	params := body.Params
	if params == "" {
		params = "{}"
	}
	job, err := s.cfg.Store.EnqueueJob(r.Context(), body.TaskID, body.SessionID, body.Kind, params, body.Priority)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.SessionID != "" {
		payload, _ := json.Marshal(map[string]string{"jobId": job.ID, "kind": job.Kind})
		_, _, _ = s.cfg.Bus.Emit(r.Context(), bus.Envelope{
			SessionID: job.SessionID,
			Type:      bus.TypeJobEnqueued,
			From:      "server",
			Payload:   payload,
		})
	}
	writeJSON(w, http.StatusOK, job)
}

type claimJobBody struct {
	WorkerID string `json:"workerId"`
}

// handleJobClaim implements POST /jobs/claim (§4.4). Also triggers the
// rate-limited stale-claim sweep (§4.7 "opportunistic sweep triggers").
func (s *Server) handleJobClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sweep.maybeRun(r.Context())

	var body claimJobBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	job, err := s.cfg.Store.ClaimJob(r.Context(), body.WorkerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if job.SessionID != "" {
		payload, _ := json.Marshal(map[string]string{"jobId": job.ID, "workerId": body.WorkerID})
		_, _, _ = s.cfg.Bus.Emit(r.Context(), bus.Envelope{
			SessionID: job.SessionID,
			Type:      bus.TypeJobClaimed,
			From:      body.WorkerID,
			Payload:   payload,
		})
	}
	writeJSON(w, http.StatusOK, job)
}

type completeJobBody struct {
	Summary   string `json:"summary,omitempty"`
	Artifacts string `json:"artifacts,omitempty"`
}

type failJobBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type appendJobLogBody struct {
	Stream  string `json:"stream"`
	Seq     int64  `json:"seq"`
	Message string `json:"message"`
}

// handleJobByID implements /jobs/:id/complete, /jobs/:id/fail,
// /jobs/:id/log (append), and /jobs/:id/logs (list) (§4.4).
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	jobID, action := parts[0], parts[1]

	switch action {
	case "complete":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body completeJobBody
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		if err := s.cfg.Store.CompleteJob(r.Context(), jobID, body.Summary, body.Artifacts); err != nil {
			writeStoreError(w, err)
			return
		}
		s.emitJobTerminal(r.Context(), jobID, bus.TypeJobCompleted, map[string]string{
			"jobId": jobID, "summary": body.Summary,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "fail":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body failJobBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.cfg.Store.FailJob(r.Context(), jobID, body.Error, body.Message, body.Detail); err != nil {
			writeStoreError(w, err)
			return
		}
		// §4.4 "Terminal transitions and side effects": the Coordinator emits
		// job_failed itself rather than relying on the worker to report it,
		// so subscribers learn of the failure even when the worker cannot.
		if job, err := s.cfg.Store.GetJob(r.Context(), jobID); err == nil && job.SessionID != "" {
			s.emitCompactJobFailed(r.Context(), job.SessionID, "worker", jobID, body.Message, body.Detail)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "log":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body appendJobLogBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.cfg.Store.AppendJobLog(r.Context(), jobID, body.Stream, body.Seq, body.Message); err != nil {
			writeStoreError(w, err)
			return
		}
		if job, err := s.cfg.Store.GetJob(r.Context(), jobID); err == nil && job.SessionID != "" {
			payload, _ := json.Marshal(map[string]any{
				"jobId": jobID, "stream": body.Stream, "message": compactText(body.Message),
			})
			_, _, _ = s.cfg.Bus.Emit(r.Context(), bus.Envelope{
				SessionID: job.SessionID,
				Type:      bus.TypeJobLog,
				From:      "worker",
				Payload:   payload,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "logs":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		var afterID int64
		if raw := r.URL.Query().Get("after"); raw != "" {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
				afterID = v
			}
		}
		lines, err := s.cfg.Store.ListJobLogs(r.Context(), jobID, limit, afterID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lines": lines})

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// emitJobTerminal emits a bus event for a job's terminal transition, looking
// up the owning session since terminal endpoints only carry the job id.
func (s *Server) emitJobTerminal(ctx context.Context, jobID, eventType string, fields map[string]string) {
	job, err := s.cfg.Store.GetJob(ctx, jobID)
	if err != nil || job.SessionID == "" {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	_, _, _ = s.cfg.Bus.Emit(ctx, bus.Envelope{
		SessionID: job.SessionID,
		Type:      eventType,
		From:      "worker",
		Payload:   payload,
	})
}
