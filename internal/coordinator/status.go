package coordinator

import (
	"net/http"
)

// handleSystemStatus implements GET /system/status (§4.8 "System status"):
// worker counts, queue depths, and 24h SLO summaries for requests and jobs.
// Also triggers the rate-limited stale-claim sweep (§4.7).
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sweep.maybeRun(r.Context())

	workers, err := s.cfg.Store.ListWorkers(r.Context(), s.cfg.Cfg.WorkerHeartbeatTTLMs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	onlineWorkers, busyWorkers := 0, 0
	for _, wk := range workers {
		if wk.IsOnline {
			onlineWorkers++
		}
		if wk.Status == "busy" {
			busyWorkers++
		}
	}

	pendingCompletions, err := s.cfg.Store.ListPendingCompletions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	requestSLO, err := s.cfg.Store.RequestSLOSummary(r.Context(), 24)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	jobSLO, err := s.cfg.Store.JobSLOSummary(r.Context(), 24)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workers": map[string]any{
			"total":  len(workers),
			"online": onlineWorkers,
			"busy":   busyWorkers,
		},
		"pendingCompletions": len(pendingCompletions),
		"requests24h":        requestSLO,
		"jobs24h":            jobSLO,
	})
}
