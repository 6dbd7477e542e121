// Package coordinator implements the Pipeline Coordinator (§4.7): the
// HTTP/WebSocket surface that composes the durable store, the session event
// bus, and the three pipeline queues into the wire contract described in §6.
package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pushpals/pushpals/internal/approvals"
	"github.com/pushpals/pushpals/internal/bus"
	"github.com/pushpals/pushpals/internal/config"
	"github.com/pushpals/pushpals/internal/otelx"
	"github.com/pushpals/pushpals/internal/store"
)

// Config is everything the Server needs to compose the HTTP surface.
type Config struct {
	Store     *store.Store
	Bus       *bus.Bus
	Approvals *approvals.Registry
	Cfg       config.Config
	Otel      *otelx.Provider
	Metrics   *otelx.Metrics
}

// Server is the Pipeline Coordinator (§4.7).
type Server struct {
	cfg Config

	sweep *sweeper
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		sweep: &sweeper{
			store:         cfg.Store,
			bus:           cfg.Bus,
			intervalMs:    cfg.Cfg.SweepIntervalMs,
			staleClaimTTL: time.Duration(cfg.Cfg.StaleClaimTTLSeconds) * time.Second,
		},
	}
}

// Handler returns the composed http.Handler, CORS and size-limit and auth
// middleware applied per §4.7's "CORS → RequestSizeLimit(10MiB) → Auth →
// handler" chain, grounded on the teacher's auth.go/cors.go middleware
// style.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/sessions", s.requireAuth(true, s.handleSessions))
	// /sessions/:id/* mixes gated and ungated sub-paths (§6): handled inline
	// via s.authorized rather than a blanket requireAuth wrapper.
	mux.HandleFunc("/sessions/", s.handleSessionSubroute)

	mux.HandleFunc("/approvals/", s.requireAuth(false, s.handleApprovalDecision))

	mux.HandleFunc("/requests/enqueue", s.requireAuth(false, s.handleRequestEnqueue))
	mux.HandleFunc("/requests/claim", s.requireAuth(false, s.handleRequestClaim))
	mux.HandleFunc("/requests/", s.requireAuth(false, s.handleRequestByID))

	mux.HandleFunc("/jobs/enqueue", s.requireAuth(false, s.handleJobEnqueue))
	mux.HandleFunc("/jobs/claim", s.requireAuth(false, s.handleJobClaim))
	mux.HandleFunc("/jobs/", s.requireAuth(false, s.handleJobByID))

	mux.HandleFunc("/workers/heartbeat", s.requireAuth(false, s.handleWorkerHeartbeat))
	mux.HandleFunc("/workers", s.requireAuth(false, s.handleWorkersList))

	mux.HandleFunc("/completions/enqueue", s.requireAuth(false, s.handleCompletionEnqueue))
	mux.HandleFunc("/completions/claim", s.requireAuth(false, s.handleCompletionClaim))
	mux.HandleFunc("/completions/", s.requireAuth(false, s.handleCompletionByID))

	mux.HandleFunc("/system/status", s.requireAuth(false, s.handleSystemStatus))

	var handler http.Handler = mux
	handler = s.withTraceID(handler)
	handler = s.withOtel(handler)
	handler = requestSizeLimitMiddleware(s.cfg.Cfg.RequestSizeLimitBytes)(handler)
	handler = newCORSMiddleware(s.cfg.Cfg.CORS)(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"protocolVersion": bus.ProtocolVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
