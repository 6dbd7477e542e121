package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pushpals/pushpals/internal/audit"
	"github.com/pushpals/pushpals/internal/bus"
	"github.com/pushpals/pushpals/internal/store"
)

// sweeper runs the stale-claim recovery sweep opportunistically from the
// request paths named in §4.7 ("/jobs/claim, /workers, /system/status
// trigger a sweep"), rate-limited by intervalMs so a burst of requests
// doesn't hammer the store with repeated scans.
type sweeper struct {
	store         *store.Store
	bus           *bus.Bus
	intervalMs    int64
	staleClaimTTL time.Duration

	mu      sync.Mutex
	lastRun time.Time
}

// maybeRun triggers a sweep if intervalMs has elapsed since the last one.
// Safe for concurrent callers; only one goroutine at a time performs the
// scan, others return immediately.
func (sw *sweeper) maybeRun(ctx context.Context) {
	sw.mu.Lock()
	interval := time.Duration(sw.intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if time.Since(sw.lastRun) < interval {
		sw.mu.Unlock()
		return
	}
	sw.lastRun = time.Now()
	sw.mu.Unlock()

	recovered, err := sw.store.RecoverStaleClaims(ctx, sw.staleClaimTTL)
	if err != nil {
		slog.Error("stale claim sweep failed", "error", err)
		return
	}
	for _, c := range recovered {
		message := "Worker disappeared during job execution"
		detail := "lost claim from worker " + c.WorkerID
		audit.RecordStaleClaimRecovery(c.JobID, detail)
		emitJobFailed(ctx, sw.bus, c.SessionID, "server:stale-claim-recovery", c.JobID, message, detail)
	}
}

// emitJobFailed builds and emits a job_failed envelope (§4.4(c): "the
// Coordinator, not the queue, must emit this event so subscribers learn of
// the failure even when the worker cannot").
func emitJobFailed(ctx context.Context, b *bus.Bus, sessionID, from, jobID, message, detail string) {
	payload, err := json.Marshal(map[string]string{
		"jobId":   jobID,
		"message": compactText(message),
		"detail":  compactText(detail),
	})
	if err != nil {
		slog.Error("marshal job_failed payload", "error", err)
		return
	}
	if _, _, err := b.Emit(ctx, bus.Envelope{
		SessionID: sessionID,
		Type:      bus.TypeJobFailed,
		From:      from,
		Payload:   payload,
	}); err != nil {
		slog.Error("emit job_failed", "error", err, "jobId", jobID)
	}
}

// emitCompactJobFailed is the Server-bound convenience wrapper used by
// handlers that already hold a *Server (command ingest, job-fail endpoint).
func (s *Server) emitCompactJobFailed(ctx context.Context, sessionID, from, jobID, message, detail string) {
	emitJobFailed(ctx, s.cfg.Bus, sessionID, from, jobID, message, detail)
}
