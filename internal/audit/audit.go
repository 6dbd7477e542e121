// Package audit records a durable, append-only decision ledger for the two
// classes of decision this daemon makes outside the normal queue state
// machine: approval resolutions (§4.6) and stale-claim recovery sweeps
// (§4.4(c)). Grounded on the teacher's JSONL decision-ledger pattern.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pushpals/pushpals/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"` // "approval" | "stale_claim_recovery"
	SessionID string `json:"sessionId,omitempty"`
	ID        string `json:"id"` // approvalId or jobId
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens (creating if necessary) <homeDir>/logs/audit.jsonl for append.
// Safe to call more than once; later calls are no-ops while a file is open.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the underlying file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RecordApprovalDecision logs one approval resolution (approve/deny).
func RecordApprovalDecision(sessionID, approvalID, decision, reason string) {
	record(entry{
		Kind:      "approval",
		SessionID: sessionID,
		ID:        approvalID,
		Decision:  decision,
		Reason:    shared.Redact(reason),
	})
}

// RecordStaleClaimRecovery logs one job reset from claimed back to pending
// by the stale-claim sweep.
func RecordStaleClaimRecovery(jobID, reason string) {
	record(entry{
		Kind:     "stale_claim_recovery",
		ID:       jobID,
		Decision: "recovered",
		Reason:   shared.Redact(reason),
	})
}

func record(ev entry) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
