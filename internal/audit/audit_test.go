package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordApprovalDecision_WritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordApprovalDecision("sess-1", "approval-1", "approve", "reviewer accepted the diff")
	RecordApprovalDecision("sess-1", "approval-2", "deny", "reviewer rejected the shell command")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["kind"] != "approval" {
		t.Fatalf("expected kind=approval, got %#v", first["kind"])
	}
	if first["decision"] != "approve" {
		t.Fatalf("expected decision=approve, got %#v", first["decision"])
	}
	if first["id"] != "approval-1" {
		t.Fatalf("expected id=approval-1, got %#v", first["id"])
	}
}

func TestRecordStaleClaimRecovery_WritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordStaleClaimRecovery("job-1", "worker heartbeat exceeded ttl")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &ev); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if ev["kind"] != "stale_claim_recovery" {
		t.Fatalf("expected kind=stale_claim_recovery, got %#v", ev["kind"])
	}
	if ev["decision"] != "recovered" {
		t.Fatalf("expected decision=recovered, got %#v", ev["decision"])
	}
}

func TestAudit_AppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordApprovalDecision("sess-1", "a1", "approve", "")
	RecordApprovalDecision("sess-1", "a2", "deny", "")

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	RecordStaleClaimRecovery("job-3", "")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	size2 := info2.Size()
	if size2 <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, size2)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["decision"]; !ok {
			t.Fatalf("line %d missing decision", i)
		}
	}
}
