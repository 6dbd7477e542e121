package coordinator

import (
	"context"
	"net/http"
	"testing"
)

func TestHandleApprovalDecision_Approve(t *testing.T) {
	s := newIntegrationServer(t)
	ctx := context.Background()
	if err := s.cfg.Store.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	approvalID, err := s.cfg.Approvals.Create(ctx, "sess-1", "delete-file", "delete main.go", "{}")
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	rec := doJSON(t, s.handleApprovalDecision, http.MethodPost, "/approvals/"+approvalID, `{"decision":"approve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, found := s.cfg.Approvals.Get(approvalID); found {
		t.Fatal("expected the approval to be removed after a decision")
	}
}

func TestHandleApprovalDecision_NotFound(t *testing.T) {
	s := newIntegrationServer(t)
	rec := doJSON(t, s.handleApprovalDecision, http.MethodPost, "/approvals/does-not-exist", `{"decision":"approve"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleApprovalDecision_SecondDecisionReturnsBadRequest(t *testing.T) {
	s := newIntegrationServer(t)
	ctx := context.Background()
	if err := s.cfg.Store.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	approvalID, err := s.cfg.Approvals.CreateForToolCall(ctx, "sess-1", "t1", "delete-file", "delete main.go", "{}")
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	rec := doJSON(t, s.handleApprovalDecision, http.MethodPost, "/approvals/"+approvalID, `{"decision":"approve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on the first decision, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.handleApprovalDecision, http.MethodPost, "/approvals/"+approvalID, `{"decision":"approve"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on a repeat decision, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleApprovalDecision_InvalidDecision(t *testing.T) {
	s := newIntegrationServer(t)
	ctx := context.Background()
	if err := s.cfg.Store.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	approvalID, err := s.cfg.Approvals.Create(ctx, "sess-1", "delete-file", "delete main.go", "{}")
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	rec := doJSON(t, s.handleApprovalDecision, http.MethodPost, "/approvals/"+approvalID, `{"decision":"maybe"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleApprovalDecision_WrongMethod(t *testing.T) {
	s := newIntegrationServer(t)
	rec := doJSON(t, s.handleApprovalDecision, http.MethodGet, "/approvals/whatever", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
