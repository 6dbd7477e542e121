package coordinator

import (
	"context"
	"net/http"
	"testing"
)

func TestHandleCompletionEnqueueClaimAndProcessed(t *testing.T) {
	s := newIntegrationServer(t)
	ctx := context.Background()
	if err := s.cfg.Store.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	job, err := s.cfg.Store.EnqueueJob(ctx, "task-1", "sess-1", "build", "{}", "normal")
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	completion, err := s.cfg.Store.EnqueueCompletion(ctx, job.ID, "sess-1", "abc123", "main", "msg", "", "")
	if err != nil {
		t.Fatalf("enqueue completion: %v", err)
	}

	sub := s.cfg.Bus.Subscribe("sess-1")
	defer s.cfg.Bus.Unsubscribe(sub)

	rec := doJSON(t, s.handleCompletionClaim, http.MethodPost, "/completions/claim", `{"pusherId":"pusher-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 claiming, got %d: %s", rec.Code, rec.Body.String())
	}

	completions, err := s.cfg.Store.ListPendingCompletions(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(completions) != 0 {
		t.Fatalf("expected the claim to remove it from pending, got %d", len(completions))
	}

	rec = doJSON(t, s.handleCompletionByID, http.MethodPost, "/completions/"+completion.ID+"/processed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 marking processed, got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case d := <-sub.Ch():
		if d.Envelope.Type != "committed" {
			t.Fatalf("expected committed event, got %q", d.Envelope.Type)
		}
	default:
		t.Fatal("expected a committed event to be broadcast")
	}
}

func TestHandleCompletionClaim_MissingPusherID(t *testing.T) {
	s := newIntegrationServer(t)
	rec := doJSON(t, s.handleCompletionClaim, http.MethodPost, "/completions/claim", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCompletionByID_UnknownAction(t *testing.T) {
	s := newIntegrationServer(t)
	rec := doJSON(t, s.handleCompletionByID, http.MethodPost, "/completions/comp-1/bogus", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
