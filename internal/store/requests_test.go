package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pushpals/pushpals/internal/store"
)

func TestEnqueueRequest_RejectsMissingFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.EnqueueRequest(ctx, "", "do thing", store.PriorityNormal, 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty sessionId, got %v", err)
	}
	if _, err := s.EnqueueRequest(ctx, "sess-1", "", store.PriorityNormal, 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty prompt, got %v", err)
	}
}

func TestClaimRequest_PriorityOrderBeforeFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	background, err := s.EnqueueRequest(ctx, "sess-1", "background task", store.PriorityBackground, 0)
	if err != nil {
		t.Fatalf("enqueue background: %v", err)
	}
	_ = background
	interactive, err := s.EnqueueRequest(ctx, "sess-1", "interactive task", store.PriorityInteractive, 0)
	if err != nil {
		t.Fatalf("enqueue interactive: %v", err)
	}

	claimed, err := s.ClaimRequest(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatalf("expected a claimed request, got nil")
	}
	if claimed.ID != interactive.ID {
		t.Fatalf("expected interactive request to be claimed first, got %s", claimed.ID)
	}
	if claimed.Status != "claimed" || claimed.AgentID != "agent-1" {
		t.Fatalf("unexpected claimed request state: %+v", claimed)
	}
}

func TestClaimRequest_EmptyQueueReturnsNil(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	got, err := s.ClaimRequest(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty queue, got %+v", got)
	}
}

func TestCompleteRequest_RequiresClaimedState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	req, err := s.EnqueueRequest(ctx, "sess-1", "do thing", store.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.CompleteRequest(ctx, req.ID, "done"); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected state conflict completing a pending (unclaimed) request, got %v", err)
	}

	if _, err := s.ClaimRequest(ctx, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteRequest(ctx, req.ID, "done"); err != nil {
		t.Fatalf("complete claimed request: %v", err)
	}

	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "completed" || got.Result != "done" {
		t.Fatalf("unexpected request state after completion: %+v", got)
	}
	if got.DurationMs == nil {
		t.Fatalf("expected duration to be recorded")
	}

	// Completing twice must fail: the row is no longer claimed.
	if err := s.CompleteRequest(ctx, req.ID, "done again"); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected state conflict on double completion, got %v", err)
	}
}

func TestFailRequest_RequiresClaimedState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	req, err := s.EnqueueRequest(ctx, "sess-1", "do thing", store.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimRequest(ctx, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FailRequest(ctx, req.ID, "boom"); err != nil {
		t.Fatalf("fail claimed request: %v", err)
	}
	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "failed" || got.Error != "boom" {
		t.Fatalf("unexpected request state after failure: %+v", got)
	}
}

func TestRequestQueuePosition_ReflectsPriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	normal, err := s.EnqueueRequest(ctx, "sess-1", "normal", store.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	_, err = s.EnqueueRequest(ctx, "sess-1", "interactive", store.PriorityInteractive, 0)
	if err != nil {
		t.Fatalf("enqueue interactive: %v", err)
	}

	pos, err := s.RequestQueuePosition(ctx, normal.ID)
	if err != nil {
		t.Fatalf("queue position: %v", err)
	}
	if pos != 2 {
		t.Fatalf("expected normal request to sit behind interactive at position 2, got %d", pos)
	}
}

func TestRequestSLOSummary_EmptyWindowHasZeroSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	summary, err := s.RequestSLOSummary(ctx, 24)
	if err != nil {
		t.Fatalf("slo summary: %v", err)
	}
	if summary.Terminal != 0 || summary.SuccessRate != nil {
		t.Fatalf("expected empty terminal summary, got %+v", summary)
	}
}
