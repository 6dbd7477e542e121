// Package approvals implements the in-memory approvals registry (§4.6):
// pending approvals keyed by id, resolved once by a client decision, never
// persisted across process restarts.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/internal/bus"
)

// ErrNotFound is returned by Decide when approvalId names no pending
// approval, either because it never existed or because it was already
// resolved (§4.6 "Second resolution returns 'approval not found'").
var ErrNotFound = errors.New("approval not found")

// ErrInvalidDecision is returned by Decide when decision is not "approve" or
// "deny".
var ErrInvalidDecision = errors.New("decision must be approve or deny")

// Approval is one pending approval request (§3 Approval).
type Approval struct {
	ApprovalID string
	SessionID  string
	Action     string
	Summary    string
	Details    string
	ToolCallID string
	CreatedAt  time.Time
}

// Registry holds every pending approval, across all sessions, keyed by
// approvalId. Grounded on the teacher's gateway.go approvalsMu/approvals map,
// generalized from a single JSON-RPC server into a session-scoped registry
// that emits through the bus instead of a raw WS broadcast.
type Registry struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]*Approval
}

// New constructs an empty Registry that emits lifecycle events through b.
func New(b *bus.Bus) *Registry {
	return &Registry{bus: b, pending: make(map[string]*Approval)}
}

type approvalPayload struct {
	ApprovalID string `json:"approvalId"`
	Action     string `json:"action,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Details    string `json:"details,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

// Create registers a new pending approval and emits approval_required into
// sessionId's event stream (§4.6 "Explicit" creation path).
func (r *Registry) Create(ctx context.Context, sessionID, action, summary, details string) (string, error) {
	return r.create(ctx, sessionID, uuid.NewString(), action, summary, details, "")
}

// CreateForToolCall registers an implicit approval whose id is toolCallId,
// as created by the Coordinator when it handles a tool_call command whose
// payload sets requiresApproval=true (§4.6 "Implicit" creation path).
func (r *Registry) CreateForToolCall(ctx context.Context, sessionID, toolCallID, action, summary, details string) (string, error) {
	if toolCallID == "" {
		return "", fmt.Errorf("toolCallId is required for an implicit approval")
	}
	return r.create(ctx, sessionID, toolCallID, action, summary, details, toolCallID)
}

func (r *Registry) create(ctx context.Context, sessionID, approvalID, action, summary, details, toolCallID string) (string, error) {
	approval := &Approval{
		ApprovalID: approvalID,
		SessionID:  sessionID,
		Action:     action,
		Summary:    summary,
		Details:    details,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.pending[approvalID] = approval
	r.mu.Unlock()

	payload, err := json.Marshal(approvalPayload{
		ApprovalID: approvalID,
		Action:     action,
		Summary:    summary,
		Details:    details,
		ToolCallID: toolCallID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal approval_required payload: %w", err)
	}
	if _, _, err := r.bus.Emit(ctx, bus.Envelope{
		SessionID: sessionID,
		Type:      bus.TypeApprovalRequired,
		Payload:   payload,
	}); err != nil {
		return "", fmt.Errorf("emit approval_required: %w", err)
	}
	return approvalID, nil
}

// Decide resolves approvalID with decision ("approve" or "deny"), emits the
// corresponding approved/denied event into the approval's owning session,
// and removes the entry (§4.6 "Resolution").
func (r *Registry) Decide(ctx context.Context, approvalID, decision string) error {
	if decision != "approve" && decision != "deny" {
		return ErrInvalidDecision
	}

	r.mu.Lock()
	approval, ok := r.pending[approvalID]
	if ok {
		delete(r.pending, approvalID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	eventType := bus.TypeApproved
	if decision == "deny" {
		eventType = bus.TypeDenied
	}
	payload, err := json.Marshal(approvalPayload{ApprovalID: approvalID})
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if _, _, err := r.bus.Emit(ctx, bus.Envelope{
		SessionID: approval.SessionID,
		Type:      eventType,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

// Get returns the pending approval for approvalID, if any.
func (r *Registry) Get(approvalID string) (*Approval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	approval, ok := r.pending[approvalID]
	return approval, ok
}

// ListPending returns every currently-pending approval, across all sessions.
func (r *Registry) ListPending() []Approval {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Approval, 0, len(r.pending))
	for _, a := range r.pending {
		out = append(out, *a)
	}
	return out
}
