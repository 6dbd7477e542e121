// Package bus implements the per-session event bus: validate, persist,
// project, and fan out (§4.2).
package bus

import "encoding/json"

// ProtocolVersion is the constant wire version carried on every envelope
// (§3 Event, §6).
const ProtocolVersion = "0.1.0"

// Closed set of event types (§6 "Event types"). A type outside this set
// fails schema validation and is replaced by a synthetic error event.
const (
	TypeMessage           = "message"
	TypeAssistantMessage  = "assistant_message"
	TypeLog               = "log"
	TypeError             = "error"
	TypeDone              = "done"
	TypeTaskCreated       = "task_created"
	TypeTaskStarted       = "task_started"
	TypeTaskProgress      = "task_progress"
	TypeTaskCompleted     = "task_completed"
	TypeTaskFailed        = "task_failed"
	TypeToolCall          = "tool_call"
	TypeToolResult        = "tool_result"
	TypeDelegateRequest   = "delegate_request"
	TypeDelegateResponse  = "delegate_response"
	TypeJobEnqueued       = "job_enqueued"
	TypeJobClaimed        = "job_claimed"
	TypeJobLog            = "job_log"
	TypeJobCompleted      = "job_completed"
	TypeJobFailed         = "job_failed"
	TypeApprovalRequired  = "approval_required"
	TypeApproved          = "approved"
	TypeDenied            = "denied"
	TypeDiffReady         = "diff_ready"
	TypeCommitted         = "committed"
	TypeAgentStatus       = "agent_status"
	TypeStatus            = "status"
	TypeScanResult        = "scan_result"
	TypeSuggestions       = "suggestions"
)

// Envelope is the versioned wire shape every event takes, on the bus and
// over HTTP/WS (§3 Event, §6).
type Envelope struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ID              string          `json:"id"`
	Ts              string          `json:"ts"`
	SessionID       string          `json:"sessionId"`
	Type            string          `json:"type"`
	From            string          `json:"from,omitempty"`
	To              string          `json:"to,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	ParentID        string          `json:"parentId,omitempty"`
	TurnID          string          `json:"turnId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Delivered is what a subscriber receives: the envelope plus the cursor it
// was persisted at.
type Delivered struct {
	Envelope Envelope `json:"envelope"`
	Cursor   int64    `json:"cursor"`
}

var eventTypes = map[string]bool{
	TypeMessage: true, TypeAssistantMessage: true, TypeLog: true, TypeError: true, TypeDone: true,
	TypeTaskCreated: true, TypeTaskStarted: true, TypeTaskProgress: true, TypeTaskCompleted: true, TypeTaskFailed: true,
	TypeToolCall: true, TypeToolResult: true,
	TypeDelegateRequest: true, TypeDelegateResponse: true,
	TypeJobEnqueued: true, TypeJobClaimed: true, TypeJobLog: true, TypeJobCompleted: true, TypeJobFailed: true,
	TypeApprovalRequired: true, TypeApproved: true, TypeDenied: true,
	TypeDiffReady: true, TypeCommitted: true,
	TypeAgentStatus: true, TypeStatus: true, TypeScanResult: true, TypeSuggestions: true,
}

// IsKnownType reports whether t is in the closed event-type set (§6).
func IsKnownType(t string) bool {
	return eventTypes[t]
}
