package bus

import (
	"encoding/json"
	"strings"
	"sync"
)

// TaskProjection is the in-memory fold of a task's lifecycle events (§3
// "Task projection"). Never persisted separately; rebuilt on startup by
// replaying task_* events for each known session.
type TaskProjection struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"createdBy,omitempty"`
	Status      string `json:"status"` // created, started, in_progress, completed, failed
	Summary     string `json:"summary,omitempty"`
	FailMessage string `json:"failMessage,omitempty"`
}

// taskPayload is the subset of task_* event payload fields the projection
// folds over; unknown fields are ignored.
type taskPayload struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CreatedBy   string `json:"createdBy"`
	Summary     string `json:"summary"`
	Message     string `json:"message"`
}

// sessionState holds everything the bus tracks per session beyond the
// durable log: the task projection and startup-readiness bookkeeping.
type sessionState struct {
	mu          sync.Mutex
	tasks       map[string]*TaskProjection
	readyAgents map[string]bool
	readySent   bool
}

func newSessionState() *sessionState {
	return &sessionState{
		tasks:       make(map[string]*TaskProjection),
		readyAgents: make(map[string]bool),
	}
}

// foldTask applies one task_* event to the projection, creating the entry on
// task_created if absent (§3 "Task projection").
func (st *sessionState) foldTask(eventType string, payload json.RawMessage) {
	var p taskPayload
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}
	if p.TaskID == "" {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	proj, ok := st.tasks[p.TaskID]
	if !ok {
		proj = &TaskProjection{TaskID: p.TaskID}
		st.tasks[p.TaskID] = proj
	}
	if p.Title != "" {
		proj.Title = p.Title
	}
	if p.Description != "" {
		proj.Description = p.Description
	}
	if p.CreatedBy != "" {
		proj.CreatedBy = p.CreatedBy
	}

	switch eventType {
	case TypeTaskCreated:
		proj.Status = "created"
	case TypeTaskStarted:
		proj.Status = "started"
	case TypeTaskProgress:
		proj.Status = "in_progress"
	case TypeTaskCompleted:
		proj.Status = "completed"
		proj.Summary = p.Summary
	case TypeTaskFailed:
		proj.Status = "failed"
		proj.FailMessage = p.Message
	}
}

// Tasks returns a snapshot of the session's task projection.
func (st *sessionState) Tasks() []TaskProjection {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]TaskProjection, 0, len(st.tasks))
	for _, t := range st.tasks {
		out = append(out, *t)
	}
	return out
}

// requiredReadyAgents are the fixed set of agent id prefixes the bus watches
// for to emit the one-time readiness announcement (§4.2 "Startup-readiness
// aggregation").
var requiredReadyAgents = []string{"localbuddy", "remotebuddy", "source-control-manager"}

type statusPayload struct {
	AgentID string `json:"agentId"`
	Detail  string `json:"detail"`
}

// readyAnnouncementText is the canonical text carried by the one-time
// startup-readiness assistant_message.
const readyAnnouncementText = "All required agents are online. Ready for requests."

// observeStatus folds one status event into the readiness tracker. Returns
// true exactly once per session lifetime, the moment the last required agent
// reports online, signalling the caller to emit the readiness
// assistant_message.
func (st *sessionState) observeStatus(payload json.RawMessage) bool {
	var p statusPayload
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}
	if p.AgentID == "" || !strings.Contains(p.Detail, "online") {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.readySent {
		return false
	}
	for _, required := range requiredReadyAgents {
		if strings.HasPrefix(p.AgentID, required) {
			st.readyAgents[required] = true
			break
		}
	}
	for _, required := range requiredReadyAgents {
		if !st.readyAgents[required] {
			return false
		}
	}
	st.readySent = true
	return true
}
