package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/pushpals/pushpals/internal/bus"
	"github.com/pushpals/pushpals/internal/shared"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

func isValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type createSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// handleSessions implements POST /sessions (§6).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if req.SessionID == "" {
		sessionID := uuid.NewString()
		if err := s.cfg.Store.EnsureSession(r.Context(), sessionID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"sessionId":       sessionID,
			"protocolVersion": bus.ProtocolVersion,
		})
		return
	}

	if !isValidSessionID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "malformed sessionId")
		return
	}

	existed, err := s.cfg.Store.SessionExists(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.cfg.Store.EnsureSession(r.Context(), req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"sessionId":       req.SessionID,
		"protocolVersion": bus.ProtocolVersion,
	})
}

// handleSessionSubroute dispatches /sessions/:id/{events,ws,message,command}
// (§6). command is the only gated sub-path per the §6 HTTP table (see
// DESIGN.md's Open Question decision).
func (s *Server) handleSessionSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID, sub := parts[0], parts[1]
	if !isValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "malformed sessionId")
		return
	}

	switch sub {
	case "events":
		s.handleSessionEvents(w, r, sessionID)
	case "ws":
		s.handleSessionWS(w, r, sessionID)
	case "message":
		s.handleSessionMessage(w, r, sessionID)
	case "command":
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		s.handleSessionCommand(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func parseAfterCursor(r *http.Request) int64 {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// handleSessionEvents implements GET /sessions/:id/events?after=C: an SSE
// stream that replays from cursor C then follows live, per §4.7 "Fan-out".
// Grounded on the teacher's stream.go handleTaskStream pattern.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": keepalive\n\n")
	flusher.Flush()

	ctx := r.Context()
	after := parseAfterCursor(r)

	// Subscribe before replay so no live event is missed between the replay
	// read and live attachment (§5 "replay then live is seamless").
	sub := s.cfg.Bus.Subscribe(sessionID)
	defer s.cfg.Bus.Unsubscribe(sub)

	writeSSE := func(d bus.Delivered) bool {
		data, err := json.Marshal(d)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", d.Cursor, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if err := s.cfg.Bus.Replay(ctx, sessionID, after, func(d bus.Delivered) error {
		if !writeSSE(d) {
			return fmt.Errorf("client disconnected during replay")
		}
		return nil
	}); err != nil {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case d, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !writeSSE(d) {
				return
			}
		}
	}
}

// handleSessionWS implements GET /sessions/:id/ws?after=C: a WebSocket
// stream sending {envelope, cursor} JSON frames, replay then live, same
// cursor reset rule as SSE (§4.7 "Fan-out").
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := r.Context()
	after := parseAfterCursor(r)

	sub := s.cfg.Bus.Subscribe(sessionID)
	defer s.cfg.Bus.Unsubscribe(sub)

	writeFrame := func(d bus.Delivered) bool {
		return wsjson.Write(ctx, conn, d) == nil
	}

	if err := s.cfg.Bus.Replay(ctx, sessionID, after, func(d bus.Delivered) error {
		if !writeFrame(d) {
			return fmt.Errorf("client disconnected during replay")
		}
		return nil
	}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !writeFrame(d) {
				return
			}
		}
	}
}

type sessionMessageRequest struct {
	Text   string `json:"text"`
	Intent string `json:"intent,omitempty"`
}

// handleSessionMessage implements POST /sessions/:id/message (§6).
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sessionMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	payload, err := json.Marshal(map[string]string{"text": req.Text, "intent": req.Intent})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	env, cursor, err := s.cfg.Bus.Emit(r.Context(), bus.Envelope{
		SessionID:     sessionID,
		Type:          bus.TypeMessage,
		From:          "client",
		CorrelationID: shared.TraceID(r.Context()),
		Payload:       payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelope": env, "cursor": cursor})
}

type commandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type toolCallCommandPayload struct {
	ToolCallID       string `json:"toolCallId"`
	RequiresApproval bool   `json:"requiresApproval"`
	Action           string `json:"action"`
	Summary          string `json:"summary"`
	Details          string `json:"details"`
}

type jobFailedCommandPayload struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// handleSessionCommand implements POST /sessions/:id/command (§4.7
// "Command ingest"). Validates type against the closed event-type set,
// emits the envelope, and applies the two documented side effects:
// tool_call{requiresApproval:true} creates an approval (§4.6), and
// job_failed triggers a compact bus emission (ANSI-stripped,
// whitespace-collapsed, truncated).
func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !bus.IsKnownType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown command type")
		return
	}
	if len(req.Payload) == 0 || req.Payload[0] != '{' {
		writeError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}

	env, cursor, err := s.cfg.Bus.Emit(r.Context(), bus.Envelope{
		SessionID:     sessionID,
		Type:          req.Type,
		CorrelationID: shared.TraceID(r.Context()),
		Payload:       req.Payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch req.Type {
	case bus.TypeToolCall:
		var tc toolCallCommandPayload
		if json.Unmarshal(req.Payload, &tc) == nil && tc.RequiresApproval && tc.ToolCallID != "" {
			if _, err := s.cfg.Approvals.CreateForToolCall(r.Context(), sessionID, tc.ToolCallID, tc.Action, tc.Summary, tc.Details); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	case bus.TypeJobFailed:
		var jf jobFailedCommandPayload
		if json.Unmarshal(req.Payload, &jf) == nil {
			s.emitCompactJobFailed(r.Context(), sessionID, "worker", jf.JobID, jf.Message, jf.Detail)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"envelope": env, "cursor": cursor})
}
