package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request is a queued user prompt awaiting planner attention (§3 Request).
type Request struct {
	ID                string
	SessionID         string
	Prompt            string
	Priority          string
	QueueWaitBudgetMs int64
	Status            string // pending, claimed, completed, failed
	AgentID           string
	Result            string
	Error             string
	EnqueuedAt        time.Time
	ClaimedAt         *time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
	DurationMs        *int64
}

// EnqueueRequest inserts a new pending request (§4.3 enqueue). Rejects empty
// sessionID/prompt.
func (s *Store) EnqueueRequest(ctx context.Context, sessionID, prompt, priority string, queueWaitBudgetMs int64) (*Request, error) {
	if sessionID == "" || prompt == "" {
		return nil, fmt.Errorf("%w: sessionId and prompt are required", ErrValidation)
	}
	priority = NormalizePriority(priority)
	budget := NormalizeQueueWaitBudgetMs(priority, queueWaitBudgetMs)

	id := uuid.NewString()
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO requests (id, session_id, prompt, priority, queue_wait_budget_ms, status, enqueued_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?);
		`, id, sessionID, prompt, priorityRank(priority), budget, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue request: %w", err)
	}
	return &Request{
		ID: id, SessionID: sessionID, Prompt: prompt, Priority: priority,
		QueueWaitBudgetMs: budget, Status: "pending", EnqueuedAt: now,
	}, nil
}

// RequestQueuePosition returns the 1-indexed position prompt would occupy
// among pending requests ordered by (priority rank, enqueuedAt) — used to
// compute the ETA returned at enqueue time (§4.3, scenario S1).
func (s *Store) RequestQueuePosition(ctx context.Context, requestID string) (int, error) {
	var priorityRankVal int
	var enqueuedAt time.Time
	if err := s.db.QueryRowContext(ctx, `
		SELECT priority, enqueued_at FROM requests WHERE id = ? AND status = 'pending';
	`, requestID).Scan(&priorityRankVal, &enqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read request for position: %w", err)
	}
	var position int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE status = 'pending'
		  AND (priority < ? OR (priority = ? AND enqueued_at <= ?));
	`, priorityRankVal, priorityRankVal, enqueuedAt).Scan(&position); err != nil {
		return 0, fmt.Errorf("count queue position: %w", err)
	}
	return position, nil
}

// ClaimRequest atomically selects and claims the single head pending request
// for agentID (§4.3 claim). Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimRequest(ctx context.Context, agentID string) (*Request, error) {
	var result *Request
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim request tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var req Request
		var priorityRankVal int
		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, prompt, priority, queue_wait_budget_ms, enqueued_at
			FROM requests
			WHERE status = 'pending'
			ORDER BY priority ASC, enqueued_at ASC, id ASC
			LIMIT 1;
		`)
		if scanErr := row.Scan(&req.ID, &req.SessionID, &req.Prompt, &priorityRankVal, &req.QueueWaitBudgetMs, &req.EnqueuedAt); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending request: %w", scanErr)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE requests SET status = 'claimed', agent_id = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending';
		`, agentID, now, req.ID)
		if err != nil {
			return fmt.Errorf("claim request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim request rows affected: %w", err)
		}
		if n == 0 {
			// Lost the race to another claimant.
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim request tx: %w", err)
		}
		req.Priority = rankToPriority(priorityRankVal)
		req.Status = "claimed"
		req.AgentID = agentID
		req.ClaimedAt = &now
		result = &req
		return nil
	})
	return result, err
}

func rankToPriority(rank int) string {
	switch rank {
	case 0:
		return PriorityInteractive
	case 2:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// CompleteRequest transitions a claimed request to completed (§4.3). Fails
// with ErrStateConflict if the row is not currently claimed.
func (s *Store) CompleteRequest(ctx context.Context, requestID, result string) error {
	return s.terminalizeRequest(ctx, requestID, "completed", result, "")
}

// FailRequest transitions a claimed request to failed (§4.3).
func (s *Store) FailRequest(ctx context.Context, requestID, errMsg string) error {
	return s.terminalizeRequest(ctx, requestID, "failed", "", errMsg)
}

func (s *Store) terminalizeRequest(ctx context.Context, requestID, status, result, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin terminalize request tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var enqueuedAt time.Time
	if err := tx.QueryRowContext(ctx, `
		SELECT enqueued_at FROM requests WHERE id = ? AND status = 'claimed';
	`, requestID).Scan(&enqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStateConflict
		}
		return fmt.Errorf("read request for terminalize: %w", err)
	}

	now := time.Now().UTC()
	duration := durationMsSince(enqueuedAt, now)

	var timestampCol string
	switch status {
	case "completed":
		timestampCol = "completed_at"
	case "failed":
		timestampCol = "failed_at"
	}
	query := fmt.Sprintf(`
		UPDATE requests
		SET status = ?, result = ?, error = ?, %s = ?, duration_ms = ?
		WHERE id = ? AND status = 'claimed';
	`, timestampCol)
	res, err := tx.ExecContext(ctx, query, status, result, errMsg, now, duration, requestID)
	if err != nil {
		return fmt.Errorf("terminalize request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("terminalize request rows affected: %w", err)
	}
	if n == 0 {
		return ErrStateConflict
	}
	return tx.Commit()
}

// GetRequest fetches one request by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	var priorityRankVal int
	var claimedAt, completedAt, failedAt sql.NullTime
	var durationMs sql.NullInt64
	var agentID, result, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt, priority, queue_wait_budget_ms, status,
			COALESCE(agent_id, ''), COALESCE(result, ''), COALESCE(error, ''),
			enqueued_at, claimed_at, completed_at, failed_at, duration_ms
		FROM requests WHERE id = ?;
	`, requestID).Scan(&req.ID, &req.SessionID, &req.Prompt, &priorityRankVal, &req.QueueWaitBudgetMs,
		&req.Status, &agentID, &result, &errMsg, &req.EnqueuedAt, &claimedAt, &completedAt, &failedAt, &durationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	req.Priority = rankToPriority(priorityRankVal)
	req.AgentID = agentID.String
	req.Result = result.String
	req.Error = errMsg.String
	if claimedAt.Valid {
		req.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		req.FailedAt = &failedAt.Time
	}
	if durationMs.Valid {
		req.DurationMs = &durationMs.Int64
	}
	return &req, nil
}

// RequestSLOSummary computes the rolling-window SLO view over terminal
// requests in the last windowHours (§4.3 "SLO summary", §4.8).
func (s *Store) RequestSLOSummary(ctx context.Context, windowHours int) (TerminalSummary, error) {
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	return s.terminalSummary(ctx, "requests", since)
}

func (s *Store) terminalSummary(ctx context.Context, table string, since time.Time) (TerminalSummary, error) {
	var completed, failed int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status = 'completed' AND completed_at >= ?;
	`, table), since).Scan(&completed); err != nil {
		return TerminalSummary{}, fmt.Errorf("count completed: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status = 'failed' AND failed_at >= ?;
	`, table), since).Scan(&failed); err != nil {
		return TerminalSummary{}, fmt.Errorf("count failed: %w", err)
	}

	durations, err := s.int64Column(ctx, fmt.Sprintf(`
		SELECT duration_ms FROM %s
		WHERE status IN ('completed','failed') AND duration_ms IS NOT NULL
		  AND COALESCE(completed_at, failed_at) >= ?;
	`, table), since)
	if err != nil {
		return TerminalSummary{}, err
	}
	queueWaits, err := s.int64Column(ctx, fmt.Sprintf(`
		SELECT CAST((julianday(claimed_at) - julianday(enqueued_at)) * 86400000 AS INTEGER)
		FROM %s
		WHERE status IN ('completed','failed') AND claimed_at IS NOT NULL
		  AND COALESCE(completed_at, failed_at) >= ?;
	`, table), since)
	if err != nil {
		return TerminalSummary{}, err
	}

	return buildTerminalSummary(completed, failed, durations, queueWaits), nil
}

func (s *Store) int64Column(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query column: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
