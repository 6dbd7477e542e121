package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Completion is a finished job awaiting push/PR handling by the
// source-control agent (§3 Completion, §4.5).
type Completion struct {
	ID          string
	JobID       string
	SessionID   string
	CommitSHA   string
	Branch      string
	Message     string
	PRTitle     string
	PRBody      string
	Status      string // pending, claimed, processed, failed
	PusherID    string
	Error       string
	EnqueuedAt  time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// EnqueueCompletion inserts a new pending completion for a finished job
// (§4.5 enqueue). A job may have at most one pending/claimed completion at a
// time, enforced by the UNIQUE(job_id) constraint on the completions table.
func (s *Store) EnqueueCompletion(ctx context.Context, jobID, sessionID, commitSHA, branch, message, prTitle, prBody string) (*Completion, error) {
	if jobID == "" || commitSHA == "" || branch == "" {
		return nil, fmt.Errorf("%w: jobId, commitSha and branch are required", ErrValidation)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO completions (id, job_id, session_id, commit_sha, branch, message, pr_title, pr_body, status, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?);
		`, id, jobID, sessionID, commitSHA, branch, message, prTitle, prBody, now)
		return err
	})
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, fmt.Errorf("%w: job already has a pending completion", ErrValidation)
		}
		return nil, fmt.Errorf("enqueue completion: %w", err)
	}
	return &Completion{
		ID: id, JobID: jobID, SessionID: sessionID, CommitSHA: commitSHA, Branch: branch,
		Message: message, PRTitle: prTitle, PRBody: prBody, Status: "pending", EnqueuedAt: now,
	}, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// ClaimCompletion atomically selects and claims the single head pending
// completion for pusherID, FIFO ordered by enqueuedAt (§4.5 claim — the
// completion queue carries no priority ranking). Returns (nil, nil) when
// empty.
func (s *Store) ClaimCompletion(ctx context.Context, pusherID string) (*Completion, error) {
	var result *Completion
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim completion tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var c Completion
		var prTitle, prBody sql.NullString
		row := tx.QueryRowContext(ctx, `
			SELECT id, job_id, session_id, commit_sha, branch, message, pr_title, pr_body, enqueued_at
			FROM completions
			WHERE status = 'pending'
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1;
		`)
		if scanErr := row.Scan(&c.ID, &c.JobID, &c.SessionID, &c.CommitSHA, &c.Branch, &c.Message,
			&prTitle, &prBody, &c.EnqueuedAt); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending completion: %w", scanErr)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE completions SET status = 'claimed', pusher_id = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending';
		`, pusherID, now, c.ID)
		if err != nil {
			return fmt.Errorf("claim completion: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim completion rows affected: %w", err)
		}
		if n == 0 {
			result = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim completion tx: %w", err)
		}
		c.PRTitle = prTitle.String
		c.PRBody = prBody.String
		c.Status = "claimed"
		c.PusherID = pusherID
		c.ClaimedAt = &now
		result = &c
		return nil
	})
	return result, err
}

// MarkCompletionProcessed transitions a claimed completion to processed
// (§4.5 — the push/PR succeeded).
func (s *Store) MarkCompletionProcessed(ctx context.Context, completionID string) error {
	return s.terminalizeCompletion(ctx, completionID, "processed", "")
}

// MarkCompletionFailed transitions a claimed completion to failed, recording
// the push/PR error (§4.5).
func (s *Store) MarkCompletionFailed(ctx context.Context, completionID, errMsg string) error {
	return s.terminalizeCompletion(ctx, completionID, "failed", errMsg)
}

func (s *Store) terminalizeCompletion(ctx context.Context, completionID, status, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE completions SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'claimed';
	`, status, errMsg, now, completionID)
	if err != nil {
		return fmt.Errorf("terminalize completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("terminalize completion rows affected: %w", err)
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

// GetCompletion fetches one completion by id.
func (s *Store) GetCompletion(ctx context.Context, completionID string) (*Completion, error) {
	var c Completion
	var prTitle, prBody, pusherID, errMsg sql.NullString
	var claimedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, session_id, commit_sha, branch, message, pr_title, pr_body, status,
			COALESCE(pusher_id, ''), COALESCE(error, ''), enqueued_at, claimed_at, completed_at
		FROM completions WHERE id = ?;
	`, completionID).Scan(&c.ID, &c.JobID, &c.SessionID, &c.CommitSHA, &c.Branch, &c.Message,
		&prTitle, &prBody, &c.Status, &pusherID, &errMsg, &c.EnqueuedAt, &claimedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get completion: %w", err)
	}
	c.PRTitle = prTitle.String
	c.PRBody = prBody.String
	c.PusherID = pusherID.String
	c.Error = errMsg.String
	if claimedAt.Valid {
		c.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}

// ListPendingCompletions returns pending/claimed completions in FIFO order,
// used by the coordinator's /completions listing endpoint (§4.7).
func (s *Store) ListPendingCompletions(ctx context.Context) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, session_id, commit_sha, branch, message,
			COALESCE(pr_title, ''), COALESCE(pr_body, ''), status,
			COALESCE(pusher_id, ''), enqueued_at, claimed_at
		FROM completions
		WHERE status IN ('pending', 'claimed')
		ORDER BY enqueued_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending completions: %w", err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var claimedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.JobID, &c.SessionID, &c.CommitSHA, &c.Branch, &c.Message,
			&c.PRTitle, &c.PRBody, &c.Status, &c.PusherID, &c.EnqueuedAt, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan pending completion: %w", err)
		}
		if claimedAt.Valid {
			c.ClaimedAt = &claimedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
