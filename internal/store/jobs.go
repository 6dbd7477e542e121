package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is a queued unit of delegated work routed to a worker (§3 Job, §4.4).
type Job struct {
	ID           string
	TaskID       string
	SessionID    string
	Kind         string
	Params       string
	Priority     string
	Status       string // pending, claimed, completed, failed
	WorkerID     string
	Summary      string
	Artifacts    string
	Error        string
	Message      string
	Detail       string
	AttemptCount int
	EnqueuedAt   time.Time
	ClaimedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	DurationMs   *int64
}

// JobLogLine is one line appended to a job's combined stdout/stderr tail
// (§4.4 "job logs").
type JobLogLine struct {
	ID      int64
	Seq     int64
	Stream  string // stdout, stderr
	Message string
	Ts      time.Time
}

// Worker is a registered executor of jobs, tracked via heartbeat (§4.4
// "worker registry"). IsOnline is derived by ListWorkers relative to the
// caller's ttlMs, not stored.
type Worker struct {
	WorkerID        string
	Status          string // idle, busy, error, offline
	CurrentJobID    string
	Docker          bool
	Labels          string // JSON array
	ExecutorID      string
	PollMs          int64
	Details         string // JSON object
	LastHeartbeatAt time.Time
	IsOnline        bool
}

// EnqueueJob inserts a new pending job (§4.4 enqueue). attemptCount starts at
// 1 and is bumped each time a stale claim is recovered (§4.4 "stale-claim
// recovery").
func (s *Store) EnqueueJob(ctx context.Context, taskID, sessionID, kind, params, priority string) (*Job, error) {
	if taskID == "" || sessionID == "" || kind == "" {
		return nil, fmt.Errorf("%w: taskId, sessionId and kind are required", ErrValidation)
	}
	priority = NormalizePriority(priority)
	id := uuid.NewString()
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, task_id, session_id, kind, params, priority, status, attempt_count, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', 1, ?);
		`, id, taskID, sessionID, kind, params, priorityRank(priority), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return &Job{
		ID: id, TaskID: taskID, SessionID: sessionID, Kind: kind, Params: params,
		Priority: priority, Status: "pending", AttemptCount: 1, EnqueuedAt: now,
	}, nil
}

// ClaimJob atomically selects and claims the single head pending job for
// workerID, ordered by (priority, enqueuedAt) like ClaimRequest. Returns
// (nil, nil) when the job queue is empty.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var job Job
		var priorityRankVal int
		row := tx.QueryRowContext(ctx, `
			SELECT id, task_id, session_id, kind, params, priority, attempt_count, enqueued_at
			FROM jobs
			WHERE status = 'pending'
			ORDER BY priority ASC, enqueued_at ASC, id ASC
			LIMIT 1;
		`)
		if scanErr := row.Scan(&job.ID, &job.TaskID, &job.SessionID, &job.Kind, &job.Params,
			&priorityRankVal, &job.AttemptCount, &job.EnqueuedAt); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending job: %w", scanErr)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'claimed', worker_id = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending';
		`, workerID, now, job.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim job rows affected: %w", err)
		}
		if n == 0 {
			result = nil
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = 'busy', current_job_id = ?, last_heartbeat_at = ?
			WHERE worker_id = ?;
		`, job.ID, now, workerID); err != nil {
			return fmt.Errorf("mark worker busy: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim job tx: %w", err)
		}
		job.Priority = rankToPriority(priorityRankVal)
		job.Status = "claimed"
		job.WorkerID = workerID
		job.ClaimedAt = &now
		result = &job
		return nil
	})
	return result, err
}

// CompleteJob transitions a claimed job to completed, recording a summary and
// optional artifacts manifest (§4.4).
func (s *Store) CompleteJob(ctx context.Context, jobID, summary, artifacts string) error {
	return s.terminalizeJob(ctx, jobID, "completed", summary, artifacts, "", "", "")
}

// FailJob transitions a claimed job to failed, recording a compact message
// and optional detail (secret-redacted by the caller before storage; §4.4,
// §6 redaction).
func (s *Store) FailJob(ctx context.Context, jobID, errMsg, message, detail string) error {
	return s.terminalizeJob(ctx, jobID, "failed", "", "", errMsg, message, detail)
}

func (s *Store) terminalizeJob(ctx context.Context, jobID, status, summary, artifacts, errMsg, message, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin terminalize job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var enqueuedAt time.Time
	var workerID sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT enqueued_at, worker_id FROM jobs WHERE id = ? AND status = 'claimed';
	`, jobID).Scan(&enqueuedAt, &workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStateConflict
		}
		return fmt.Errorf("read job for terminalize: %w", err)
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
		UPDATE jobs
		SET status = ?, summary = ?, artifacts = ?, error = ?, message = ?, detail = ?, %s = ?, duration_ms = ?
		WHERE id = ? AND status = 'claimed';
	`, timestampCol)
	res, err := tx.ExecContext(ctx, query, status, summary, artifacts, errMsg, message, detail, now, duration, jobID)
	if err != nil {
		return fmt.Errorf("terminalize job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("terminalize job rows affected: %w", err)
	}
	if n == 0 {
		return ErrStateConflict
	}
	if workerID.Valid && workerID.String != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = 'idle', current_job_id = NULL, last_heartbeat_at = ?
			WHERE worker_id = ?;
		`, now, workerID.String); err != nil {
			return fmt.Errorf("mark worker idle: %w", err)
		}
	}
	return tx.Commit()
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	var priorityRankVal int
	var claimedAt, completedAt, failedAt sql.NullTime
	var durationMs sql.NullInt64
	var workerID, summary, artifacts, errMsg, message, detail sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, session_id, kind, params, priority, status, attempt_count,
			COALESCE(worker_id, ''), COALESCE(summary, ''), COALESCE(artifacts, ''),
			COALESCE(error, ''), COALESCE(message, ''), COALESCE(detail, ''),
			enqueued_at, claimed_at, completed_at, failed_at, duration_ms
		FROM jobs WHERE id = ?;
	`, jobID).Scan(&job.ID, &job.TaskID, &job.SessionID, &job.Kind, &job.Params, &priorityRankVal,
		&job.Status, &job.AttemptCount, &workerID, &summary, &artifacts, &errMsg, &message, &detail,
		&job.EnqueuedAt, &claimedAt, &completedAt, &failedAt, &durationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.Priority = rankToPriority(priorityRankVal)
	job.WorkerID = workerID.String
	job.Summary = summary.String
	job.Artifacts = artifacts.String
	job.Error = errMsg.String
	job.Message = message.String
	job.Detail = detail.String
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		job.FailedAt = &failedAt.Time
	}
	if durationMs.Valid {
		job.DurationMs = &durationMs.Int64
	}
	return &job, nil
}

// AppendJobLog stores one job log row at caller-supplied seq (monotonic per
// (jobId, stream)). Duplicates of an already-stored (jobId, stream, seq) are
// idempotently ignored via the table's UNIQUE constraint. The message is
// cleaned (ANSI escapes stripped, carriage returns collapsed, whitespace
// collapsed) before storage; an identical successive line arriving within 1s
// of the previous one for the same (jobId, stream) is deduplicated; lines
// matching a known progress-bar pattern are dropped entirely. Grounded on
// the teacher's persistence/tasks.go append-log idempotency pattern.
func (s *Store) AppendJobLog(ctx context.Context, jobID, stream string, seq int64, message string) error {
	if stream != "stdout" && stream != "stderr" {
		return fmt.Errorf("%w: stream must be stdout or stderr", ErrValidation)
	}
	message = cleanJobLogLine(message)
	if message == "" || isProgressBarLine(message) {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append log tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var lastMessage string
		var lastTs time.Time
		err = tx.QueryRowContext(ctx, `
			SELECT message, ts FROM job_logs
			WHERE job_id = ? AND stream = ?
			ORDER BY seq DESC LIMIT 1;
		`, jobID, stream).Scan(&lastMessage, &lastTs)
		now := time.Now().UTC()
		if err == nil && lastMessage == message && now.Sub(lastTs) <= time.Second {
			return tx.Commit()
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read last job log: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, stream, seq, message, ts) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(job_id, stream, seq) DO NOTHING;
		`, jobID, stream, seq, message, now); err != nil {
			return fmt.Errorf("insert job log: %w", err)
		}
		return tx.Commit()
	})
}

var (
	ansiEscapeRe     = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")
	collapseSpacesRe = regexp.MustCompile(`[ \t]+`)
	progressBarRe    = regexp.MustCompile(`^\s*\d{1,3}%\s*[|\[].*[|\]]\s*$`)
)

// cleanJobLogLine strips ANSI escapes and carriage-return redraws, keeping
// only the text after the last \r, then collapses runs of horizontal
// whitespace (§4.4 "job logs" line-cleaning rules).
func cleanJobLogLine(line string) string {
	if idx := strings.LastIndex(line, "\r"); idx >= 0 && idx < len(line)-1 {
		line = line[idx+1:]
	}
	line = ansiEscapeRe.ReplaceAllString(line, "")
	line = strings.TrimRight(line, "\r\n")
	line = collapseSpacesRe.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

// isProgressBarLine matches common "NN% [====>   ]"-shaped redraws that
// carry no information worth retaining in the persisted tail.
func isProgressBarLine(line string) bool {
	return progressBarRe.MatchString(line)
}

// ListJobLogs returns up to limit job log lines for jobID, newest-first, with
// the paging cursor being the row id (not the per-stream seq) so stdout and
// stderr interleave by arrival order. Pass afterID=0 for the most recent
// page (§4.4 "job logs").
func (s *Store) ListJobLogs(ctx context.Context, jobID string, limit int, afterID int64) ([]JobLogLine, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows *sql.Rows
	var err error
	if afterID > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, seq, stream, message, ts FROM job_logs
			WHERE job_id = ? AND id < ?
			ORDER BY id DESC LIMIT ?;
		`, jobID, afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, seq, stream, message, ts FROM job_logs
			WHERE job_id = ?
			ORDER BY id DESC LIMIT ?;
		`, jobID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	var out []JobLogLine
	for rows.Next() {
		var l JobLogLine
		if err := rows.Scan(&l.ID, &l.Seq, &l.Stream, &l.Message, &l.Ts); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Heartbeat upserts a worker's registry row, stamping last_heartbeat_at and
// recording its current status/job/capabilities (§4.4 "worker registry").
// Rejects an empty workerID.
func (s *Store) Heartbeat(ctx context.Context, workerID, status, currentJobID string, docker bool, labels, executorID string, pollMs int64, details string) error {
	if workerID == "" {
		return fmt.Errorf("%w: workerId is required", ErrValidation)
	}
	if status == "" {
		status = "idle"
	}
	now := time.Now().UTC()
	var currentJobCol any
	if currentJobID != "" {
		currentJobCol = currentJobID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, status, current_job_id, docker, labels, executor_id, poll_ms, details, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			docker = excluded.docker,
			labels = excluded.labels,
			executor_id = excluded.executor_id,
			poll_ms = excluded.poll_ms,
			details = excluded.details,
			last_heartbeat_at = excluded.last_heartbeat_at;
	`, workerID, status, currentJobCol, boolToInt(docker), labels, executorID, pollMs, details, now)
	if err != nil {
		return fmt.Errorf("heartbeat worker: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListWorkers returns the full worker registry with IsOnline derived as
// now − lastHeartbeatAt ≤ ttlMs (default 15000ms per §4.4 if ttlMs <= 0).
func (s *Store) ListWorkers(ctx context.Context, ttlMs int64) ([]Worker, error) {
	if ttlMs <= 0 {
		ttlMs = 15_000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, status, COALESCE(current_job_id, ''), docker, labels,
			executor_id, poll_ms, details, last_heartbeat_at
		FROM workers ORDER BY worker_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []Worker
	for rows.Next() {
		var w Worker
		var docker int
		if err := rows.Scan(&w.WorkerID, &w.Status, &w.CurrentJobID, &docker, &w.Labels,
			&w.ExecutorID, &w.PollMs, &w.Details, &w.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Docker = docker != 0
		w.IsOnline = now.Sub(w.LastHeartbeatAt).Milliseconds() <= ttlMs
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecoveredClaim describes a job reclaimed by RecoverStaleClaims, carrying
// the lost worker id so the coordinator can cite it in the job_failed
// event's detail (§4.4(c)).
type RecoveredClaim struct {
	JobID     string
	SessionID string
	WorkerID  string
}

// RecoverStaleClaims reclaims jobs whose worker is unknown to the registry or
// offline per ttl (default 120s), resetting them to pending and incrementing
// attemptCount (§4.4 "stale-claim recovery"). Returns the recovered jobs;
// callers (the coordinator) are responsible for emitting one job_failed
// event per recovered job.
func (s *Store) RecoverStaleClaims(ctx context.Context, ttl time.Duration) ([]RecoveredClaim, error) {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	cutoff := time.Now().UTC().Add(-ttl)
	var recovered []RecoveredClaim
	err := retryOnBusy(ctx, 5, func() error {
		recovered = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT j.id, j.session_id, j.worker_id FROM jobs j
			LEFT JOIN workers w ON w.worker_id = j.worker_id
			WHERE j.status = 'claimed'
			  AND (w.worker_id IS NULL OR w.last_heartbeat_at < ?);
		`, cutoff)
		if err != nil {
			return fmt.Errorf("select stale claims: %w", err)
		}
		var stale []RecoveredClaim
		for rows.Next() {
			var c RecoveredClaim
			if err := rows.Scan(&c.JobID, &c.SessionID, &c.WorkerID); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale claim: %w", err)
			}
			stale = append(stale, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, c := range stale {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'pending', worker_id = NULL, claimed_at = NULL,
					attempt_count = attempt_count + 1
				WHERE id = ? AND status = 'claimed';
			`, c.JobID); err != nil {
				return fmt.Errorf("recover stale claim %s: %w", c.JobID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recover tx: %w", err)
		}
		recovered = stale
		return nil
	})
	return recovered, err
}

// JobSLOSummary computes the rolling-window SLO view over terminal jobs in
// the last windowHours (§4.4, §4.8).
func (s *Store) JobSLOSummary(ctx context.Context, windowHours int) (TerminalSummary, error) {
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	return s.terminalSummary(ctx, "jobs", since)
}
