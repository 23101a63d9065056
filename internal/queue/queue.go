// Package queue implements the durable job queue behind the verification
// pipeline. Jobs live in Postgres so delayed jobs, priorities and claims
// survive worker restarts; claims use FOR UPDATE SKIP LOCKED so multiple
// worker processes never double-run a job.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names. Each has its own worker pool and call ceiling.
const (
	QueueVerification = "email-verification"
	QueueStatusCheck  = "batch-status-check"
	QueueDownload     = "batch-download"
	QueueCleanup      = "cleanup-tasks"
)

// Job types.
const (
	JobCreateBatch       = "create-batch"
	JobRetryFailedBatch  = "retry-failed-batch"
	JobCheckBatchStatus  = "check-batch-status"
	JobDownloadResults   = "download-batch-results"
	JobCleanupRateLimits = "cleanup-rate-limits"
	JobHealthCheck       = "health-check"
)

// Job is one unit of queued work.
type Job struct {
	ID        uuid.UUID
	Queue     string
	Type      string
	Payload   json.RawMessage
	Priority  int
	RunAt     time.Time
	Attempts  int
	CreatedAt time.Time
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v interface{}) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// DeferError signals that a job should be re-enqueued with a delay without
// counting as a failure or an attempt. Used for admission control, rate
// limit exhaustion and poll intervals.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred %s: %s", e.Delay, e.Reason)
}

// Defer builds a DeferError.
func Defer(delay time.Duration, reason string) *DeferError {
	return &DeferError{Delay: delay, Reason: reason}
}

// Store persists and claims jobs.
type Store struct {
	db       *sql.DB
	workerID string
	now      func() time.Time
}

// NewStore creates a job store. workerID tags claims for recovery.
func NewStore(db *sql.DB, workerID string) *Store {
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}
	return &Store{db: db, workerID: workerID, now: time.Now}
}

// EnqueueOption customizes an enqueued job.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	priority int
	runAt    time.Time
}

// WithPriority sets the job priority (higher runs first, default 5).
func WithPriority(p int) EnqueueOption {
	return func(ep *enqueueParams) { ep.priority = p }
}

// WithDelay schedules the job to run after the given delay.
func WithDelay(d time.Duration) EnqueueOption {
	return func(ep *enqueueParams) { ep.runAt = time.Now().Add(d) }
}

// Enqueue adds a job to a queue and returns its id.
func (s *Store) Enqueue(ctx context.Context, queueName, jobType string, payload interface{}, opts ...EnqueueOption) (uuid.UUID, error) {
	params := enqueueParams{priority: 5, runAt: s.now()}
	for _, opt := range opts {
		opt(&params)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode payload: %w", err)
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verifier_jobs (id, queue, job_type, payload, status, priority, run_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6)
	`, id, queueName, jobType, raw, params.priority, params.runAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s/%s: %w", queueName, jobType, err)
	}
	return id, nil
}

// Claim atomically claims the next runnable job in a queue, ordered by
// priority then run time. Returns nil when the queue is empty.
func (s *Store) Claim(ctx context.Context, queueName string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'claimed', worker_id = $1, claimed_at = NOW(),
		    attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM verifier_jobs
			WHERE queue = $2 AND status = 'queued' AND run_at <= NOW()
			ORDER BY priority DESC, run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, job_type, payload, priority, run_at, attempts, created_at
	`, s.workerID, queueName)

	job := &Job{}
	err := row.Scan(&job.ID, &job.Queue, &job.Type, &job.Payload,
		&job.Priority, &job.RunAt, &job.Attempts, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queueName, err)
	}
	return job, nil
}

// Complete marks a job done.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'completed', worker_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail marks a job failed with its error.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'failed', last_error = $2, worker_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Release re-enqueues a claimed job to run after delay. The attempt taken
// at claim time is handed back: deferral is backpressure, not failure.
// Delays go to Postgres as fractional seconds; Go's duration format is not
// valid interval input.
func (s *Store) Release(ctx context.Context, id uuid.UUID, delay time.Duration, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    attempts = attempts - 1, run_at = NOW() + make_interval(secs => $2),
		    last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, delay.Seconds(), reason)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// Retry re-enqueues a failed attempt to run after delay. Unlike Release
// the claim attempt is kept, so a job that keeps erroring exhausts its
// budget instead of looping forever.
func (s *Store) Retry(ctx context.Context, id uuid.UUID, delay time.Duration, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    run_at = NOW() + make_interval(secs => $2),
		    last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, delay.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// RecoverStuck requeues jobs claimed longer than staleAge ago (worker
// likely crashed mid-run) and fails any that accumulated too many claim
// attempts without completing.
func (s *Store) RecoverStuck(ctx context.Context, staleAge time.Duration, maxAttempts int) (requeued, failed int64, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - make_interval(secs => $1)
		  AND attempts < $2
	`, staleAge.Seconds(), maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE verifier_jobs
		SET status = 'failed', last_error = 'exceeded max claim attempts',
		    worker_id = NULL, updated_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - make_interval(secs => $1)
		  AND attempts >= $2
	`, staleAge.Seconds(), maxAttempts)
	if err != nil {
		return requeued, 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	failed, _ = res.RowsAffected()
	return requeued, failed, nil
}

// HasPending reports whether a queued or claimed job of the given type
// already exists. Used to avoid double-seeding periodic jobs on restart.
func (s *Store) HasPending(ctx context.Context, queueName, jobType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM verifier_jobs
			WHERE queue = $1 AND job_type = $2 AND status IN ('queued', 'claimed')
		)
	`, queueName, jobType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending %s/%s: %w", queueName, jobType, err)
	}
	return exists, nil
}

// QueueStats is the waiting/active/completed/failed breakdown for one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats returns per-queue job counts for the health boundary.
func (s *Store) Stats(ctx context.Context) (map[string]QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, status, COUNT(*) FROM verifier_jobs
		GROUP BY queue, status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]QueueStats)
	for rows.Next() {
		var queueName, status string
		var n int64
		if err := rows.Scan(&queueName, &status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		qs := stats[queueName]
		switch status {
		case "queued":
			qs.Waiting = n
		case "claimed":
			qs.Active = n
		case "completed":
			qs.Completed = n
		case "failed":
			qs.Failed = n
		}
		stats[queueName] = qs
	}
	return stats, rows.Err()
}

// PurgeCompleted deletes completed jobs older than the retention window.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verifier_jobs
		WHERE status = 'completed' AND updated_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
