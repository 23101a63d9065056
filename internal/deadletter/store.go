// Package deadletter records permanently failed batches for manual review
// and replay.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/list-verifier/internal/pkg/distlock"
	"github.com/ignite/list-verifier/internal/pkg/logger"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// Priority of a dead-letter entry. Payment failures outrank generic
// permanent failures so billing problems reach a human first.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Entry is one dead-lettered batch.
type Entry struct {
	ID             uuid.UUID
	BatchID        uuid.UUID
	UserID         uuid.UUID
	RequestID      uuid.UUID
	ErrorMessage   string
	Metadata       map[string]interface{}
	RequiresReview bool
	Priority       string
	Reviewed       bool
	FailedAt       time.Time
	ReviewedAt     sql.NullTime
}

// ListFilter narrows List results; zero values mean "any".
type ListFilter struct {
	UserID   uuid.UUID
	Reviewed *bool
	Priority string
	Limit    int
	Offset   int
}

// RetryOutcome aggregates a replay over several entries. One entry
// failing does not roll back the others.
type RetryOutcome struct {
	Successful int
	Failed     int
	Errors     []string
}

// Store persists and replays dead-letter entries.
type Store struct {
	db         *sql.DB
	batches    *verify.Store
	jobs       *queue.Store
	maxReplays int
}

// NewStore creates a dead-letter store. maxReplays caps how many times a
// batch can be requeued through Retry (default 3).
func NewStore(db *sql.DB, batches *verify.Store, jobs *queue.Store, maxReplays int) *Store {
	if maxReplays <= 0 {
		maxReplays = 3
	}
	return &Store{db: db, batches: batches, jobs: jobs, maxReplays: maxReplays}
}

// Log records a permanently failed batch. requiresReview and priority come
// from the error kind: payment failures need a human and jump the queue.
func (s *Store) Log(ctx context.Context, batchID, userID, requestID uuid.UUID, errMsg string, kind verify.ErrorKind, metadata map[string]interface{}) error {
	// Provider errors can echo submitted addresses; mask them before the
	// message lands in a table operators browse.
	errMsg = logger.RedactEmails(errMsg)
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["error_kind"] = kind.String()
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	requiresReview := kind == verify.PaymentRequired
	priority := PriorityNormal
	if requiresReview {
		priority = PriorityHigh
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verifier_dead_letters
			(id, batch_id, user_id, request_id, error_message, metadata, requires_review, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), batchID, userID, requestID, errMsg, raw, requiresReview, priority)
	if err != nil {
		return fmt.Errorf("log dead letter: %w", err)
	}
	log.Printf("[DeadLetter] Logged batch %s (%s, priority=%s)", batchID, kind, priority)
	return nil
}

// List returns entries matching the filter, newest failures first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	query := `
		SELECT id, batch_id, user_id, request_id, error_message, metadata,
		       requires_review, priority, reviewed, failed_at, reviewed_at
		FROM verifier_dead_letters
		WHERE 1=1`
	args := []interface{}{}
	n := 0

	if filter.UserID != uuid.Nil {
		n++
		query += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, filter.UserID)
	}
	if filter.Reviewed != nil {
		n++
		query += fmt.Sprintf(" AND reviewed = $%d", n)
		args = append(args, *filter.Reviewed)
	}
	if filter.Priority != "" {
		n++
		query += fmt.Sprintf(" AND priority = $%d", n)
		args = append(args, filter.Priority)
	}

	query += " ORDER BY failed_at DESC"
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var rawMeta []byte
		if err := rows.Scan(&e.ID, &e.BatchID, &e.UserID, &e.RequestID,
			&e.ErrorMessage, &rawMeta, &e.RequiresReview, &e.Priority,
			&e.Reviewed, &e.FailedAt, &e.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
				log.Printf("[DeadLetter] Corrupt metadata on entry %s: %v", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Retry replays dead-letter entries by id. Each entry is handled in
// isolation: the batch must still exist and be under the replay ceiling;
// then the batch and its queue items reset to queued, retry_count is
// bumped, a retry job is enqueued and the entry is marked reviewed.
func (s *Store) Retry(ctx context.Context, ids []uuid.UUID) RetryOutcome {
	outcome := RetryOutcome{}
	for _, id := range ids {
		if err := s.retryOne(ctx, id); err != nil {
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		outcome.Successful++
	}
	return outcome
}

func (s *Store) retryOne(ctx context.Context, id uuid.UUID) error {
	var batchID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id FROM verifier_dead_letters WHERE id = $1
	`, id).Scan(&batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("dead letter entry not found")
	}
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}

	// Advisory lock so two operators replaying the same batch cannot race.
	lock := distlock.New(s.db, "deadletter:"+batchID.String())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire replay lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("batch %s is already being replayed", batchID)
	}
	defer lock.Release(ctx)

	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.RetryCount >= s.maxReplays+int(maxAutomaticRetries) {
		return fmt.Errorf("batch %s exceeded replay ceiling (%d)", batchID, batch.RetryCount)
	}

	if err := s.batches.RequeueBatch(ctx, batchID); err != nil {
		return err
	}
	if _, err := s.batches.IncrementBatchRetry(ctx, batchID); err != nil {
		return err
	}

	_, err = s.jobs.Enqueue(ctx, queue.QueueVerification, queue.JobRetryFailedBatch,
		map[string]string{"batch_id": batchID.String()}, queue.WithPriority(8))
	if err != nil {
		return fmt.Errorf("enqueue replay job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE verifier_dead_letters
		SET reviewed = TRUE, reviewed_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark entry reviewed: %w", err)
	}
	log.Printf("[DeadLetter] Replayed batch %s (entry %s)", batchID, id)
	return nil
}

// maxAutomaticRetries is the largest automatic retry budget across error
// kinds; manual replays get their own allowance on top of it.
const maxAutomaticRetries = 10

// MarkReviewed flags entries as reviewed without replaying them.
func (s *Store) MarkReviewed(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE verifier_dead_letters
		SET reviewed = TRUE, reviewed_at = NOW()
		WHERE id = ANY($1::uuid[]) AND reviewed = FALSE
	`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return 0, fmt.Errorf("mark reviewed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cleanup deletes entries older than daysToKeep. With reviewedOnly set,
// unreviewed entries are kept regardless of age.
func (s *Store) Cleanup(ctx context.Context, daysToKeep int, reviewedOnly bool) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	query := `
		DELETE FROM verifier_dead_letters
		WHERE failed_at < NOW() - ($1 || ' days')::interval`
	if reviewedOnly {
		query += " AND reviewed = TRUE"
	}
	res, err := s.db.ExecContext(ctx, query, daysToKeep)
	if err != nil {
		return 0, fmt.Errorf("cleanup dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// DayCount is one day's failure count for the trend report.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// ErrorCount is one error-message prefix and its frequency.
type ErrorCount struct {
	Prefix string `json:"prefix"`
	Count  int64  `json:"count"`
}

// Statistics summarizes failures for operator triage.
type Statistics struct {
	Total      int64        `json:"total"`
	Unreviewed int64        `json:"unreviewed"`
	ByDay      []DayCount   `json:"by_day"`
	TopErrors  []ErrorCount `json:"top_errors"`
}

// Stats returns failure trends by day and the most frequent error prefixes
// over the trailing `days` days.
func (s *Store) Stats(ctx context.Context, days int) (*Statistics, error) {
	if days <= 0 {
		days = 7
	}
	stats := &Statistics{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE reviewed = FALSE)
		FROM verifier_dead_letters
	`).Scan(&stats.Total, &stats.Unreviewed)
	if err != nil {
		return nil, fmt.Errorf("dead letter totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', failed_at) AS day, COUNT(*)
		FROM verifier_dead_letters
		WHERE failed_at >= NOW() - ($1 || ' days')::interval
		GROUP BY day ORDER BY day
	`, days)
	if err != nil {
		return nil, fmt.Errorf("failure trend: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan trend: %w", err)
		}
		stats.ByDay = append(stats.ByDay, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	errRows, err := s.db.QueryContext(ctx, `
		SELECT LEFT(error_message, 60) AS prefix, COUNT(*) AS cnt
		FROM verifier_dead_letters
		WHERE failed_at >= NOW() - ($1 || ' days')::interval
		GROUP BY prefix ORDER BY cnt DESC
		LIMIT 10
	`, days)
	if err != nil {
		return nil, fmt.Errorf("top errors: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var ec ErrorCount
		if err := errRows.Scan(&ec.Prefix, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan top errors: %w", err)
		}
		stats.TopErrors = append(stats.TopErrors, ec)
	}
	return stats, errRows.Err()
}
