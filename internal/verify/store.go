package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBatchNotFound is returned when a batch id does not exist.
var ErrBatchNotFound = errors.New("batch not found")

// Store persists batches, queue items, results and the contact cache.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share transactions.
func (s *Store) DB() *sql.DB { return s.db }

// CreateBatch inserts a new batch in queued status and returns it.
func (s *Store) CreateBatch(ctx context.Context, userID, requestID uuid.UUID, quantity int) (*Batch, error) {
	b := &Batch{
		ID:        uuid.New(),
		UserID:    userID,
		RequestID: requestID,
		Status:    BatchQueued,
		Quantity:  quantity,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO verifier_batches (id, user_id, request_id, status, quantity)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, b.ID, userID, requestID, b.Status, quantity).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

// GetBatch loads a batch by id.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b := &Batch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bouncer_batch_id, user_id, request_id, status, quantity,
		       duplicates, retry_count, error_message, created_at, updated_at, completed_at
		FROM verifier_batches WHERE id = $1
	`, id).Scan(&b.ID, &b.BouncerBatchID, &b.UserID, &b.RequestID, &b.Status,
		&b.Quantity, &b.Duplicates, &b.RetryCount, &b.ErrorMessage,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// TransitionBatch validates and applies a status move. completed_at is set
// only when the batch reaches completed.
func (s *Store) TransitionBatch(ctx context.Context, id uuid.UUID, to BatchStatus) error {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateBatchTransition(b.Status, to); err != nil {
		return err
	}
	if to == BatchCompleted {
		_, err = s.db.ExecContext(ctx, `
			UPDATE verifier_batches
			SET status = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, id, to)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE verifier_batches SET status = $2, updated_at = NOW() WHERE id = $1
		`, id, to)
	}
	if err != nil {
		return fmt.Errorf("transition batch: %w", err)
	}
	return nil
}

// MarkBatchProcessing records the provider batch id and duplicate count
// after a successful create call.
func (s *Store) MarkBatchProcessing(ctx context.Context, id uuid.UUID, bouncerID string, duplicates int) error {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateBatchTransition(b.Status, BatchProcessing); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE verifier_batches
		SET status = 'processing', bouncer_batch_id = $2, duplicates = $3, updated_at = NOW()
		WHERE id = $1
	`, id, bouncerID, duplicates)
	if err != nil {
		return fmt.Errorf("mark batch processing: %w", err)
	}
	return nil
}

// MarkBatchFailed moves a batch to failed with its error message and marks
// the batch's queue items failed. Runs in one transaction.
func (s *Store) MarkBatchFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	if len(errorMsg) > 500 {
		errorMsg = errorMsg[:500]
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE verifier_batches
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1
	`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE verifier_queue_items
		SET status = 'failed', completed_at = NOW()
		WHERE batch_id = $1 AND status IN ('queued', 'assigned')
	`, id)
	if err != nil {
		return fmt.Errorf("fail queue items: %w", err)
	}
	return tx.Commit()
}

// IncrementBatchRetry bumps retry_count and returns the new value.
func (s *Store) IncrementBatchRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE verifier_batches
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrBatchNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// RequeueBatch resets a failed batch (and its items) to queued for replay.
func (s *Store) RequeueBatch(ctx context.Context, id uuid.UUID) error {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateBatchTransition(b.Status, BatchQueued); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE verifier_batches
		SET status = 'queued', bouncer_batch_id = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("requeue batch: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE verifier_queue_items
		SET status = 'queued', completed_at = NULL
		WHERE batch_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("requeue items: %w", err)
	}
	return tx.Commit()
}

// BatchesForRequest lists a request's batches, oldest first.
func (s *Store) BatchesForRequest(ctx context.Context, requestID uuid.UUID) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bouncer_batch_id, user_id, request_id, status, quantity,
		       duplicates, retry_count, error_message, created_at, updated_at, completed_at
		FROM verifier_batches
		WHERE request_id = $1
		ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("batches for request: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.BouncerBatchID, &b.UserID, &b.RequestID, &b.Status,
			&b.Quantity, &b.Duplicates, &b.RetryCount, &b.ErrorMessage,
			&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// CountActiveBatches counts batches still moving through the pipeline.
// Used for the max-concurrent-batches admission check.
func (s *Store) CountActiveBatches(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verifier_batches WHERE status IN ('processing', 'downloading')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active batches: %w", err)
	}
	return n, nil
}

// InsertQueueItems stores submitted emails as queued items.
func (s *Store) InsertQueueItems(ctx context.Context, items []QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verifier_queue_items
			(id, email_id, email, domain_hash, user_id, request_id, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.EmailID, it.Email,
			it.DomainHash, it.UserID, it.RequestID, it.Priority); err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
	}
	return tx.Commit()
}

// ClaimItemsForBatch atomically assigns up to limit queued items of a
// request to the batch and returns them. Items already bound to the batch
// (a requeued retry) are picked up again; items claimed by a sibling batch
// of the same request are skipped. SKIP LOCKED keeps two concurrent
// create-batch jobs from assigning the same item twice.
func (s *Store) ClaimItemsForBatch(ctx context.Context, requestID, batchID uuid.UUID, limit int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE verifier_queue_items
		SET status = 'assigned', batch_id = $2, assigned_at = NOW()
		WHERE id IN (
			SELECT id FROM verifier_queue_items
			WHERE request_id = $1 AND status = 'queued'
			  AND (batch_id IS NULL OR batch_id = $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, email_id, email, domain_hash, user_id, request_id, status, priority, created_at
	`, requestID, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.EmailID, &it.Email, &it.DomainHash,
			&it.UserID, &it.RequestID, &it.Status, &it.Priority, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReleaseItems hands a batch's assigned items back to queued. Used when a
// create call is deferred after assignment (circuit open) so the items stay
// claimable on the next attempt.
func (s *Store) ReleaseItems(ctx context.Context, batchID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE verifier_queue_items
		SET status = 'queued', assigned_at = NULL
		WHERE batch_id = $1 AND status = 'assigned'
	`, batchID)
	if err != nil {
		return fmt.Errorf("release items: %w", err)
	}
	return nil
}

// QueuedEmails returns the queued emails for a request, oldest first.
func (s *Store) QueuedEmails(ctx context.Context, requestID uuid.UUID) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email_id, email, domain_hash, user_id, request_id, status, priority, created_at
		FROM verifier_queue_items
		WHERE request_id = $1 AND status = 'queued'
		ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("queued emails: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.EmailID, &it.Email, &it.DomainHash,
			&it.UserID, &it.RequestID, &it.Status, &it.Priority, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ItemsForBatch returns all queue items assigned to a batch.
func (s *Store) ItemsForBatch(ctx context.Context, batchID uuid.UUID) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email_id, email, domain_hash, user_id, request_id, status, priority, created_at
		FROM verifier_queue_items
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("items for batch: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.EmailID, &it.Email, &it.DomainHash,
			&it.UserID, &it.RequestID, &it.Status, &it.Priority, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// StoreResults persists downloaded results, refreshes the contact cache,
// marks the batch completed and its items completed, all in one transaction
// so a concurrent download of the same batch cannot half-apply.
func (s *Store) StoreResults(ctx context.Context, batchID uuid.UUID, results []Result) error {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if err := ValidateBatchTransition(b.Status, BatchCompleted); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	resStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verifier_results
			(id, batch_id, email_id, email, status, reason, score, toxic, toxicity,
			 provider, domain_info, account_info, dns_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	if err != nil {
		return fmt.Errorf("prepare results: %w", err)
	}
	defer resStmt.Close()

	contactStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verifier_contacts (email_id, email, latest_status, latest_reason, latest_score, verified_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (email_id) DO UPDATE
		SET latest_status = EXCLUDED.latest_status,
		    latest_reason = EXCLUDED.latest_reason,
		    latest_score  = EXCLUDED.latest_score,
		    verified_at   = NOW(),
		    updated_at    = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare contacts: %w", err)
	}
	defer contactStmt.Close()

	for _, r := range results {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := resStmt.ExecContext(ctx, id, batchID, r.EmailID, r.Email,
			r.Status, r.Reason, r.Score, r.Toxic, r.Toxicity, r.Provider,
			jsonOrEmpty(r.DomainInfo), jsonOrEmpty(r.AccountInfo), jsonOrEmpty(r.DNSInfo)); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if _, err := contactStmt.ExecContext(ctx, r.EmailID, r.Email, r.Status, r.Reason, r.Score); err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE verifier_batches
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, batchID); err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE verifier_queue_items
		SET status = 'completed', completed_at = NOW()
		WHERE batch_id = $1 AND status = 'assigned'
	`, batchID); err != nil {
		return fmt.Errorf("complete items: %w", err)
	}
	return tx.Commit()
}

// BatchAge returns how long ago the batch was created. Used to enforce the
// overall processing timeout.
func (s *Store) BatchAge(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	var created time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM verifier_batches WHERE id = $1
	`, id).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrBatchNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("batch age: %w", err)
	}
	return time.Since(created), nil
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
