package deadletter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func newTestStore(db *sql.DB) *Store {
	return NewStore(db, verify.NewStore(db), queue.NewStore(db, "test-worker"), 3)
}

func TestLog_PaymentFailuresNeedReview(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO verifier_dead_letters").
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := newTestStore(db)
	err := s.Log(context.Background(), uuid.New(), uuid.New(), uuid.New(),
		"payment required", verify.PaymentRequired, nil)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLog_RedactsEmailsInErrorMessage(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO verifier_dead_letters").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"invalid address jo***@example.com", sqlmock.AnyArg(), false, PriorityNormal).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := newTestStore(db)
	err := s.Log(context.Background(), uuid.New(), uuid.New(), uuid.New(),
		"invalid address john.doe@example.com", verify.PermanentFailure, nil)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestList_BuildsFilters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	userID := uuid.New()
	reviewed := false
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM verifier_dead_letters").
		WithArgs(userID, reviewed, PriorityHigh, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "user_id", "request_id", "error_message", "metadata",
			"requires_review", "priority", "reviewed", "failed_at", "reviewed_at",
		}).AddRow(uuid.New(), uuid.New(), userID, uuid.New(), "payment required",
			[]byte(`{"error_kind":"PAYMENT_REQUIRED"}`), true, PriorityHigh, false, now, nil))

	s := newTestStore(db)
	entries, err := s.List(context.Background(), ListFilter{
		UserID:   userID,
		Reviewed: &reviewed,
		Priority: PriorityHigh,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Metadata["error_kind"] != "PAYMENT_REQUIRED" {
		t.Errorf("metadata = %+v", entries[0].Metadata)
	}
	if !entries[0].RequiresReview || entries[0].Priority != PriorityHigh {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestList_CorruptMetadataKeepsEntry(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM verifier_dead_letters").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "user_id", "request_id", "error_message", "metadata",
			"requires_review", "priority", "reviewed", "failed_at", "reviewed_at",
		}).AddRow(id, uuid.New(), uuid.New(), uuid.New(), "provider error",
			[]byte(`{not json`), false, PriorityNormal, false, now, nil))

	s := newTestStore(db)
	entries, err := s.List(context.Background(), ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("entries = %+v, want the row despite bad metadata", entries)
	}
	if entries[0].Metadata != nil {
		t.Errorf("metadata = %+v, want nil", entries[0].Metadata)
	}
}

func TestMarkReviewed_EmptyIsNoop(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	s := newTestStore(db)
	n, err := s.MarkReviewed(context.Background(), nil)
	if err != nil {
		t.Fatalf("MarkReviewed: %v", err)
	}
	if n != 0 {
		t.Errorf("reviewed = %d, want 0", n)
	}
}

func TestRetry_RespectsReplayCeiling(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entryID := uuid.New()
	batchID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT batch_id FROM verifier_dead_letters").
		WithArgs(entryID).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(batchID))
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	// Batch already burned its automatic retries plus manual replays.
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "bouncer_batch_id", "user_id", "request_id", "status", "quantity",
			"duplicates", "retry_count", "error_message", "created_at", "updated_at", "completed_at",
		}).AddRow(batchID, nil, uuid.New(), uuid.New(), "failed", 100, 0, 13, "boom", now, now, nil))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := newTestStore(db)
	outcome := s.Retry(context.Background(), []uuid.UUID{entryID})
	if outcome.Successful != 0 || outcome.Failed != 1 {
		t.Errorf("outcome = %+v, want 1 failure", outcome)
	}
	if len(outcome.Errors) != 1 {
		t.Fatalf("errors = %v", outcome.Errors)
	}
}

func TestRetry_LockedBatchIsSkipped(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entryID := uuid.New()
	batchID := uuid.New()

	mock.ExpectQuery("SELECT batch_id FROM verifier_dead_letters").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(batchID))
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	s := newTestStore(db)
	outcome := s.Retry(context.Background(), []uuid.UUID{entryID})
	if outcome.Failed != 1 {
		t.Errorf("outcome = %+v, want failure when lock is held elsewhere", outcome)
	}
}

func expectSuccessfulReplay(mock sqlmock.Sqlmock, entryID, batchID uuid.UUID) {
	now := time.Now()
	failed := sqlmock.NewRows([]string{
		"id", "bouncer_batch_id", "user_id", "request_id", "status", "quantity",
		"duplicates", "retry_count", "error_message", "created_at", "updated_at", "completed_at",
	}).AddRow(batchID, nil, uuid.New(), uuid.New(), "failed", 100, 0, 2, "boom", now, now, nil)
	failedAgain := sqlmock.NewRows([]string{
		"id", "bouncer_batch_id", "user_id", "request_id", "status", "quantity",
		"duplicates", "retry_count", "error_message", "created_at", "updated_at", "completed_at",
	}).AddRow(batchID, nil, uuid.New(), uuid.New(), "failed", 100, 0, 2, "boom", now, now, nil)

	mock.ExpectQuery("SELECT batch_id FROM verifier_dead_letters").
		WithArgs(entryID).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(batchID))
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").WillReturnRows(failed)
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").WillReturnRows(failedAgain)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE verifier_batches").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verifier_queue_items").WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectCommit()
	mock.ExpectQuery("UPDATE verifier_batches").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(3))
	mock.ExpectExec("INSERT INTO verifier_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE verifier_dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestRetry_EntriesAreIsolated(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	okA, bad, okB := uuid.New(), uuid.New(), uuid.New()

	expectSuccessfulReplay(mock, okA, uuid.New())
	// The middle entry's row is gone; its failure must not stop the rest.
	mock.ExpectQuery("SELECT batch_id FROM verifier_dead_letters").
		WithArgs(bad).
		WillReturnError(sql.ErrNoRows)
	expectSuccessfulReplay(mock, okB, uuid.New())

	s := newTestStore(db)
	outcome := s.Retry(context.Background(), []uuid.UUID{okA, bad, okB})
	if outcome.Successful != 2 || outcome.Failed != 1 {
		t.Errorf("outcome = %+v, want 2 successes and 1 failure", outcome)
	}
	if len(outcome.Errors) != 1 {
		t.Fatalf("errors = %v", outcome.Errors)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStats(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	day := time.Now().Truncate(24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT(.+) FROM verifier_dead_letters").
		WillReturnRows(sqlmock.NewRows([]string{"count", "unreviewed"}).AddRow(25, 7))
	mock.ExpectQuery("SELECT date_trunc").
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).
			AddRow(day.Add(-24*time.Hour), 10).
			AddRow(day, 15))
	mock.ExpectQuery("SELECT LEFT").
		WillReturnRows(sqlmock.NewRows([]string{"prefix", "cnt"}).
			AddRow("bouncer API error (status 402)", 12).
			AddRow("batch processing timeout", 8))

	s := newTestStore(db)
	stats, err := s.Stats(context.Background(), 7)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 25 || stats.Unreviewed != 7 {
		t.Errorf("totals = %d/%d", stats.Total, stats.Unreviewed)
	}
	if len(stats.ByDay) != 2 || stats.ByDay[1].Count != 15 {
		t.Errorf("by day = %+v", stats.ByDay)
	}
	if len(stats.TopErrors) != 2 || stats.TopErrors[0].Count != 12 {
		t.Errorf("top errors = %+v", stats.TopErrors)
	}
}
