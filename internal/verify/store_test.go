package verify

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func batchRows(id uuid.UUID, status BatchStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "bouncer_batch_id", "user_id", "request_id", "status", "quantity",
		"duplicates", "retry_count", "error_message", "created_at", "updated_at", "completed_at",
	}).AddRow(id, nil, uuid.New(), uuid.New(), status, 100, 0, 0, nil, now, now, nil)
}

func TestCreateBatch(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO verifier_batches").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	s := NewStore(db)
	b, err := s.CreateBatch(context.Background(), uuid.New(), uuid.New(), 500)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if b.Status != BatchQueued {
		t.Errorf("status = %s, want queued", b.Status)
	}
	if b.Quantity != 500 {
		t.Errorf("quantity = %d", b.Quantity)
	}
	if b.ID == uuid.Nil {
		t.Error("batch id not set")
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	_, err := s.GetBatch(context.Background(), uuid.New())
	if !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("err = %v, want ErrBatchNotFound", err)
	}
}

func TestTransitionBatch_RejectsIllegalMove(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(id, BatchCompleted))

	s := NewStore(db)
	err := s.TransitionBatch(context.Background(), id, BatchQueued)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}
	// No UPDATE must be issued for a rejected move.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTransitionBatch_CompletedSetsCompletedAt(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(id, BatchProcessing))
	mock.ExpectExec("UPDATE verifier_batches").
		WithArgs(id, BatchCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	if err := s.TransitionBatch(context.Background(), id, BatchCompleted); err != nil {
		t.Fatalf("TransitionBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkBatchFailed_FailsItemsInSameTx(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE verifier_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verifier_queue_items").
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectCommit()

	s := NewStore(db)
	if err := s.MarkBatchFailed(context.Background(), id, "provider exploded"); err != nil {
		t.Fatalf("MarkBatchFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkBatchFailed_TruncatesLongError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE verifier_batches").
		WithArgs(id, string(long[:500])).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verifier_queue_items").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	s := NewStore(db)
	if err := s.MarkBatchFailed(context.Background(), id, string(long)); err != nil {
		t.Fatalf("MarkBatchFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkBatchProcessing_RequiresQueued(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(id, BatchCompleted))

	s := NewStore(db)
	err := s.MarkBatchProcessing(context.Background(), id, "bnc-1", 0)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Errorf("err = %v, want *TransitionError", err)
	}
}

func TestIncrementBatchRetry(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("UPDATE verifier_batches").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(3))

	s := NewStore(db)
	n, err := s.IncrementBatchRetry(context.Background(), id)
	if err != nil {
		t.Fatalf("IncrementBatchRetry: %v", err)
	}
	if n != 3 {
		t.Errorf("retry count = %d, want 3", n)
	}
}

func TestClaimItemsForBatch(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	requestID := uuid.New()
	batchID := uuid.New()
	now := time.Now()
	mock.ExpectQuery("UPDATE verifier_queue_items").
		WithArgs(requestID, batchID, 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email_id", "email", "domain_hash", "user_id", "request_id", "status", "priority", "created_at",
		}).
			AddRow(uuid.New(), uuid.New(), "a@x.com", "h1", uuid.New(), requestID, "assigned", 5, now).
			AddRow(uuid.New(), uuid.New(), "b@y.com", "h2", uuid.New(), requestID, "assigned", 5, now))

	s := NewStore(db)
	items, err := s.ClaimItemsForBatch(context.Background(), requestID, batchID, 2)
	if err != nil {
		t.Fatalf("ClaimItemsForBatch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("claimed %d items, want 2", len(items))
	}
	if items[0].Email != "a@x.com" || items[1].Email != "b@y.com" {
		t.Errorf("items = %+v", items)
	}
}

func TestStoreResults_AllInOneTransaction(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	batchID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(batchID, BatchDownloading))

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO verifier_results")
	mock.ExpectPrepare("INSERT INTO verifier_contacts")
	mock.ExpectExec("INSERT INTO verifier_results").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO verifier_contacts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE verifier_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verifier_queue_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewStore(db)
	results := []Result{{
		EmailID: uuid.New(),
		Email:   "a@x.com",
		Status:  "deliverable",
		Score:   97,
	}}
	if err := s.StoreResults(context.Background(), batchID, results); err != nil {
		t.Fatalf("StoreResults: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStoreResults_RejectsWrongState(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	batchID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(batchID, BatchQueued))

	s := NewStore(db)
	err := s.StoreResults(context.Background(), batchID, nil)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Errorf("err = %v, want *TransitionError (queued cannot complete)", err)
	}
}
