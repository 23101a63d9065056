package pipeline

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/list-verifier/internal/bouncer"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// captureArg records the value a statement was executed with so a test can
// feed an enqueued job payload into the next handler.
type captureArg struct {
	v *driver.Value
}

func (c captureArg) Match(v driver.Value) bool {
	*c.v = v
	return true
}

func decodeBatchPayload(t *testing.T, raw driver.Value) (string, json.RawMessage) {
	t.Helper()
	data, ok := raw.([]byte)
	if !ok {
		t.Fatalf("captured payload is %T, want []byte", raw)
	}
	var payload struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload %s: %v", data, err)
	}
	return payload.BatchID, json.RawMessage(data)
}

// TestBatchLifecycle drives one submission through every pipeline stage in
// order: submit, create at the provider, poll to completion, download. Each
// stage consumes exactly the job payload the previous stage enqueued.
func TestBatchLifecycle(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	requestID := uuid.New()
	var polledBatch, downloadedBatch string
	client := &stubClient{
		createFn: func(ctx context.Context, emails []string) (*bouncer.CreateBatchResponse, error) {
			return &bouncer.CreateBatchResponse{BatchID: "bnc-9", Quantity: len(emails)}, nil
		},
		statusFn: func(ctx context.Context, batchID string) (*bouncer.StatusResponse, error) {
			polledBatch = batchID
			return &bouncer.StatusResponse{BatchID: batchID, Status: "completed"}, nil
		},
		downloadFn: func(ctx context.Context, batchID string) ([]bouncer.EmailResult, error) {
			downloadedBatch = batchID
			return []bouncer.EmailResult{
				{Email: "ada@x.com", Status: "deliverable", Score: 97},
				{Email: "bob@y.com", Status: "undeliverable", Reason: "mailbox not found"},
			}, nil
		},
	}
	p := newTestPipeline(db, client, nil)

	// Submit: two emails fit one batch, yielding one create-batch job.
	var createPayload driver.Value
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO verifier_queue_items")
	for i := 0; i < 2; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()
	now := time.Now()
	mock.ExpectQuery("INSERT INTO verifier_batches").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO verifier_jobs").
		WithArgs(sqlmock.AnyArg(), queue.QueueVerification, queue.JobCreateBatch,
			captureArg{&createPayload}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	receipt, err := p.Submit(context.Background(), SubmitRequest{
		Emails:    []string{"ada@x.com", "bob@y.com"},
		UserID:    uuid.New(),
		RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(receipt.BatchIDs) != 1 {
		t.Fatalf("batches = %d, want 1", len(receipt.BatchIDs))
	}
	batchID := receipt.BatchIDs[0]

	createBatchID, createRaw := decodeBatchPayload(t, createPayload)
	if createBatchID != batchID.String() {
		t.Fatalf("create job carries batch %s, submit created %s", createBatchID, batchID)
	}

	// Create: the verification worker consumes the submitted job and hands
	// the batch to the provider, enqueueing the status poll.
	var statusPayload driver.Value
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(batchID, verify.BatchQueued, 2))
	mock.ExpectQuery("SELECT COUNT(.+) FROM verifier_batches").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT COUNT(.+) FROM verifier_rate_limits").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("UPDATE verifier_queue_items").
		WillReturnRows(itemRows(requestID, "ada@x.com", "bob@y.com"))
	mock.ExpectExec("INSERT INTO verifier_rate_limits").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(batchRows(batchID, verify.BatchQueued, 2))
	mock.ExpectExec("UPDATE verifier_batches").
		WithArgs(batchID, "bnc-9", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO verifier_jobs").
		WithArgs(sqlmock.AnyArg(), queue.QueueStatusCheck, queue.JobCheckBatchStatus,
			captureArg{&statusPayload}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	createJob := &queue.Job{
		ID: uuid.New(), Queue: queue.QueueVerification,
		Type: queue.JobCreateBatch, Payload: createRaw, Attempts: 1,
	}
	if err := p.HandleCreateBatch(context.Background(), createJob); err != nil {
		t.Fatalf("HandleCreateBatch: %v", err)
	}

	statusBatchID, statusRaw := decodeBatchPayload(t, statusPayload)
	if statusBatchID != batchID.String() {
		t.Fatalf("status job carries batch %s, want %s", statusBatchID, batchID)
	}

	// Poll: the provider reports completed, so the status worker moves the
	// batch to downloading and enqueues the download.
	var downloadPayload driver.Value
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(processingBatchRows(batchID, "bnc-9"))
	mock.ExpectQuery("SELECT created_at FROM verifier_batches").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().Add(-time.Minute)))
	expectRateSlot(mock)
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(processingBatchRows(batchID, "bnc-9"))
	mock.ExpectExec("UPDATE verifier_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO verifier_jobs").
		WithArgs(sqlmock.AnyArg(), queue.QueueDownload, queue.JobDownloadResults,
			captureArg{&downloadPayload}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	statusJob := &queue.Job{
		ID: uuid.New(), Queue: queue.QueueStatusCheck,
		Type: queue.JobCheckBatchStatus, Payload: statusRaw, Attempts: 1,
	}
	if err := p.HandleStatusCheck(context.Background(), statusJob); err != nil {
		t.Fatalf("HandleStatusCheck: %v", err)
	}
	if polledBatch != "bnc-9" {
		t.Errorf("polled provider batch %q, want bnc-9", polledBatch)
	}

	downloadBatchID, downloadRaw := decodeBatchPayload(t, downloadPayload)
	if downloadBatchID != batchID.String() {
		t.Fatalf("download job carries batch %s, want %s", downloadBatchID, batchID)
	}

	// Download: the download worker consumes the job the status check
	// enqueued and lands both results in one transaction.
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(downloadingBatchRows(batchID, "bnc-9"))
	expectRateSlot(mock)
	mock.ExpectQuery("SELECT (.+) FROM verifier_queue_items").
		WillReturnRows(itemRows(requestID, "ada@x.com", "bob@y.com"))
	mock.ExpectQuery("SELECT (.+) FROM verifier_batches").
		WillReturnRows(downloadingBatchRows(batchID, "bnc-9"))
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO verifier_results")
	mock.ExpectPrepare("INSERT INTO verifier_contacts")
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO verifier_results").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO verifier_contacts").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectExec("UPDATE verifier_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verifier_queue_items").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	downloadJob := &queue.Job{
		ID: uuid.New(), Queue: queue.QueueDownload,
		Type: queue.JobDownloadResults, Payload: downloadRaw, Attempts: 1,
	}
	if err := p.HandleDownload(context.Background(), downloadJob); err != nil {
		t.Fatalf("HandleDownload: %v", err)
	}
	if downloadedBatch != "bnc-9" {
		t.Errorf("downloaded provider batch %q, want bnc-9", downloadedBatch)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
