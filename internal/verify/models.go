// Package verify holds the data model for the batch verification pipeline:
// batches, queue items, results, the lifecycle state machine, and the
// error taxonomy with its retry policy.
package verify

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle state of a verification batch.
type BatchStatus string

const (
	BatchQueued      BatchStatus = "queued"
	BatchProcessing  BatchStatus = "processing"
	BatchDownloading BatchStatus = "downloading"
	BatchCompleted   BatchStatus = "completed"
	BatchFailed      BatchStatus = "failed"
)

// Terminal reports whether no further transitions are expected
// (failed batches can still be requeued by a dead-letter retry).
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// ItemStatus is the lifecycle state of an individual queue item.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemAssigned  ItemStatus = "assigned"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// Batch is one submission to the verification provider.
type Batch struct {
	ID             uuid.UUID
	BouncerBatchID sql.NullString
	UserID         uuid.UUID
	RequestID      uuid.UUID
	Status         BatchStatus
	Quantity       int
	Duplicates     int
	RetryCount     int
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    sql.NullTime
}

// QueueItem is one email awaiting (or assigned to) a batch.
type QueueItem struct {
	ID          uuid.UUID
	EmailID     uuid.UUID
	Email       string
	DomainHash  string
	UserID      uuid.UUID
	RequestID   uuid.UUID
	BatchID     uuid.NullUUID
	Status      ItemStatus
	Priority    int
	CreatedAt   time.Time
	AssignedAt  sql.NullTime
	CompletedAt sql.NullTime
}

// Result is one per-email outcome downloaded from the provider.
type Result struct {
	ID          uuid.UUID
	BatchID     uuid.UUID
	EmailID     uuid.UUID
	Email       string
	Status      string
	Reason      string
	Score       float64
	Toxic       string
	Toxicity    int
	Provider    string
	DomainInfo  []byte // raw JSON from the provider
	AccountInfo []byte
	DNSInfo     []byte
	ProcessedAt time.Time
}

// TransitionError is returned when a lifecycle move is not legal.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// batchMoves enumerates the legal batch transitions. Retry is the only
// backward edge: a failed batch may be requeued by dead-letter replay.
var batchMoves = map[BatchStatus][]BatchStatus{
	BatchQueued:      {BatchProcessing, BatchFailed},
	BatchProcessing:  {BatchDownloading, BatchCompleted, BatchFailed},
	BatchDownloading: {BatchCompleted, BatchFailed},
	BatchFailed:      {BatchQueued},
	BatchCompleted:   {},
}

// ValidateBatchTransition rejects illegal batch moves with a typed error.
func ValidateBatchTransition(from, to BatchStatus) error {
	if from == to {
		return nil
	}
	for _, next := range batchMoves[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{Entity: "batch", From: string(from), To: string(to)}
}

var itemMoves = map[ItemStatus][]ItemStatus{
	ItemQueued:    {ItemAssigned, ItemFailed},
	ItemAssigned:  {ItemCompleted, ItemFailed},
	ItemFailed:    {ItemQueued},
	ItemCompleted: {},
}

// ValidateItemTransition rejects illegal queue-item moves with a typed error.
func ValidateItemTransition(from, to ItemStatus) error {
	if from == to {
		return nil
	}
	for _, next := range itemMoves[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{Entity: "queue item", From: string(from), To: string(to)}
}
