package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/list-verifier/internal/composer"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// SubmitRequest is one list of emails to verify.
type SubmitRequest struct {
	Emails    []string
	UserID    uuid.UUID
	RequestID uuid.UUID // generated when zero
	Priority  int       // job priority, default 5
	BatchSize int       // max emails per provider batch, default from config
}

// SubmitReceipt tells the caller what was enqueued on their behalf.
type SubmitReceipt struct {
	RequestID uuid.UUID     `json:"request_id"`
	BatchIDs  []uuid.UUID   `json:"batch_ids"`
	JobIDs    []uuid.UUID   `json:"job_ids"`
	Quantity  int           `json:"quantity"`
	Estimated time.Duration `json:"estimated_duration"`
}

// Submit accepts a list of emails, persists them as queue items, carves
// them into batches and enqueues one create-batch job per batch. The
// actual provider calls happen asynchronously under admission and rate
// control; the receipt carries the ids to poll.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*SubmitReceipt, error) {
	emails := normalizeEmails(req.Emails)
	if len(emails) == 0 {
		return nil, fmt.Errorf("no valid emails in submission")
	}
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	if req.Priority <= 0 {
		req.Priority = 5
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = p.cfg.DefaultBatchSize
	}

	items := make([]verify.QueueItem, 0, len(emails))
	for _, email := range emails {
		items = append(items, verify.QueueItem{
			ID:         uuid.New(),
			EmailID:    uuid.New(),
			Email:      email,
			DomainHash: hashDomain(composer.Domain(email)),
			UserID:     req.UserID,
			RequestID:  req.RequestID,
			Priority:   req.Priority,
		})
	}
	if err := p.store.InsertQueueItems(ctx, items); err != nil {
		return nil, err
	}

	receipt := &SubmitReceipt{RequestID: req.RequestID, Quantity: len(emails)}
	for start := 0; start < len(emails); start += batchSize {
		end := start + batchSize
		if end > len(emails) {
			end = len(emails)
		}
		batch, err := p.store.CreateBatch(ctx, req.UserID, req.RequestID, end-start)
		if err != nil {
			return nil, err
		}
		jobID, err := p.jobs.Enqueue(ctx, queue.QueueVerification, queue.JobCreateBatch,
			batchPayload{BatchID: batch.ID.String()}, queue.WithPriority(req.Priority))
		if err != nil {
			return nil, err
		}
		receipt.BatchIDs = append(receipt.BatchIDs, batch.ID)
		receipt.JobIDs = append(receipt.JobIDs, jobID)
	}
	receipt.Estimated = p.estimateDuration(len(receipt.BatchIDs))

	log.Printf("[Pipeline] Submitted request %s: %d emails across %d batches",
		req.RequestID, len(emails), len(receipt.BatchIDs))
	return receipt, nil
}

// estimateDuration is a coarse completion estimate: every batch needs a
// create call, at least one status poll and a download, serialized through
// the shared rate limiter.
func (p *Pipeline) estimateDuration(numBatches int) time.Duration {
	calls := numBatches * 3
	perMinute := p.limiter.MaxRequests()
	minutes := (calls + perMinute - 1) / perMinute
	est := time.Duration(minutes)*time.Minute + p.cfg.StatusCheckDelay()
	return est
}

// normalizeEmails lowercases, trims and de-blanks the submitted list.
// Duplicates are kept: the provider reports them back and they are
// reconciled per batch.
func normalizeEmails(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || !strings.Contains(e, "@") {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hashDomain(domain string) string {
	h := fnv.New32a()
	h.Write([]byte(domain))
	return fmt.Sprintf("%08x", h.Sum32())
}
