package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// failBatch runs the retry policy for a batch that failed with a real
// provider error. Deferrals (rate limit backpressure, open circuit) never
// reach here; they re-enqueue the job without touching retry_count.
//
// Retryable kinds get a fresh create-batch job after the kind's backoff,
// with the batch and its items reset to queued. Non-retryable kinds and
// exhausted budgets dead-letter the batch. Always returns nil: once the
// failure is recorded at the batch level, the job itself is done.
func (p *Pipeline) failBatch(ctx context.Context, batch *verify.Batch, cause error) error {
	kind := verify.Classify(cause)
	rule := verify.PolicyFor(kind)

	count, err := p.store.IncrementBatchRetry(ctx, batch.ID)
	if err != nil {
		return err
	}

	if rule.Retryable && count < rule.MaxRetries {
		if batch.Status != verify.BatchFailed {
			if err := p.store.TransitionBatch(ctx, batch.ID, verify.BatchFailed); err != nil {
				return err
			}
		}
		if err := p.store.RequeueBatch(ctx, batch.ID); err != nil {
			return err
		}
		delay := verify.BackoffFor(kind, count)
		_, err := p.jobs.Enqueue(ctx, queue.QueueVerification, queue.JobCreateBatch,
			batchPayload{BatchID: batch.ID.String()}, queue.WithDelay(delay))
		if err != nil {
			return err
		}
		log.Printf("[Pipeline] Batch %s failed (%s), retry %d/%d in %s: %v",
			batch.ID, kind, count, rule.MaxRetries, delay.Round(time.Millisecond), cause)
		return nil
	}

	if err := p.store.MarkBatchFailed(ctx, batch.ID, cause.Error()); err != nil {
		return err
	}
	metadata := map[string]interface{}{
		"retry_count": count,
		"quantity":    batch.Quantity,
	}
	if batch.BouncerBatchID.Valid {
		metadata["provider_batch_id"] = batch.BouncerBatchID.String
	}
	if err := p.deadLetters.Log(ctx, batch.ID, batch.UserID, batch.RequestID,
		cause.Error(), kind, metadata); err != nil {
		return err
	}
	log.Printf("[Pipeline] Batch %s dead-lettered after %d attempts (%s): %v",
		batch.ID, count, kind, cause)
	return nil
}
