package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/list-verifier/internal/bouncer"
	"github.com/ignite/list-verifier/internal/breaker"
	"github.com/ignite/list-verifier/internal/composer"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// admissionDelay is how long a create-batch job waits when the pipeline is
// already running its maximum number of concurrent batches.
const admissionDelay = 30 * time.Second

// HandleCreateBatch submits one batch to the provider. Order matters:
// admission control, then the rate limiter, then item assignment and
// composition, and only then the breaker-guarded create call. Both
// admission and rate-limit exhaustion defer the job; neither consumes
// retry budget.
func (p *Pipeline) HandleCreateBatch(ctx context.Context, job *queue.Job) error {
	batch, err := p.loadBatch(ctx, job)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		log.Printf("[Pipeline] Batch %s already %s, skipping create", batch.ID, batch.Status)
		return nil
	}

	active, err := p.store.CountActiveBatches(ctx)
	if err != nil {
		return err
	}
	if active >= p.cfg.MaxConcurrentBatches {
		return queue.Defer(admissionDelay,
			fmt.Sprintf("at max concurrent batches (%d)", active))
	}

	if err := p.waitForRateSlot(ctx); err != nil {
		return err
	}

	items, err := p.store.ClaimItemsForBatch(ctx, batch.RequestID, batch.ID, batch.Quantity)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		// Sibling batches of the request drained the queue, or a replay
		// raced a completed download. Nothing left to submit.
		log.Printf("[Pipeline] Batch %s has no queued items, skipping create", batch.ID)
		return nil
	}

	emails := make([]string, len(items))
	for i, it := range items {
		emails[i] = it.Email
	}
	ordered := p.composer.Optimize(emails)
	m := composer.Measure(ordered)
	log.Printf("[Pipeline] Batch %s composed: %d emails, %d domains, distribution=%.2f clustering=%.2f",
		batch.ID, len(ordered), m.Domains, m.DistributionScore, m.ClusteringScore)

	// Record before calling so concurrent workers cannot both slip under
	// the ceiling. A breaker rejection after recording wastes one slot,
	// which only errs toward under-use.
	if err := p.limiter.Record(ctx); err != nil {
		return err
	}

	var resp *bouncer.CreateBatchResponse
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.CreateBatch(ctx, ordered)
		return callErr
	})
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			if relErr := p.store.ReleaseItems(ctx, batch.ID); relErr != nil {
				log.Printf("[Pipeline] Release items for %s: %v", batch.ID, relErr)
			}
			return queue.Defer(time.Until(open.NextAttempt), "circuit breaker open")
		}
		return p.failBatch(ctx, batch, err)
	}

	if err := p.store.MarkBatchProcessing(ctx, batch.ID, resp.BatchID, resp.Duplicates); err != nil {
		return err
	}
	log.Printf("[Pipeline] Batch %s created at provider as %s (%d emails, %d duplicates)",
		batch.ID, resp.BatchID, resp.Quantity, resp.Duplicates)

	_, err = p.jobs.Enqueue(ctx, queue.QueueStatusCheck, queue.JobCheckBatchStatus,
		batchPayload{BatchID: batch.ID.String()}, queue.WithDelay(p.cfg.StatusCheckDelay()))
	return err
}

// waitForRateSlot defers the job until the sliding window has room.
func (p *Pipeline) waitForRateSlot(ctx context.Context) error {
	ok, err := p.limiter.CanCall(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	next, err := p.limiter.NextAvailable(ctx)
	if err != nil {
		return err
	}
	return queue.Defer(time.Until(next), "rate limit window full")
}

// loadBatch resolves the job payload to a batch row.
func (p *Pipeline) loadBatch(ctx context.Context, job *queue.Job) (*verify.Batch, error) {
	var payload batchPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	id, err := uuid.Parse(payload.BatchID)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", payload.BatchID, err)
	}
	return p.store.GetBatch(ctx, id)
}
