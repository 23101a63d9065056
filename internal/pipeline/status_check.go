package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/list-verifier/internal/bouncer"
	"github.com/ignite/list-verifier/internal/breaker"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// HandleStatusCheck polls the provider for one in-flight batch. The job
// re-defers itself until the batch reaches a terminal provider status or
// the overall batch timeout expires.
func (p *Pipeline) HandleStatusCheck(ctx context.Context, job *queue.Job) error {
	batch, err := p.loadBatch(ctx, job)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return nil
	}
	if !batch.BouncerBatchID.Valid {
		return fmt.Errorf("batch %s has no provider batch id", batch.ID)
	}

	age, err := p.store.BatchAge(ctx, batch.ID)
	if err != nil {
		return err
	}
	if age > p.cfg.BatchTimeout() {
		return p.failBatch(ctx, batch,
			fmt.Errorf("batch processing timeout after %s", age.Round(time.Second)))
	}

	if err := p.waitForRateSlot(ctx); err != nil {
		return err
	}
	if err := p.limiter.Record(ctx); err != nil {
		return err
	}

	var resp *bouncer.StatusResponse
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.GetStatus(ctx, batch.BouncerBatchID.String)
		return callErr
	})
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			return queue.Defer(time.Until(open.NextAttempt), "circuit breaker open")
		}
		kind := verify.Classify(err)
		if kind == verify.PaymentRequired || kind == verify.PermanentFailure {
			return p.failBatch(ctx, batch, err)
		}
		// Transient poll failure. The batch may be fine at the provider,
		// so re-poll instead of burning retry budget; the batch timeout
		// bounds how long this can go on.
		return queue.Defer(p.cfg.StatusCheckDelay(),
			fmt.Sprintf("status poll failed: %v", err))
	}

	switch bouncer.ParseStatus(resp.Status) {
	case bouncer.StatusCompleted:
		if err := p.store.TransitionBatch(ctx, batch.ID, verify.BatchDownloading); err != nil {
			return err
		}
		_, err := p.jobs.Enqueue(ctx, queue.QueueDownload, queue.JobDownloadResults,
			batchPayload{BatchID: batch.ID.String()}, queue.WithPriority(8))
		return err

	case bouncer.StatusFailed:
		cause := resp.Error
		if cause == "" {
			cause = "provider reported batch failed"
		}
		return p.failBatch(ctx, batch, errors.New(cause))

	case bouncer.StatusQueued, bouncer.StatusProcessing:
		return queue.Defer(p.cfg.StatusCheckDelay(),
			fmt.Sprintf("batch %s at provider, progress %d%%", resp.Status, resp.Progress))

	default:
		log.Printf("[Pipeline] Batch %s: unknown provider status %q, re-polling in %s",
			batch.ID, resp.Status, p.cfg.UnknownStatusDelay())
		return queue.Defer(p.cfg.UnknownStatusDelay(),
			fmt.Sprintf("unknown provider status %q", resp.Status))
	}
}
