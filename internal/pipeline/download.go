package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/list-verifier/internal/bouncer"
	"github.com/ignite/list-verifier/internal/breaker"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/verify"
)

// HandleDownload fetches a completed batch's results and persists them in
// one transaction: results rows, the contact cache refresh and the
// batch/item completion all land together or not at all. The raw payload
// is archived to S3 afterwards on a best-effort basis.
func (p *Pipeline) HandleDownload(ctx context.Context, job *queue.Job) error {
	batch, err := p.loadBatch(ctx, job)
	if err != nil {
		return err
	}
	if batch.Status == verify.BatchCompleted {
		// A duplicate download job (recovery requeue) already landed.
		return nil
	}
	if batch.Status == verify.BatchFailed {
		return nil
	}
	if !batch.BouncerBatchID.Valid {
		return errors.New("batch has no provider batch id")
	}

	if err := p.waitForRateSlot(ctx); err != nil {
		return err
	}
	if err := p.limiter.Record(ctx); err != nil {
		return err
	}

	var raw []bouncer.EmailResult
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = p.client.DownloadResults(ctx, batch.BouncerBatchID.String)
		return callErr
	})
	if err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			return queue.Defer(time.Until(open.NextAttempt), "circuit breaker open")
		}
		return p.failBatch(ctx, batch, err)
	}

	items, err := p.store.ItemsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	emailIDs := make(map[string]uuid.UUID, len(items))
	for _, it := range items {
		emailIDs[strings.ToLower(it.Email)] = it.EmailID
	}

	results := make([]verify.Result, 0, len(raw))
	var deliverable int
	for _, r := range raw {
		emailID, ok := emailIDs[strings.ToLower(r.Email)]
		if !ok {
			// Provider can echo duplicates it merged; keep the result but
			// mint an id so it still lands in the results table.
			emailID = uuid.New()
		}
		if r.Status == "deliverable" {
			deliverable++
		}
		results = append(results, verify.Result{
			BatchID:     batch.ID,
			EmailID:     emailID,
			Email:       r.Email,
			Status:      r.Status,
			Reason:      r.Reason,
			Score:       r.Score,
			Toxic:       r.Toxic,
			Toxicity:    r.Toxicity,
			Provider:    r.Provider,
			DomainInfo:  r.DomainInfo,
			AccountInfo: r.AccountInfo,
			DNSInfo:     r.DNSInfo,
		})
	}

	if err := p.store.StoreResults(ctx, batch.ID, results); err != nil {
		return err
	}
	log.Printf("[Pipeline] Batch %s completed: %d results stored (%d deliverable)",
		batch.ID, len(results), deliverable)

	if p.archiver != nil {
		key, err := p.archiver.StoreResults(ctx, batch.ID.String(), raw)
		if err != nil {
			// Archival is best effort: results are already durable in
			// Postgres, so an S3 failure must not fail the batch.
			log.Printf("[Pipeline] Archive for batch %s failed: %v", batch.ID, err)
		} else {
			log.Printf("[Pipeline] Batch %s raw results archived at %s", batch.ID, key)
		}
	}
	return nil
}
