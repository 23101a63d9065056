package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ignite/list-verifier/internal/queue"
)

// Health is a point-in-time view of the pipeline for the status boundary.
type Health struct {
	Queues          map[string]queue.QueueStats `json:"queues"`
	RateUtilization float64                     `json:"rate_utilization"`
	RateLimit       int                         `json:"rate_limit_per_minute"`
	BreakerState    string                      `json:"breaker_state"`
	BreakerFailures int                         `json:"breaker_failures"`
	ActiveBatches   int                         `json:"active_batches"`
	TakenAt         time.Time                   `json:"taken_at"`
}

// Health assembles the current snapshot without persisting it.
func (p *Pipeline) Health(ctx context.Context) (*Health, error) {
	stats, err := p.jobs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	util, err := p.limiter.Utilization(ctx)
	if err != nil {
		return nil, err
	}
	active, err := p.store.CountActiveBatches(ctx)
	if err != nil {
		return nil, err
	}
	bs := p.breaker.GetStats()
	return &Health{
		Queues:          stats,
		RateUtilization: util,
		RateLimit:       p.limiter.MaxRequests(),
		BreakerState:    bs.State.String(),
		BreakerFailures: bs.FailureCount,
		ActiveBatches:   active,
		TakenAt:         time.Now().UTC(),
	}, nil
}

// HandleHealthCheck persists a health snapshot and reschedules itself.
// Snapshots give operators a trail of queue depth, rate utilization and
// breaker state between incidents.
func (p *Pipeline) HandleHealthCheck(ctx context.Context, job *queue.Job) error {
	h, err := p.Health(ctx)
	if err != nil {
		return err
	}

	queueStats, err := json.Marshal(h.Queues)
	if err != nil {
		return fmt.Errorf("encode queue stats: %w", err)
	}
	_, err = p.store.DB().ExecContext(ctx, `
		INSERT INTO verifier_health_snapshots (queue_stats, rate_utilization, breaker_state, active_batches)
		VALUES ($1, $2, $3, $4)
	`, queueStats, h.RateUtilization, h.BreakerState, h.ActiveBatches)
	if err != nil {
		return fmt.Errorf("store health snapshot: %w", err)
	}

	if h.BreakerState != "closed" || h.RateUtilization > 0.9 {
		log.Printf("[Health] breaker=%s utilization=%.0f%% active_batches=%d",
			h.BreakerState, h.RateUtilization*100, h.ActiveBatches)
	}

	_, err = p.jobs.Enqueue(ctx, queue.QueueCleanup, queue.JobHealthCheck, nil,
		queue.WithDelay(healthInterval))
	return err
}
