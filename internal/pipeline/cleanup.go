package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/ignite/list-verifier/internal/queue"
)

const (
	cleanupInterval     = 5 * time.Minute
	healthInterval      = time.Minute
	stuckJobAge         = 10 * time.Minute
	maxJobAttempts      = 5
	completedRetention  = 24 * time.Hour
	deadLetterRetention = 30 // days, reviewed entries only
)

// seedPeriodicJobs enqueues the recurring cleanup and health jobs unless a
// pending one already exists (another worker process, or a restart).
func (p *Pipeline) seedPeriodicJobs(ctx context.Context) {
	for _, jobType := range []string{queue.JobCleanupRateLimits, queue.JobHealthCheck} {
		pending, err := p.jobs.HasPending(ctx, queue.QueueCleanup, jobType)
		if err != nil {
			log.Printf("[Pipeline] Seed check for %s: %v", jobType, err)
			continue
		}
		if pending {
			continue
		}
		if _, err := p.jobs.Enqueue(ctx, queue.QueueCleanup, jobType, nil); err != nil {
			log.Printf("[Pipeline] Seed %s: %v", jobType, err)
		}
	}
}

// HandleCleanup runs housekeeping: expired rate-limit rows, stuck jobs,
// completed-job retention and aged reviewed dead letters. It reschedules
// itself; individual steps failing does not stop the others.
func (p *Pipeline) HandleCleanup(ctx context.Context, job *queue.Job) error {
	if n, err := p.limiter.Cleanup(ctx); err != nil {
		log.Printf("[Cleanup] Rate limit purge: %v", err)
	} else if n > 0 {
		log.Printf("[Cleanup] Purged %d expired rate limit records", n)
	}

	requeued, failed, err := p.jobs.RecoverStuck(ctx, stuckJobAge, maxJobAttempts)
	if err != nil {
		log.Printf("[Cleanup] Job recovery: %v", err)
	} else if requeued > 0 || failed > 0 {
		log.Printf("[Cleanup] Recovered stuck jobs: %d requeued, %d failed", requeued, failed)
	}

	if n, err := p.jobs.PurgeCompleted(ctx, completedRetention); err != nil {
		log.Printf("[Cleanup] Completed job purge: %v", err)
	} else if n > 0 {
		log.Printf("[Cleanup] Purged %d completed jobs", n)
	}

	if n, err := p.deadLetters.Cleanup(ctx, deadLetterRetention, true); err != nil {
		log.Printf("[Cleanup] Dead letter purge: %v", err)
	} else if n > 0 {
		log.Printf("[Cleanup] Purged %d reviewed dead letters", n)
	}

	_, err = p.jobs.Enqueue(ctx, queue.QueueCleanup, queue.JobCleanupRateLimits, nil,
		queue.WithDelay(cleanupInterval))
	return err
}
