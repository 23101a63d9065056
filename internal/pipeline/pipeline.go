// Package pipeline orchestrates the batch verification flow: submission,
// batch creation, status polling, result download, failure handling and
// periodic housekeeping. Each stage runs as a job on its own queue.
package pipeline

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/list-verifier/internal/archive"
	"github.com/ignite/list-verifier/internal/bouncer"
	"github.com/ignite/list-verifier/internal/breaker"
	"github.com/ignite/list-verifier/internal/composer"
	"github.com/ignite/list-verifier/internal/config"
	"github.com/ignite/list-verifier/internal/deadletter"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/ratelimit"
	"github.com/ignite/list-verifier/internal/verify"
)

// VerifierAPI is the provider surface the pipeline needs. *bouncer.Client
// satisfies it; tests substitute a stub.
type VerifierAPI interface {
	CreateBatch(ctx context.Context, emails []string) (*bouncer.CreateBatchResponse, error)
	GetStatus(ctx context.Context, batchID string) (*bouncer.StatusResponse, error)
	DownloadResults(ctx context.Context, batchID string) ([]bouncer.EmailResult, error)
}

// Pipeline owns the verification job handlers and their dependencies.
// Everything is constructed explicitly and injected; there is no package
// level queue or connection state.
type Pipeline struct {
	store       *verify.Store
	jobs        *queue.Store
	limiter     *ratelimit.Limiter
	breaker     *breaker.Breaker
	client      VerifierAPI
	composer    *composer.Composer
	deadLetters *deadletter.Store
	archiver    *archive.Archiver // nil when archival is disabled
	cfg         config.PipelineConfig

	pools []*queue.Pool
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Store       *verify.Store
	Jobs        *queue.Store
	Limiter     *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Client      VerifierAPI
	Composer    *composer.Composer
	DeadLetters *deadletter.Store
	Archiver    *archive.Archiver
}

// New creates a Pipeline.
func New(deps Deps, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{
		store:       deps.Store,
		jobs:        deps.Jobs,
		limiter:     deps.Limiter,
		breaker:     deps.Breaker,
		client:      deps.Client,
		composer:    deps.Composer,
		deadLetters: deps.DeadLetters,
		archiver:    deps.Archiver,
		cfg:         cfg,
	}
}

// Start launches one worker pool per queue and seeds the periodic cleanup
// and health jobs. Pools run until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context, redisClient *redis.Client, queues config.QueuesConfig) {
	verification := queue.NewPool(p.jobs, redisClient, queue.PoolConfig{
		Queue:          queue.QueueVerification,
		Concurrency:    queues.Verification.Concurrency,
		CallsPerMinute: queues.Verification.CallsPerMinute,
	})
	verification.Register(queue.JobCreateBatch, p.HandleCreateBatch)
	verification.Register(queue.JobRetryFailedBatch, p.HandleCreateBatch)

	statusCheck := queue.NewPool(p.jobs, redisClient, queue.PoolConfig{
		Queue:          queue.QueueStatusCheck,
		Concurrency:    queues.StatusCheck.Concurrency,
		CallsPerMinute: queues.StatusCheck.CallsPerMinute,
	})
	statusCheck.Register(queue.JobCheckBatchStatus, p.HandleStatusCheck)

	download := queue.NewPool(p.jobs, redisClient, queue.PoolConfig{
		Queue:          queue.QueueDownload,
		Concurrency:    queues.Download.Concurrency,
		CallsPerMinute: queues.Download.CallsPerMinute,
	})
	download.Register(queue.JobDownloadResults, p.HandleDownload)

	cleanup := queue.NewPool(p.jobs, redisClient, queue.PoolConfig{
		Queue:       queue.QueueCleanup,
		Concurrency: queues.Cleanup.Concurrency,
	})
	cleanup.Register(queue.JobCleanupRateLimits, p.HandleCleanup)
	cleanup.Register(queue.JobHealthCheck, p.HandleHealthCheck)

	p.pools = []*queue.Pool{verification, statusCheck, download, cleanup}
	for _, pool := range p.pools {
		pool.Start(ctx)
	}

	p.seedPeriodicJobs(ctx)
}

// Wait blocks until every pool has drained its workers.
func (p *Pipeline) Wait() {
	for _, pool := range p.pools {
		pool.Wait()
	}
}

// batchPayload is the payload shared by batch-scoped jobs.
type batchPayload struct {
	BatchID string `json:"batch_id"`
}
