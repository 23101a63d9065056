package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one claimed job. Returning nil completes the job;
// returning a *DeferError re-enqueues it after the delay without counting
// a failure; any other error retries the job with backoff until its claim
// budget is spent, then fails it.
type Handler func(ctx context.Context, job *Job) error

// maxJobAttempts bounds handler-error retries per job. Deferrals hand
// their attempt back and never count against this.
const (
	maxJobAttempts  = 5
	jobRetryBackoff = 15 * time.Second
)

// PoolConfig configures one queue's worker pool.
type PoolConfig struct {
	Queue          string
	Concurrency    int
	CallsPerMinute int // external-call ceiling, 0 = none
	PollInterval   time.Duration
}

// Pool runs a fixed set of workers over one queue, dispatching to handlers
// registered by job type. The pool's external-call ceiling is coordinated
// through Redis so every worker process shares the same minute budget.
type Pool struct {
	store    *Store
	redis    *redis.Client
	cfg      PoolConfig
	handlers map[string]Handler

	ceilingScript *redis.Script

	completed int64
	failed    int64
	deferred  int64

	wg sync.WaitGroup
}

const ceilingLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, 120)
end
return 1
`

// NewPool creates a worker pool for one queue.
func NewPool(store *Store, redisClient *redis.Client, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		store:         store,
		redis:         redisClient,
		cfg:           cfg,
		handlers:      make(map[string]Handler),
		ceilingScript: redis.NewScript(ceilingLuaScript),
	}
}

// Register binds a handler to a job type.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Start launches the worker goroutines. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[Queue:%s] Starting %d workers (ceiling=%d/min)",
		p.cfg.Queue, p.cfg.Concurrency, p.cfg.CallsPerMinute)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	log.Printf("[Queue:%s] Stopped. completed=%d failed=%d deferred=%d",
		p.cfg.Queue, atomic.LoadInt64(&p.completed),
		atomic.LoadInt64(&p.failed), atomic.LoadInt64(&p.deferred))
}

func (p *Pool) worker(ctx context.Context, num int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.Claim(ctx, p.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Queue:%s] Worker %d claim error: %v", p.cfg.Queue, num, err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if job == nil {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}

		p.runJob(ctx, job)
	}
}

func (p *Pool) runJob(ctx context.Context, job *Job) {
	// Per-queue external-call budget. A job deferred here releases its
	// worker slot immediately instead of blocking on the budget.
	if p.cfg.CallsPerMinute > 0 && !p.ceilingAllows(ctx) {
		delay := time.Duration(60-time.Now().Second()) * time.Second
		p.release(ctx, job, delay, "queue call ceiling reached")
		return
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		log.Printf("[Queue:%s] No handler for job type %q, failing job %s", p.cfg.Queue, job.Type, job.ID)
		atomic.AddInt64(&p.failed, 1)
		p.store.Fail(ctx, job.ID, fmt.Sprintf("no handler for job type %q", job.Type))
		return
	}

	err := handler(ctx, job)
	switch e := err.(type) {
	case nil:
		atomic.AddInt64(&p.completed, 1)
		if err := p.store.Complete(ctx, job.ID); err != nil {
			log.Printf("[Queue:%s] Complete error for %s: %v", p.cfg.Queue, job.ID, err)
		}
	case *DeferError:
		p.release(ctx, job, e.Delay, e.Reason)
	default:
		// Handler errors here are infrastructure trouble (a dropped DB
		// connection, a failed enqueue); domain failures are settled by
		// the handlers themselves. Retry before writing the job off, or
		// the batch behind it strands mid-pipeline.
		if job.Attempts < maxJobAttempts {
			delay := time.Duration(job.Attempts) * jobRetryBackoff
			log.Printf("[Queue:%s] Job %s attempt %d/%d failed, retrying in %s: %v",
				p.cfg.Queue, job.ID, job.Attempts, maxJobAttempts, delay, err)
			if rerr := p.store.Retry(ctx, job.ID, delay, err.Error()); rerr != nil {
				log.Printf("[Queue:%s] Retry error for %s: %v", p.cfg.Queue, job.ID, rerr)
			}
			return
		}
		atomic.AddInt64(&p.failed, 1)
		if ferr := p.store.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Printf("[Queue:%s] Fail error for %s: %v", p.cfg.Queue, job.ID, ferr)
		}
	}
}

func (p *Pool) release(ctx context.Context, job *Job, delay time.Duration, reason string) {
	atomic.AddInt64(&p.deferred, 1)
	if delay <= 0 {
		delay = time.Second
	}
	if err := p.store.Release(ctx, job.ID, delay, reason); err != nil {
		log.Printf("[Queue:%s] Release error for %s: %v", p.cfg.Queue, job.ID, err)
	}
}

// ceilingAllows checks the shared per-queue minute budget. Without Redis
// the ceiling is skipped; the persisted rate limiter still gates provider
// calls, this budget only smooths them per queue.
func (p *Pool) ceilingAllows(ctx context.Context) bool {
	if p.redis == nil {
		return true
	}
	key := fmt.Sprintf("verifier:queue:%s:min:%d", p.cfg.Queue, time.Now().Unix()/60)
	allowed, err := p.ceilingScript.Run(ctx, p.redis, []string{key}, p.cfg.CallsPerMinute).Int()
	if err != nil {
		log.Printf("[Queue:%s] Ceiling check error: %v", p.cfg.Queue, err)
		return true
	}
	return allowed == 1
}

// Counters returns the pool's processed counts since start.
func (p *Pool) Counters() (completed, failed, deferred int64) {
	return atomic.LoadInt64(&p.completed), atomic.LoadInt64(&p.failed), atomic.LoadInt64(&p.deferred)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
