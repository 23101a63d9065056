package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"

	"github.com/ignite/list-verifier/internal/api"
	"github.com/ignite/list-verifier/internal/archive"
	"github.com/ignite/list-verifier/internal/bouncer"
	"github.com/ignite/list-verifier/internal/breaker"
	"github.com/ignite/list-verifier/internal/composer"
	"github.com/ignite/list-verifier/internal/config"
	"github.com/ignite/list-verifier/internal/deadletter"
	"github.com/ignite/list-verifier/internal/pipeline"
	"github.com/ignite/list-verifier/internal/queue"
	"github.com/ignite/list-verifier/internal/ratelimit"
	"github.com/ignite/list-verifier/internal/verify"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting list-verifier worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Bouncer.APIKey == "" {
		log.Fatal("BOUNCER_API_KEY is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// Redis only carries the secondary cap and queue ceilings;
			// Postgres remains authoritative, so degrade instead of dying.
			log.Printf("Redis unavailable, continuing without secondary caps: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
			defer redisClient.Close()
		}
	}

	store := verify.NewStore(db)
	jobs := queue.NewStore(db, os.Getenv("WORKER_ID"))
	limiter := ratelimit.New(db,
		ratelimit.WithLimits(cfg.RateLimit.MaxRequestsPerMinute, cfg.RateLimit.Window()),
		ratelimit.WithRedis(redisClient),
	)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		OnStateChange: func(from, to breaker.State) {
			log.Printf("[Breaker] %s -> %s", from, to)
		},
	})
	deadLetters := deadletter.NewStore(db, store, jobs, 0)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(context.Background(), cfg.Archive)
		if err != nil {
			log.Fatalf("Failed to set up archive: %v", err)
		}
		log.Printf("Result archival enabled (bucket %s)", cfg.Archive.S3Bucket)
	}

	p := pipeline.New(pipeline.Deps{
		Store:       store,
		Jobs:        jobs,
		Limiter:     limiter,
		Breaker:     brk,
		Client:      bouncer.NewClient(cfg.Bouncer),
		Composer:    composer.New(composer.Strategy(cfg.Pipeline.ComposerStrategy)),
		DeadLetters: deadLetters,
		Archiver:    archiver,
	}, cfg.Pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, redisClient, cfg.Queues)

	var statusServer *http.Server
	if cfg.Status.Enabled {
		handlers := api.NewHandlers(p, store, deadLetters)
		statusServer = &http.Server{
			Addr:    cfg.Status.Addr,
			Handler: api.SetupRoutes(handlers),
		}
		go func() {
			log.Printf("Status API listening on %s", cfg.Status.Addr)
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Status API error: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	cancel()
	if statusServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		statusServer.Shutdown(shutdownCtx)
	}
	p.Wait()
	log.Println("Worker stopped")
}
