package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/outreach-engine/internal/anomaly"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/gmail"
	"github.com/ignite/outreach-engine/internal/worker"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("[Worker] Starting send worker...")

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("[Worker] Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("[Worker] Redis unavailable (%v), notification dedup disabled", err)
			redisClient = nil
		}
	}

	credentials := gmail.NewDBCredentialProvider(db, cfg.Google.ClientID, cfg.Google.ClientSecret)
	notifier := anomaly.NewDBNotifier(db, redisClient)
	detector := anomaly.NewDetector(db, notifier)
	sendWorker := worker.NewSendWorker(db, credentials, gmail.NewAPISender(), detector, cfg.Unsubscribe.BaseURL)
	sendWorker.SetInterSendDelay(cfg.Worker.InterSendDelay())

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Printf("[Worker] Received %v, finishing current batch then exiting", sig)
		cancelRun()
	}()

	ticker := time.NewTicker(cfg.Worker.PollInterval())
	defer ticker.Stop()
	log.Printf("[Worker] Polling every %s, batch limit %d", cfg.Worker.PollInterval(), cfg.Worker.BatchLimit)

	// Process immediately on startup, then on every tick.
	runBatch(ctx, sendWorker, cfg.Worker.BatchLimit)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Worker] Stopped")
			return
		case <-ticker.C:
			runBatch(ctx, sendWorker, cfg.Worker.BatchLimit)
		}
	}
}

func runBatch(ctx context.Context, w *worker.SendWorker, limit int) {
	if ctx.Err() != nil {
		return
	}
	result, err := w.ProcessPendingEmails(ctx, limit)
	if err != nil {
		log.Printf("[Worker] Batch failed: %v", err)
		return
	}
	if result.Processed > 0 {
		log.Printf("[Worker] Batch done: processed=%d sent=%d skipped=%d quota=%d cancelled=%d racing=%d failed=%d in %dms",
			result.Processed, result.Sent, result.Skipped, result.SkippedQuota,
			result.Cancelled, result.AlreadyProcessing, result.Failed, result.DurationMs)
	}
}
