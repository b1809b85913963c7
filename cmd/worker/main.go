package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/delivery"
	"github.com/ignite/outreach-engine/internal/lead"
	"github.com/ignite/outreach-engine/internal/sequence"
	"github.com/ignite/outreach-engine/internal/suppression"
	"github.com/ignite/outreach-engine/internal/trigger"
	"github.com/ignite/outreach-engine/internal/worker"
)

func main() {
	log.Println("Starting Outreach Engine step worker...")

	cfg := loadConfig()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetimeDuration())

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unavailable, suppression cache disabled: %v", err)
			redisClient = nil
		}
	}

	sched := buildScheduler(cfg, db, redisClient)
	sweeper := worker.NewSweeper(sched, cfg.Scheduler.TickInterval())
	sweeper.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")
	sweeper.Stop()

	totals := sweeper.Totals()
	log.Printf("Worker stopped. Lifetime: processed=%d sent=%d skipped=%d failed=%d",
		totals.Processed, totals.Sent, totals.Skipped, totals.Failed)
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("No config file at %s, using environment", path)
		return config.LoadFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func buildScheduler(cfg *config.Config, db *sql.DB, redisClient *redis.Client) *sequence.Scheduler {
	leadStore := lead.NewStore(db, cfg.Triggers.UpdatableLeadFields)
	triggerStore := trigger.NewStore(db)
	seqStore := sequence.NewStore(db)
	suppStore := suppression.NewStore(db)

	gate := suppression.NewGate(suppStore, redisClient, cfg.Redis.CacheTTL())
	tokens := suppression.NewTokenIssuer(suppStore,
		time.Duration(cfg.Unsubscribe.TokenTTLHours)*time.Hour)

	var transport delivery.EmailSender
	if cfg.SES.Enabled {
		ses, err := delivery.NewSESSender(context.Background(), cfg.SES)
		if err != nil {
			log.Fatalf("Failed to initialize SES: %v", err)
		}
		transport = ses
	} else {
		transport = delivery.LogSender{}
		log.Println("SES disabled, using dry-run transport")
	}

	stepSender := delivery.NewStepSender(delivery.NewRenderer(), transport,
		tokens, leadStore, cfg.Unsubscribe.PublicBaseURL)

	window := sequence.Window{
		StartHour:    cfg.Scheduler.BusinessHourStart,
		EndHour:      cfg.Scheduler.BusinessHourEnd,
		SkipWeekends: cfg.Scheduler.SkipWeekends,
		DefaultTZ:    cfg.Scheduler.DefaultTimezone,
	}
	sched := sequence.NewScheduler(seqStore, seqStore, seqStore, leadStore, gate, stepSender, window)
	sched.SetBatchSize(cfg.Scheduler.BatchSize)

	// Delayed trigger actions in the work queue need the full trigger
	// engine behind them.
	enrollSvc := sequence.NewService(seqStore, seqStore, seqStore, leadStore, gate, seqStore, sched)
	webhooks := trigger.NewWebhookSender(cfg.Triggers.WebhookSigningKey, cfg.Triggers.WebhookTimeout())
	limiter := trigger.NewLimiter(triggerStore)
	dispatcher := trigger.NewDispatcher(triggerStore, seqStore, enrollSvc, leadStore, webhooks)
	engine := trigger.NewEngine(triggerStore, triggerStore, leadStore, limiter, dispatcher)
	sched.SetActionRunner(engine)

	return sched
}
