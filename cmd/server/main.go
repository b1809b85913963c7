package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/api"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/delivery"
	"github.com/ignite/outreach-engine/internal/lead"
	"github.com/ignite/outreach-engine/internal/sequence"
	"github.com/ignite/outreach-engine/internal/suppression"
	"github.com/ignite/outreach-engine/internal/trigger"
)

func main() {
	log.Println("Starting Outreach Engine API server...")

	cfg := loadConfig()

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
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
		} else {
			log.Println("Connected to redis")
		}
	}

	engine, sched, triggerStore, unsub := buildEngine(cfg, db, redisClient)

	handlers := api.NewHandlers(triggerStore, engine, sched)
	router := api.SetupRoutes(handlers, unsub)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
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

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetimeDuration())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// buildEngine wires the full trigger/sequence stack on top of one database
// handle. Shared by the server and the worker binary.
func buildEngine(cfg *config.Config, db *sql.DB, redisClient *redis.Client) (*trigger.Engine, *sequence.Scheduler, *trigger.Store, *api.UnsubscribeHandlers) {
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
		log.Printf("SES transport ready, region=%s", cfg.SES.Region)
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

	enrollSvc := sequence.NewService(seqStore, seqStore, seqStore, leadStore, gate, seqStore, sched)

	webhooks := trigger.NewWebhookSender(cfg.Triggers.WebhookSigningKey, cfg.Triggers.WebhookTimeout())
	limiter := trigger.NewLimiter(triggerStore)
	dispatcher := trigger.NewDispatcher(triggerStore, seqStore, enrollSvc, leadStore, webhooks)
	engine := trigger.NewEngine(triggerStore, triggerStore, leadStore, limiter, dispatcher)
	sched.SetActionRunner(engine)

	unsub := api.NewUnsubscribeHandlers(suppStore, suppStore, gate, enrollSvc)
	return engine, sched, triggerStore, unsub
}
