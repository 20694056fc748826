package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/journey-engine/internal/config"
	"github.com/ignite/journey-engine/internal/contacts"
	"github.com/ignite/journey-engine/internal/executor"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
	"github.com/ignite/journey-engine/internal/transport"
	"github.com/ignite/journey-engine/internal/trigger"
	"github.com/ignite/journey-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	log.Println("Starting journey engine...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
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
			log.Fatalf("Invalid Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unreachable, send throttling disabled: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	clock := schedule.System()
	st := store.New(db)
	cs := contacts.NewStore(db)

	q := queue.NewStore(db, clock)
	q.SetRetryPolicy(cfg.Engine.MaxAttempts,
		time.Duration(cfg.Engine.BackoffBaseSecs)*time.Second,
		time.Duration(cfg.Engine.BackoffCapSecs)*time.Second)
	if redisClient != nil {
		q.SetThrottle(queue.NewSendThrottle(redisClient, clock))
	}

	var sender transport.EmailSender
	if cfg.SES.Enabled {
		sesSender, err := transport.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Fatalf("Failed to initialize SES: %v", err)
		}
		sender = sesSender
		log.Printf("SES transport initialized (region %s)", cfg.SES.Region)
	} else {
		log.Println("SES disabled; send_email steps will fail permanently")
	}

	var notifier transport.Notifier = transport.LogNotifier{}
	if sender != nil {
		notifier = transport.NewEmailNotifier(sender, "Journey Engine", "alerts@ignite.media")
	}

	renderer := executor.NewRenderer()
	tracker := executor.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	keys := executor.NewKeyFactory(cfg.Engine.IdempotencyKeyID)
	exec := executor.New(st, cs, sender, transport.NewWebhookCaller(), notifier,
		renderer, tracker, keys, clock)

	router := trigger.NewRouter(st, cs, q, clock)

	runner := worker.NewRunner(db, st, cs, q, exec, clock, cfg.Engine)
	runner.Start()
	log.Printf("Dispatch pool started (%d workers, id %s)", cfg.Engine.Workers, runner.WorkerID())

	recovery := worker.NewRecovery(q, time.Duration(cfg.Engine.RecoverySeconds)*time.Second)
	recovery.Start()
	log.Printf("Lease recovery started (every %ds)", cfg.Engine.RecoverySeconds)

	var sweeper *trigger.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper = trigger.NewSweeper(st, router, clock, cfg.Sweeper.Interval(), redisClient, db)
		sweeper.Start()
		log.Printf("Trigger sweeper started (every %s)", cfg.Sweeper.Interval())
	}

	delivery := worker.NewDeliveryServer(st, cs, q, router, tracker)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      delivery.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("Delivery/tracking server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	recovery.Stop()
	runner.Stop()

	log.Println("Engine stopped")
}
