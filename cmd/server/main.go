package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-queue/internal/api"
	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/mailing"
	"github.com/ignite/newsletter-queue/internal/metrics"
	"github.com/ignite/newsletter-queue/internal/pkg/distlock"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/repository/postgres"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
	"github.com/ignite/newsletter-queue/internal/storage"
	"github.com/ignite/newsletter-queue/internal/tracking"
	"github.com/ignite/newsletter-queue/internal/worker"
)

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", extractHost(cfg.URL), err)
	}
	return db, nil
}

func openRedis(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled || cfg.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Printf("Invalid REDIS_URL, continuing without Redis: %v", err)
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unreachable, continuing without it: %v", err)
		client.Close()
		return nil
	}
	return client
}

func main() {
	log.Println("Starting newsletter queue server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)

	db, err := openDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Printf("Connected to database at %s", extractHost(cfg.Database.URL))

	redisClient := openRedis(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
		log.Println("Connected to Redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := postgres.NewNewsletterStore(db)

	// Dispatcher: SES when enabled, otherwise the development sender.
	var dispatcher newsletter.Dispatcher = worker.DevSender{}
	if cfg.SES.Enabled {
		sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			Region:           cfg.SES.Region,
			FromEmail:        cfg.SES.FromEmail,
			FromName:         cfg.SES.FromName,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			log.Fatalf("Failed to initialize SES: %v", err)
		}
		dispatcher = sesSender
		log.Printf("SES dispatcher initialized (region %s)", cfg.SES.Region)
	} else {
		log.Println("SES disabled, using development dispatcher")
	}

	rl := cfg.RateLimit
	if redisClient != nil && (rl.PerSecond > 0 || rl.PerMinute > 0 || rl.Daily > 0) {
		limiter := worker.NewRateLimiter(redisClient, "newsletter", worker.RateLimit{
			PerSecond: rl.PerSecond,
			PerMinute: rl.PerMinute,
			Daily:     rl.Daily,
		})
		dispatcher = worker.NewThrottledSender(dispatcher, limiter)
		log.Printf("Send rate limits active: %d/s, %d/min, %d/day", rl.PerSecond, rl.PerMinute, rl.Daily)
	}

	// AWS side stores are optional.
	var awsClients *storage.AWSClients
	if cfg.Storage.S3Bucket != "" || cfg.Storage.DynamoDBTable != "" || cfg.Tracking.OutcomeQueueURL != "" {
		awsClients, err = storage.NewAWSClients(ctx, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
		if err != nil {
			log.Fatalf("Failed to initialize AWS clients: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)
	observers := []newsletter.Observer{collector}

	var attachments newsletter.AttachmentLoader
	if cfg.Storage.S3Bucket != "" {
		attachments = storage.NewS3AttachmentLoader(awsClients.S3, cfg.Storage.S3Bucket)
		log.Printf("Attachments loaded from s3://%s", cfg.Storage.S3Bucket)
	}

	var archive *storage.ReportArchive
	if cfg.Storage.DynamoDBTable != "" {
		archive = storage.NewReportArchive(awsClients.Dynamo, cfg.Storage.DynamoDBTable)
		observers = append(observers, archive)
		log.Printf("Campaign reports archived to DynamoDB table %s", cfg.Storage.DynamoDBTable)
	}

	var outcomes *tracking.Publisher
	if cfg.Tracking.OutcomeQueueURL != "" {
		outcomes = tracking.NewPublisher(awsClients.SQS, cfg.Tracking.OutcomeQueueURL)
		observers = append(observers, outcomes)
		log.Println("Job outcomes published to SQS")
	}

	var lock newsletter.RunLock
	if cfg.Lock.Enabled {
		lock = distlock.NewLock(redisClient, db, cfg.Lock.Key, cfg.Lock.TTL())
		log.Printf("Processor lock %q enabled", cfg.Lock.Key)
	}

	engine, err := newsletter.NewEngine(newsletter.Dependencies{
		Store:       store,
		Dispatcher:  dispatcher,
		Renderer:    mailing.NewNewsletterRenderer(cfg.Site.Name, cfg.Site.URL),
		Links:       mailing.NewLinkBuilder(cfg.Tracking.BaseURL, cfg.Tracking.OrgID, cfg.Tracking.SigningKey),
		Attachments: attachments,
		Observer:    newsletter.Observers(observers...),
		Lock:        lock,
	}, newsletter.Config{
		BatchSize:        cfg.Queue.BatchSize,
		ProcessingDelay:  cfg.Queue.ProcessingDelay(),
		BatchDelay:       cfg.Queue.BatchDelay(),
		MaxAttempts:      cfg.Queue.MaxAttempts,
		SendTimeout:      cfg.Queue.SendTimeout(),
		IdlePollInterval: cfg.Queue.IdlePoll(),
		RetentionDays:    cfg.Queue.RetentionDays,
	})
	if err != nil {
		log.Fatalf("Failed to build newsletter engine: %v", err)
	}

	engineDone := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(engineDone)
	}()
	log.Println("Newsletter processor started")

	// Requeueing a job younger than the longest possible job can send it twice.
	staleAge := cfg.Queue.StaleProcessing()
	if floor := engine.Config().MaxJobDuration(); staleAge < floor {
		log.Printf("stale_processing_minutes below the longest job duration, using %s", floor)
		staleAge = floor
	}

	queueRecovery := worker.NewQueueRecoveryWorker(engine, 0, staleAge)
	go queueRecovery.Start(ctx)
	log.Printf("Queue Recovery Worker started (requeues PROCESSING jobs older than %s)", staleAge)

	dataCleanup := worker.NewDataCleanupWorker(engine, cfg.Queue.CleanupInterval(), cfg.Queue.RetentionDays)
	go dataCleanup.Start(ctx)
	log.Printf("Data Cleanup Worker started (every %s, keeps %d days)", cfg.Queue.CleanupInterval(), cfg.Queue.RetentionDays)

	// HTTP surface
	handlers := api.NewHandlers(engine, cfg.Queue.RetentionDays, staleAge)
	handlers.SetSubscriberLister(store)
	if archive != nil {
		handlers.SetReportLister(archive)
	}

	var healthChecker *api.HealthChecker
	if awsClients != nil {
		healthChecker = api.NewHealthChecker(db, redisClient, awsClients.S3, cfg.Storage.S3Bucket, engine)
	} else {
		healthChecker = api.NewHealthChecker(db, redisClient, nil, "", engine)
	}

	server := api.NewServer(cfg.Server, api.SetupRoutes(handlers, healthChecker, collector.Handler()))

	go func() {
		addr := server.Addr()
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Stop taking jobs; the one in flight is sent and recorded before we exit.
	cancel()
	select {
	case <-engineDone:
		log.Println("Newsletter processor stopped")
	case <-time.After(engine.Config().MaxJobDuration()):
		log.Println("Newsletter processor did not stop in time; its job will be requeued as stale")
	}

	// Flush in-flight observer writes before the process exits.
	if archive != nil {
		archive.Close()
	}
	if outcomes != nil {
		outcomes.Close()
	}

	log.Println("Server stopped")
}
