package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/mailing"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/repository/postgres"
	"github.com/ignite/newsletter-queue/internal/storage"
	"github.com/ignite/newsletter-queue/internal/tracking"
)

// The tracking service answers open pixels and unsubscribe links, queues
// the events on SQS, and applies them to Postgres from the same queue.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	queueURL := cfg.Tracking.SQSQueueURL
	if queueURL == "" {
		log.Fatal("SQS_TRACKING_QUEUE_URL is required")
	}
	if cfg.Tracking.SigningKey == "" {
		log.Fatal("SIGNING_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsClients, err := storage.NewAWSClients(ctx, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}

	pub := tracking.NewPublisher(awsClients.SQS, queueURL)
	links := mailing.NewLinkBuilder(cfg.Tracking.BaseURL, cfg.Tracking.OrgID, cfg.Tracking.SigningKey)
	handler := tracking.NewHandler(links, pub)

	var consumer *tracking.Consumer
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

		consumer = tracking.NewConsumer(awsClients.SQS, queueURL, postgres.NewNewsletterStore(db))
		consumer.Start(ctx)
	} else {
		log.Println("DATABASE_URL not set; events are queued but not applied")
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	pub.Close()
}
