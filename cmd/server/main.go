// Package main is the entry point for SigmaPilot Lens.
//
// One process hosts all three long-lived tasks: the HTTP/WebSocket server,
// the enrichment worker loop and the evaluation worker loop. The worker
// loops block on the queue substrate and dispatch each message to its own
// goroutine; the queue (Redis Streams) is the only coupling between stages.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sigmapilot/lens/internal/config"
	"github.com/sigmapilot/lens/internal/database"
	"github.com/sigmapilot/lens/internal/dlq"
	"github.com/sigmapilot/lens/internal/enrichment"
	"github.com/sigmapilot/lens/internal/evaluation"
	"github.com/sigmapilot/lens/internal/hub"
	"github.com/sigmapilot/lens/internal/market"
	"github.com/sigmapilot/lens/internal/metrics"
	"github.com/sigmapilot/lens/internal/profiles"
	"github.com/sigmapilot/lens/internal/queue"
	"github.com/sigmapilot/lens/internal/registry"
	"github.com/sigmapilot/lens/internal/server"
	"github.com/sigmapilot/lens/internal/store"
	"github.com/sigmapilot/lens/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Msg("Starting SigmaPilot Lens")

	// Event store (SQLite, WAL, fsync-per-write).
	db, err := database.New(database.Config{Path: cfg.DatabasePath, Name: "lens"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database schema")
	}

	// Queue substrate.
	queueClient, err := queue.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Redis client")
	}
	defer queueClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := queueClient.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("Redis not reachable at startup, workers will retry")
	}
	pingCancel()

	m := metrics.New()

	// Repositories.
	events := store.NewEventStore(db, log)
	decisions := store.NewDecisionStore(db, log)
	timeline := store.NewTimelineStore(db, log)
	dlqStore := store.NewDLQStore(db, log)
	configStore := store.NewConfigStore(db, log)

	// Registries: model credentials and prompts, both TTL-cached.
	llmConfigs := registry.NewLLMConfigRegistry(configStore, log)
	if err := llmConfigs.Refresh(); err != nil {
		log.Warn().Err(err).Msg("Initial LLM config load failed, continuing with empty cache")
	}
	prompts := registry.NewPromptRegistry(configStore, cfg.PromptsDir, log)
	if err := prompts.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize prompt registry")
	}

	// Market data + feature profiles.
	provider := market.NewHyperliquid(cfg.ProviderBaseURL, cfg.ProviderTimeout, log)
	provider.OnRequest = func(endpoint, status string, duration time.Duration) {
		m.ProviderRequests.WithLabelValues(provider.Name(), endpoint, status).Inc()
		m.ProviderLatency.WithLabelValues(provider.Name(), endpoint).Observe(duration.Seconds())
	}
	defer provider.Close()

	profileRegistry, err := profiles.NewRegistry(cfg.ProfilesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load feature profiles")
	}
	if _, err := profileRegistry.Get(cfg.FeatureProfile); err != nil {
		log.Fatal().Err(err).Msg("Configured feature profile does not exist")
	}

	// Pipeline components.
	producer := queue.NewProducer(queueClient, log)
	subscriptionHub := hub.New(cfg.WSMaxConnections, m, log)
	publisher := evaluation.NewPublisher(subscriptionHub, m, log)
	dlqManager := dlq.NewManager(dlqStore, events, decisions, producer, publisher, m, log)

	validator := enrichment.NewValidator(provider, cfg.MaxSignalAge, cfg.MaxDriftBps, log)
	enrichService := enrichment.NewService(provider, profileRegistry, log)
	enrichWorker := enrichment.NewWorker(events, producer, validator, enrichService,
		cfg.FeatureProfile, m, log)

	evalWorker := evaluation.NewWorker(events, decisions, llmConfigs, prompts, publisher,
		cfg.AIModels, m, log)
	defer evalWorker.Close()

	retryPolicy := queue.RetryPolicy{
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}
	hostname, _ := os.Hostname()
	consumerName := hostname + "-" + uuid.NewString()[:8]
	countDLQ := func(stage, reasonCode string) {
		m.DLQEntries.WithLabelValues(stage, reasonCode).Inc()
	}

	enrichConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Client:       queueClient,
		Stream:       queue.StreamPending,
		Group:        cfg.ConsumerGroup + "-enrichment",
		ConsumerName: consumerName,
		Handler:      enrichWorker,
		Retry:        retryPolicy,
		DLQ:          dlqStore,
		DLQEnabled:   cfg.DLQEnabled,
		Events:       events,
		CountDLQ:     countDLQ,
		BatchSize:    cfg.ConsumerBatchSize,
		Block:        cfg.ConsumerBlock,
		Log:          log,
	})
	evalConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Client:       queueClient,
		Stream:       queue.StreamEnriched,
		Group:        cfg.ConsumerGroup + "-evaluation",
		ConsumerName: consumerName,
		Handler:      evalWorker,
		Retry:        retryPolicy,
		DLQ:          dlqStore,
		DLQEnabled:   cfg.DLQEnabled,
		Events:       events,
		CountDLQ:     countDLQ,
		BatchSize:    cfg.ConsumerBatchSize,
		Block:        cfg.ConsumerBlock,
		Log:          log,
	})

	// HTTP/WebSocket server.
	srv, err := server.New(server.Deps{
		Config:      cfg,
		Log:         log,
		DB:          db,
		QueueClient: queueClient,
		Producer:    producer,
		Events:      events,
		Decisions:   decisions,
		Timeline:    timeline,
		DLQManager:  dlqManager,
		LLMConfigs:  llmConfigs,
		Prompts:     prompts,
		Hub:         subscriptionHub,
		Metrics:     m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := enrichConsumer.Run(workerCtx); err != nil {
			log.Error().Err(err).Msg("Enrichment consumer exited with error")
		}
	}()
	go func() {
		defer workers.Done()
		if err := evalConsumer.Run(workerCtx); err != nil {
			log.Error().Err(err).Msg("Evaluation consumer exited with error")
		}
	}()
	log.Info().Msg("Worker loops started")

	// Periodic queue-depth gauges.
	sampler := cron.New()
	_, err = sampler.AddFunc("@every 15s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if depth, err := producer.PendingDepth(ctx); err == nil {
			m.QueueDepth.WithLabelValues("pending").Set(float64(depth))
		}
		if depth, err := producer.EnrichedDepth(ctx); err == nil {
			m.QueueDepth.WithLabelValues("enriched").Set(float64(depth))
		}
		if depth, err := producer.DLQDepth(ctx); err == nil {
			m.QueueDepth.WithLabelValues("dlq").Set(float64(depth))
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule queue depth sampler")
	}
	sampler.Start()
	defer sampler.Stop()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Workers first: stop reading new messages, give in-flight handlers
	// their grace window.
	stopWorkers()
	workers.Wait()
	log.Info().Msg("Worker loops stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
