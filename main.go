package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-analysis-pipeline/internal/api"
	"insight-analysis-pipeline/internal/config"
	"insight-analysis-pipeline/internal/pkg/logger"
	"insight-analysis-pipeline/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}

	log.Info("starting insight analysis pipeline", "environment", cfg.Environment)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("invalid redis url", "error", err.Error())
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	redisOpts.ReadTimeout = cfg.Redis.ReadTimeout
	redisOpts.WriteTimeout = cfg.Redis.WriteTimeout

	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Error("redis unreachable", "error", err.Error())
		os.Exit(1)
	}
	cancelPing()

	selector := services.NewModelSelector(cfg.Models, os.Getenv)
	if err := selector.ValidateConfig(); err != nil {
		log.Error("model configuration invalid", "error", err.Error())
		os.Exit(1)
	}

	registry := services.NewProviderRegistry(cfg.Providers, selector, log)
	embedder := services.NewOllamaEmbedder(cfg.Providers, log)

	store := services.NewRedisStore(redisClient, log)
	vectors := services.NewRedisVectorStore(redisClient, log)
	jobStore := services.NewRedisJobStore(redisClient, log)

	segmented := services.NewDefaultSegmentAnalyzer(registry, selector, cfg.Analyzer, log)
	analyzer := services.NewSmartAnalyzer(registry, selector, segmented, cfg.Analyzer, log)
	reflection := services.NewReflectionEngine(registry, selector, log)
	feedbackEngine := services.NewFeedbackEngine(registry, selector, reflection, store, log)
	relations := services.NewRelationExtractor(registry, selector, vectors, store, store, log)
	queueService := services.NewQueueService(jobStore, store, store, cfg.Queue.MaxRetries, log)

	orchestrator := services.NewOrchestrator(
		cfg.Queue, queueService, store, analyzer, relations,
		embedder, vectors, registry, selector, log,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator.Start(rootCtx)

	router := api.NewRouter(cfg.Environment, api.Deps{
		Entries:      api.NewEntryHandler(store, queueService, log),
		Jobs:         api.NewJobHandler(queueService, log),
		Feedback:     api.NewFeedbackHandler(feedbackEngine, store, store, log),
		Relations:    api.NewRelationHandler(relations, store, log),
		Orchestrator: orchestrator,
		Logger:       log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err.Error())
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown incomplete", "error", err.Error())
	}
	orchestrator.Close()

	if err := redisClient.Close(); err != nil {
		log.Warn("redis close failed", "error", err.Error())
	}
	log.Info("pipeline stopped")
}
