// Command worker consumes analysis jobs from Redis, calls the analyzer and
// writes the outcome to PostgreSQL.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ClipSight/internal/analyzer"
	"github.com/dharsanguruparan/ClipSight/internal/config"
	"github.com/dharsanguruparan/ClipSight/internal/database"
	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/repository"
	"github.com/dharsanguruparan/ClipSight/internal/s3storage"
	"github.com/dharsanguruparan/ClipSight/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Error("ensure schema", slog.String("error", err.Error()))
		os.Exit(1)
	}
	repo := repository.NewAnalysisRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		logger.Error("init storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logger.Error("ensure bucket", slog.String("error", err.Error()))
		os.Exit(1)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      newAsynqLogger(logger),
	})
	processor := worker.NewProcessor(repo, store, analyzer.New(cfg.AnalyzerURL, cfg.AnalyzerTimeout), logger)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", slog.Int("concurrency", cfg.ProcessingPool))
	if err := server.Run(mux); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
