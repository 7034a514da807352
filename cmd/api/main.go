// Command api serves the ClipSight HTTP API. With CLIPSIGHT_DISPATCH=queue
// (the default) records live in PostgreSQL and analyses go through Redis to
// cmd/worker; with inline they stay in memory and run on local goroutines.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/dharsanguruparan/ClipSight/internal/analyzer"
	"github.com/dharsanguruparan/ClipSight/internal/api"
	"github.com/dharsanguruparan/ClipSight/internal/chatclient"
	"github.com/dharsanguruparan/ClipSight/internal/config"
	"github.com/dharsanguruparan/ClipSight/internal/database"
	"github.com/dharsanguruparan/ClipSight/internal/health"
	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/processing"
	"github.com/dharsanguruparan/ClipSight/internal/queue"
	"github.com/dharsanguruparan/ClipSight/internal/repository"
	"github.com/dharsanguruparan/ClipSight/internal/s3storage"
	"github.com/dharsanguruparan/ClipSight/internal/signing"
	"github.com/dharsanguruparan/ClipSight/internal/storage"
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
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	blobs, err := s3storage.New(cfg)
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}
	chatter := chatclient.New(cfg.ChatURL, cfg.ChatModel, cfg.ChatAPIKey, cfg.HTTPTimeout)
	signer := signing.NewSigner(cfg.SigningSecret)

	minioURL, minioPath := health.MinIOHealthURL(cfg.S3Endpoint, cfg.S3UseSSL)
	healthOpts := health.Options{
		ServiceID: "clipsight-api",
		HTTP: []health.HTTPDependency{
			{Name: "minio", URL: minioURL, Path: minioPath},
			{Name: "analyzer", URL: cfg.AnalyzerURL, Path: cfg.AnalyzerHealthPath},
		},
		CheckInterval: cfg.HealthInterval,
	}

	var (
		records    api.Records
		dispatcher api.Dispatcher
	)
	switch cfg.Dispatch {
	case config.DispatchInline:
		store := storage.NewMemoryStore()
		proc := worker.NewProcessor(store, blobs, analyzer.New(cfg.AnalyzerURL, cfg.AnalyzerTimeout), logger)
		pool := processing.New(proc.Analyze, cfg.ProcessingPool, logger)
		pool.Start(ctx)
		defer pool.Wait()
		records, dispatcher = store, pool
		logger.Warn("inline dispatch: records are kept in memory only")
	default:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			return err
		}
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		inspector := asynq.NewInspector(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer inspector.Close()
		sqlDB := stdlib.OpenDBFromPool(db)
		defer sqlDB.Close()
		healthOpts.DB = sqlDB
		healthOpts.DatabaseURL = cfg.DatabaseURL
		healthOpts.Pings = map[string]health.PingFunc{"redis": health.RedisPing(inspector)}
		records, dispatcher = repository.NewAnalysisRepository(db), queue.NewDispatcher(client)
	}

	srv := api.New(cfg, records, blobs, dispatcher, chatter, signer, logger)
	monitor, err := health.New(healthOpts, logger)
	if err != nil {
		logger.Warn("dependency monitoring disabled", slog.String("error", err.Error()))
	} else if err := monitor.Start(ctx); err != nil {
		logger.Warn("dependency monitoring not started", slog.String("error", err.Error()))
	} else {
		defer monitor.Stop()
		srv.WithHealth(monitor)
	}
	return srv.Run(ctx)
}
