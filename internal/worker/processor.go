package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dharsanguruparan/ClipSight/internal/analyzer"
	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/queue"
	"github.com/dharsanguruparan/ClipSight/internal/s3storage"
)

var (
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsight_worker_analyses_total",
		Help: "Analyses finished by the worker, by outcome.",
	}, []string{"outcome"})
	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipsight_worker_analysis_duration_seconds",
		Help:    "Time spent waiting on the analyzer.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// Records is the part of the record store the worker writes to. Only the
// worker assigns status, payload and error message.
type Records interface {
	Get(ctx context.Context, id string) (*model.AnalysisRecord, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, payload json.RawMessage) error
	MarkFailed(ctx context.Context, id, msg string) error
}

// Videos issues URLs the analyzer can fetch.
type Videos interface {
	PresignVideoURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Analyzer runs the opaque analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (json.RawMessage, error)
}

// Processor is plugged into the asynq worker loop and the inline pool.
type Processor struct {
	repo     Records
	videos   Videos
	analyzer Analyzer
	logger   *slog.Logger
	// retriesLeft reports whether the queue will redeliver the task after a
	// failed attempt. Outside asynq (the inline pool) there is no redelivery.
	retriesLeft func(ctx context.Context) bool
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo Records, videos Videos, a Analyzer, logger *slog.Logger) *Processor {
	return &Processor{
		repo:        repo,
		videos:      videos,
		analyzer:    a,
		logger:      logger.With(slog.String("component", "worker")),
		retriesLeft: asynqRetriesLeft,
	}
}

func asynqRetriesLeft(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried < maxRetry
}

// Handler registers the analysis job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.AnalyzeVideoTask, p.handleAnalyze)
	return mux
}

func (p *Processor) handleAnalyze(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.Decode(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return p.Analyze(ctx, payload)
}

// Analyze runs one analysis and records the outcome. A record that is
// already terminal is left untouched.
func (p *Processor) Analyze(ctx context.Context, payload queue.AnalyzePayload) error {
	log := p.logger.With(slog.String("video_id", payload.VideoID))
	rec, err := p.repo.Get(ctx, payload.VideoID)
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}
	if rec.Status.Terminal() {
		log.Info("analysis already finished, skipping", slog.String("status", string(rec.Status)))
		return nil
	}
	failure := func(err error) error {
		log.Error("analysis failed", slog.String("error", err.Error()))
		analysesTotal.WithLabelValues("failed").Inc()
		// The task context may already be past its deadline.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if markErr := p.repo.MarkFailed(markCtx, payload.VideoID, err.Error()); markErr != nil && !errors.Is(markErr, model.ErrTerminal) {
			return fmt.Errorf("mark failed: %w", markErr)
		}
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := p.repo.MarkProcessing(ctx, payload.VideoID); err != nil {
		if errors.Is(err, model.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	if rec.VideoURL == nil {
		return failure(errors.New("video was never uploaded"))
	}
	url, err := p.videos.PresignVideoURL(ctx, s3storage.ObjectKey(rec.ID, rec.FileName), time.Hour)
	if err != nil {
		return failure(err)
	}
	start := time.Now()
	result, err := p.analyzer.Analyze(ctx, analyzer.Request{
		VideoID:  rec.ID,
		VideoURL: url,
		FileName: rec.FileName,
		FileSize: rec.FileSize,
		Duration: rec.Duration,
	})
	analysisDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if analyzer.Retryable(err) && p.retriesLeft(ctx) {
			analysesTotal.WithLabelValues("retry").Inc()
			log.Warn("analyzer call failed, will retry", slog.String("error", err.Error()))
			return fmt.Errorf("analyze %s: %w", payload.VideoID, err)
		}
		return failure(err)
	}
	if err := p.repo.MarkCompleted(ctx, payload.VideoID, result); err != nil {
		if errors.Is(err, model.ErrTerminal) {
			return nil
		}
		return failure(err)
	}
	analysesTotal.WithLabelValues("completed").Inc()
	log.Info("analysis completed", slog.Int("payload_bytes", len(result)))
	return nil
}
