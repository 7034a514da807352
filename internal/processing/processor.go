// Package processing runs triggered analyses on in-process goroutines. It is
// the dispatcher used when ClipSight runs without Redis (inline mode).
package processing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dharsanguruparan/ClipSight/internal/queue"
)

// ErrQueueFull is returned when the buffered queue cannot take more work.
var ErrQueueFull = errors.New("processing queue full")

// RunFunc performs one analysis.
type RunFunc func(ctx context.Context, payload queue.AnalyzePayload) error

// Pool consumes payloads and runs them with a fixed number of workers.
type Pool struct {
	run     RunFunc
	queue   chan queue.AnalyzePayload
	workers int
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New builds a Pool with queue capacity tied to worker count.
func New(run RunFunc, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		run:     run,
		queue:   make(chan queue.AnalyzePayload, workers*4),
		workers: workers,
		logger:  logger.With(slog.String("component", "inline_pool")),
	}
}

// Start launches worker goroutines that exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch queues a payload without blocking the caller.
func (p *Pool) Dispatch(_ context.Context, payload queue.AnalyzePayload) error {
	select {
	case p.queue <- payload:
		return nil
	default:
		p.logger.Warn("queue full, rejecting analysis", slog.String("video_id", payload.VideoID))
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			if err := p.run(ctx, payload); err != nil {
				p.logger.Error("analysis run failed",
					slog.String("video_id", payload.VideoID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
