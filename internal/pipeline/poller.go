package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 60
)

// Poller watches one record until the analysis reaches a terminal status or
// the attempt budget runs out. Attempts are strictly sequential.
type Poller struct {
	fetcher     RecordFetcher
	notifier    Notifier
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	observer    RecordObserver
	wait        func(ctx context.Context, d time.Duration) error
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

// WithInterval sets the fixed delay between attempts.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxAttempts bounds the number of fetches.
func WithMaxAttempts(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithObserver receives every fetched snapshot, including the terminal one.
func WithObserver(fn RecordObserver) PollerOption {
	return func(p *Poller) { p.observer = fn }
}

func NewPoller(fetcher RecordFetcher, notifier Notifier, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:     fetcher,
		notifier:    orDiscard(notifier),
		logger:      logger.With(slog.String("component", "poller")),
		interval:    DefaultPollInterval,
		maxAttempts: DefaultPollMaxAttempts,
		wait:        sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches recordID until it is completed or failed. A completed record
// is returned with a nil error; a failed one comes back with an
// *AnalysisFailedError. Fetch errors use up an attempt and polling goes on.
// When the budget is spent Poll returns the last snapshot seen and
// ErrPollTimeout. Cancelling ctx ends the loop with ctx.Err().
func (p *Poller) Poll(ctx context.Context, recordID string) (*model.AnalysisRecord, error) {
	log := p.logger.With(slog.String("video_id", recordID))
	var last *model.AnalysisRecord

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		rec, err := p.fetcher.FetchRecord(ctx, recordID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			pollAttemptsTotal.WithLabelValues("error").Inc()
			log.Warn("fetch analysis status", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		case rec == nil:
			pollAttemptsTotal.WithLabelValues("error").Inc()
			log.Warn("fetch analysis status returned no record", slog.Int("attempt", attempt))
		default:
			pollAttemptsTotal.WithLabelValues(string(rec.Status)).Inc()
			last = rec
			if p.observer != nil {
				p.observer(rec)
			}
			switch rec.Status {
			case model.StatusCompleted:
				log.Info("analysis completed", slog.Int("attempts", attempt))
				p.notifier.Notify(Notification{
					Level:       LevelSuccess,
					Title:       "Analysis complete",
					Description: "Your video has been analyzed successfully",
					RecordID:    recordID,
				})
				return rec, nil
			case model.StatusFailed:
				msg := "An error occurred during analysis"
				if rec.ErrorMessage != nil && *rec.ErrorMessage != "" {
					msg = *rec.ErrorMessage
				}
				log.Info("analysis failed", slog.Int("attempts", attempt), slog.String("reason", msg))
				p.notifier.Notify(Notification{
					Level:       LevelError,
					Title:       "Analysis failed",
					Description: msg,
					RecordID:    recordID,
				})
				return rec, &AnalysisFailedError{RecordID: recordID, Message: msg}
			}
		}

		if attempt == p.maxAttempts {
			break
		}
		if err := p.wait(ctx, p.interval); err != nil {
			return last, err
		}
	}

	log.Warn("analysis polling gave up", slog.Int("attempts", p.maxAttempts))
	p.notifier.Notify(Notification{
		Level:       LevelError,
		Title:       "Analysis timed out",
		Description: fmt.Sprintf("The analysis did not finish after %d checks. It may still complete; check back later.", p.maxAttempts),
		RecordID:    recordID,
	})
	return last, fmt.Errorf("%w: %s after %d attempts", ErrPollTimeout, recordID, p.maxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
