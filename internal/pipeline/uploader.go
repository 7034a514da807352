package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// Progress checkpoints reported by Upload.
const (
	ProgressStart     = 0
	ProgressCreated   = 20
	ProgressUploaded  = 60
	ProgressURLSaved  = 80
	ProgressTriggered = 100
)

// Uploader drives one local video through record creation, blob upload, URL
// persistence and analysis trigger. Each step runs once, in order; the first
// failure ends the run and nothing is rolled back.
type Uploader struct {
	svc      UploadService
	prober   DurationProber
	notifier Notifier
	logger   *slog.Logger
	handoff  func(ctx context.Context, recordID string)
}

// NewUploader builds an Uploader. notifier may be nil.
func NewUploader(svc UploadService, prober DurationProber, notifier Notifier, logger *slog.Logger) *Uploader {
	return &Uploader{
		svc:      svc,
		prober:   prober,
		notifier: orDiscard(notifier),
		logger:   logger.With(slog.String("component", "uploader")),
	}
}

// WithPoller hands every accepted record to p. Polling runs on its own
// goroutine bound to the context passed to Upload, so Upload still returns
// as soon as the trigger is accepted. done, if non-nil, receives the outcome.
func (u *Uploader) WithPoller(p *Poller, done func(*model.AnalysisRecord, error)) *Uploader {
	u.handoff = func(ctx context.Context, recordID string) {
		go func() {
			rec, err := p.Poll(ctx, recordID)
			if done != nil {
				done(rec, err)
			}
		}()
	}
	return u
}

// Upload runs the sequence for the file at path. progress receives 0, 20,
// 60, 80 and 100 as steps succeed and nothing after a failure. The returned
// error is ErrInput-wrapped for local problems and a *StageError otherwise;
// exactly one failure notification is raised either way.
func (u *Uploader) Upload(ctx context.Context, path string, progress ProgressFunc) (*model.AnalysisRecord, error) {
	if progress == nil {
		progress = func(int) {}
	}
	progress(ProgressStart)

	file, info, err := openVideo(path)
	if err != nil {
		return nil, u.fail(newStageError(StageProbe, err), "")
	}
	defer file.Close()

	duration, err := u.prober.Duration(ctx, path)
	if err != nil {
		return nil, u.fail(newStageError(StageProbe, fmt.Errorf("%w: %v", ErrInput, err)), "")
	}
	name := filepath.Base(path)
	size := info.Size()
	log := u.logger.With(slog.String("file", name))

	rec, err := u.svc.CreateRecord(ctx, name, size, duration)
	if err != nil || rec == nil || rec.ID == "" {
		return nil, u.fail(newStageError(StageCreate, err), "")
	}
	log = log.With(slog.String("video_id", rec.ID))
	progress(ProgressCreated)

	url, err := u.svc.UploadBlob(ctx, rec.ID, name, file, size)
	if err != nil || url == "" {
		return rec, u.fail(newStageError(StageUpload, err), rec.ID)
	}
	progress(ProgressUploaded)

	if err := u.svc.SetRecordURL(ctx, rec.ID, url); err != nil {
		return rec, u.fail(newStageError(StageSetURL, err), rec.ID)
	}
	rec.VideoURL = &url
	progress(ProgressURLSaved)

	if err := u.svc.TriggerAnalysis(ctx, rec.ID, name, size); err != nil {
		return rec, u.fail(newStageError(StageTrigger, err), rec.ID)
	}
	progress(ProgressTriggered)

	uploadsTotal.WithLabelValues("done").Inc()
	log.Info("upload complete, analysis requested", slog.Int64("bytes", size), slog.Int("duration", duration))
	u.notifier.Notify(Notification{
		Level:       LevelSuccess,
		Title:       "Upload complete",
		Description: "Your video is being analyzed. This may take a few minutes.",
		RecordID:    rec.ID,
	})
	if u.handoff != nil {
		u.handoff(ctx, rec.ID)
	}
	return rec, nil
}

func (u *Uploader) fail(err *StageError, recordID string) error {
	uploadsTotal.WithLabelValues(string(err.Stage)).Inc()
	u.logger.Warn("upload stopped",
		slog.String("stage", string(err.Stage)),
		slog.String("video_id", recordID),
		slog.String("error", err.Message),
	)
	u.notifier.Notify(Notification{
		Level:       LevelError,
		Title:       stageTitles[err.Stage],
		Description: err.Message,
		RecordID:    recordID,
	})
	return err
}

func openVideo(path string) (*os.File, os.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInput, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrInput, err)
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s is not a regular file", ErrInput, path)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s is empty", ErrInput, path)
	}
	return file, info, nil
}
