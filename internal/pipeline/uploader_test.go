package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/model"
)

func writeVideo(t *testing.T, name string, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestUploadReportsEveryCheckpoint(t *testing.T) {
	svc := newFakeService()
	notes := &recordingNotifier{}
	u := NewUploader(svc, staticProber{seconds: 42}, notes, logging.Discard())
	path := writeVideo(t, "clip.mp4", 10_000_000)

	var progress []int
	rec, err := u.Upload(context.Background(), path, func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := []int{0, 20, 60, 80, 100}; !reflect.DeepEqual(progress, want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	if svc.uploaded != 10_000_000 {
		t.Fatalf("uploaded %d bytes", svc.uploaded)
	}

	stored, err := svc.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.FileName != "clip.mp4" || stored.FileSize != 10_000_000 || stored.Duration != 42 {
		t.Fatalf("stored record = %+v", stored)
	}
	if stored.VideoURL == nil || *stored.VideoURL != "http://blob/videos/"+rec.ID+"/clip.mp4" {
		t.Fatalf("video url = %v", stored.VideoURL)
	}
	got := notes.all()
	if len(got) != 1 || got[0].Level != LevelSuccess || got[0].Title != "Upload complete" {
		t.Fatalf("notifications = %+v", got)
	}
}

func TestUploadStopsAtFailingStage(t *testing.T) {
	emptyURL := ""
	cases := []struct {
		name      string
		setup     func(*fakeService)
		stage     Stage
		message   string
		progress  []int
		calls     []string
		hasRecord bool
	}{
		{
			name:     "create",
			setup:    func(f *fakeService) { f.createErr = errors.New("") },
			stage:    StageCreate,
			message:  "Failed to create video analysis",
			progress: []int{0},
			calls:    []string{"create"},
		},
		{
			name:      "upload",
			setup:     func(f *fakeService) { f.uploadErr = errRemote },
			stage:     StageUpload,
			message:   errRemote.Error(),
			progress:  []int{0, 20},
			calls:     []string{"create", "upload"},
			hasRecord: true,
		},
		{
			name:      "upload without url",
			setup:     func(f *fakeService) { f.uploadURL = &emptyURL },
			stage:     StageUpload,
			message:   "Failed to upload video",
			progress:  []int{0, 20},
			calls:     []string{"create", "upload"},
			hasRecord: true,
		},
		{
			name:      "set url",
			setup:     func(f *fakeService) { f.setURLErr = errRemote },
			stage:     StageSetURL,
			message:   errRemote.Error(),
			progress:  []int{0, 20, 60},
			calls:     []string{"create", "upload", "set_url"},
			hasRecord: true,
		},
		{
			name:      "trigger",
			setup:     func(f *fakeService) { f.triggerErr = errRemote },
			stage:     StageTrigger,
			message:   errRemote.Error(),
			progress:  []int{0, 20, 60, 80},
			calls:     []string{"create", "upload", "set_url", "trigger"},
			hasRecord: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService()
			tc.setup(svc)
			notes := &recordingNotifier{}
			u := NewUploader(svc, staticProber{seconds: 42}, notes, logging.Discard())

			var progress []int
			rec, err := u.Upload(context.Background(), writeVideo(t, "clip.mp4", 1024), func(p int) { progress = append(progress, p) })

			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("expected StageError, got %v", err)
			}
			if se.Stage != tc.stage || se.Message != tc.message {
				t.Fatalf("stage error = %s/%q, want %s/%q", se.Stage, se.Message, tc.stage, tc.message)
			}
			if !reflect.DeepEqual(progress, tc.progress) {
				t.Fatalf("progress = %v, want %v", progress, tc.progress)
			}
			if !reflect.DeepEqual(svc.calls, tc.calls) {
				t.Fatalf("calls = %v, want %v", svc.calls, tc.calls)
			}
			if (rec != nil) != tc.hasRecord {
				t.Fatalf("record returned = %v", rec)
			}
			got := notes.all()
			if len(got) != 1 || got[0].Level != LevelError || got[0].Description != tc.message {
				t.Fatalf("notifications = %+v", got)
			}
		})
	}
}

func TestUploadRejectsBadInputWithoutRemoteCalls(t *testing.T) {
	cases := []struct {
		name   string
		path   func(t *testing.T) string
		prober staticProber
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.mp4") }, staticProber{seconds: 1}},
		{"empty", func(t *testing.T) string { return writeVideo(t, "empty.mp4", 0) }, staticProber{seconds: 1}},
		{"directory", func(t *testing.T) string { return t.TempDir() }, staticProber{seconds: 1}},
		{"probe failure", func(t *testing.T) string { return writeVideo(t, "clip.mp4", 64) }, staticProber{err: errors.New("moov atom not found")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService()
			notes := &recordingNotifier{}
			u := NewUploader(svc, tc.prober, notes, logging.Discard())

			var progress []int
			_, err := u.Upload(context.Background(), tc.path(t), func(p int) { progress = append(progress, p) })
			if !errors.Is(err, ErrInput) {
				t.Fatalf("expected ErrInput, got %v", err)
			}
			if len(svc.calls) != 0 {
				t.Fatalf("unexpected remote calls %v", svc.calls)
			}
			if !reflect.DeepEqual(progress, []int{0}) {
				t.Fatalf("progress = %v", progress)
			}
			if notes.count(LevelError) != 1 {
				t.Fatalf("notifications = %+v", notes.all())
			}
		})
	}
}

func TestUploadHandsOffToPoller(t *testing.T) {
	svc := newFakeService()
	notes := &recordingNotifier{}
	poller := NewPoller(svc, notes, logging.Discard(), WithInterval(time.Millisecond), WithMaxAttempts(50))

	done := make(chan *model.AnalysisRecord, 1)
	u := NewUploader(svc, staticProber{seconds: 42}, notes, logging.Discard()).
		WithPoller(poller, func(rec *model.AnalysisRecord, err error) {
			if err != nil {
				t.Errorf("poll: %v", err)
			}
			done <- rec
		})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := u.Upload(ctx, writeVideo(t, "clip.mp4", 2048), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := svc.store.MarkCompleted(ctx, rec.ID, []byte(`{"hook":"0:03"}`)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	select {
	case got := <-done:
		if got == nil || got.Status != model.StatusCompleted {
			t.Fatalf("poll result = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("poller never finished")
	}
}
