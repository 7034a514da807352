package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/dharsanguruparan/ClipSight/internal/analyzer"
	"github.com/dharsanguruparan/ClipSight/internal/api"
	"github.com/dharsanguruparan/ClipSight/internal/config"
	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/pipeline"
	"github.com/dharsanguruparan/ClipSight/internal/processing"
	"github.com/dharsanguruparan/ClipSight/internal/s3storage"
	"github.com/dharsanguruparan/ClipSight/internal/signing"
	"github.com/dharsanguruparan/ClipSight/internal/storage"
	"github.com/dharsanguruparan/ClipSight/internal/worker"
)

var mp4Header = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00isommp41")

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (m *memBlobs) UploadVideo(_ context.Context, recordID, fileName string, r io.Reader, _ int64, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	key := s3storage.ObjectKey(recordID, fileName)
	m.mu.Lock()
	m.objects[key] = data
	m.types[key] = contentType
	m.mu.Unlock()
	return "http://minio.test/bucket/" + key, nil
}

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

func (m *memBlobs) OpenVideo(_ context.Context, key string) (io.ReadSeekCloser, minio.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, minio.ObjectInfo{}, errors.New("missing object")
	}
	return nopSeekCloser{bytes.NewReader(data)}, minio.ObjectInfo{Size: int64(len(data))}, nil
}

func (m *memBlobs) PresignVideoURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://minio.test/signed/" + key, nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, req analyzer.Request) (json.RawMessage, error) {
	return json.RawMessage(`{"hook":"0:03","video":"` + req.FileName + `"}`), nil
}

type echoChatter struct{}

func (echoChatter) Reply(_ context.Context, _ json.RawMessage, _ []model.ChatMessage, msg string) (string, error) {
	if msg == "Where is the hook?" {
		return "At 0:03.", nil
	}
	return "I am not sure.", nil
}

type stubProber struct{}

func (stubProber) Duration(context.Context, string) (int, error) { return 42, nil }

// newStack runs the API in inline mode: the memory store, in-memory blobs
// and the worker processor behind a goroutine pool.
func newStack(t *testing.T) (*Client, *storage.MemoryStore) {
	c, store, _ := newStackWithBlobs(t)
	return c, store
}

func newStackWithBlobs(t *testing.T) (*Client, *storage.MemoryStore, *memBlobs) {
	t.Helper()
	cfg := &config.Config{
		PublicBaseURL: "http://clipsight.test",
		MaxFileSize:   1 << 20,
		AllowedTypes:  []string{"video/mp4", "video/quicktime", "video/x-msvideo"},
		SignedURLTTL:  time.Minute,
		PollInterval:  10 * time.Millisecond,
		PollAttempts:  10,
		CacheSize:     8,
		CacheTTL:      time.Minute,
	}
	store := storage.NewMemoryStore()
	blobs := &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
	proc := worker.NewProcessor(store, blobs, stubAnalyzer{}, logging.Discard())
	pool := processing.New(proc.Analyze, 1, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	srv := api.New(cfg, store, blobs, pool, echoChatter{}, signing.NewSigner([]byte("k")), logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, 5*time.Second), store, blobs
}

func TestEndToEndUploadPollAndChat(t *testing.T) {
	c, store := newStack(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, append(mp4Header, make([]byte, 1000)...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var progress []int
	up := pipeline.NewUploader(c, stubProber{}, nil, logging.Discard())
	rec, err := up.Upload(ctx, path, func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !reflect.DeepEqual(progress, []int{0, 20, 60, 80, 100}) {
		t.Fatalf("progress = %v", progress)
	}

	poller := pipeline.NewPoller(c, nil, logging.Discard(), pipeline.WithInterval(10*time.Millisecond), pipeline.WithMaxAttempts(200))
	done, err := poller.Poll(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if done.Status != model.StatusCompleted || done.Duration != 42 {
		t.Fatalf("record = %+v", done)
	}

	session, err := pipeline.NewChatSession(done, c, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewChatSession: %v", err)
	}
	history, err := session.Send(ctx, "Where is the hook?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(history) != 2 || history[1].Message != "At 0:03." {
		t.Fatalf("history = %+v", history)
	}
	stored, _ := store.Get(ctx, rec.ID)
	if len(stored.ChatHistory) != 2 || stored.HistoryVersion != 1 {
		t.Fatalf("stored = %+v", stored)
	}

	link, err := c.PlaybackURL(ctx, rec.ID)
	if err != nil || link == "" {
		t.Fatalf("PlaybackURL = %q, %v", link, err)
	}
}

func TestUploadQuickTime(t *testing.T) {
	c, store, blobs := newStackWithBlobs(t)
	ctx := context.Background()

	// The body carries no recognisable signature, so the server relies on
	// the type the client declares from the extension.
	path := filepath.Join(t.TempDir(), "clip.mov")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x02}, 1000), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	up := pipeline.NewUploader(c, stubProber{}, nil, logging.Discard())
	rec, err := up.Upload(ctx, path, nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	key := s3storage.ObjectKey(rec.ID, "clip.mov")
	blobs.mu.Lock()
	gotType := blobs.types[key]
	blobs.mu.Unlock()
	if gotType != "video/quicktime" {
		t.Fatalf("stored content type = %q", gotType)
	}
	stored, _ := store.Get(ctx, rec.ID)
	if stored.VideoURL == nil {
		t.Fatalf("video url not saved: %+v", stored)
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":  "video/mp4",
		"CLIP.MOV":  "video/quicktime",
		"a/b.avi":   "video/x-msvideo",
		"notes.txt": "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentTypeFor(name); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestConflictMergeOverHTTP(t *testing.T) {
	c, store := newStack(t)
	ctx := context.Background()
	rec, _ := store.Create(ctx, "clip.mp4", 10, 1)
	_ = store.SetVideoURL(ctx, rec.ID, "http://minio.test/x")
	_ = store.MarkProcessing(ctx, rec.ID)
	_ = store.MarkCompleted(ctx, rec.ID, json.RawMessage(`{"hook":"0:03"}`))
	loaded, _ := c.FetchRecord(ctx, rec.ID)

	other := []model.ChatMessage{
		{Role: model.RoleUser, Message: "CTA?", Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Role: model.RoleAssistant, Message: "Subscribe.", Timestamp: time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)},
	}
	if _, err := c.PersistHistory(ctx, rec.ID, other, 0); err != nil {
		t.Fatalf("PersistHistory: %v", err)
	}
	if _, err := c.PersistHistory(ctx, rec.ID, other, 0); !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	session, err := pipeline.NewChatSession(loaded, c, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewChatSession: %v", err)
	}
	history, err := session.Send(ctx, "Where is the hook?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(history) != 4 || history[0].Message != "CTA?" {
		t.Fatalf("merged = %+v", history)
	}
}

func TestErrorEnvelopeMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		target error
		msg    string
	}{
		{"not found", http.StatusNotFound, `{"error":"analysis not found","code":"NOT_FOUND"}`, model.ErrNotFound, "analysis not found"},
		{"version", http.StatusConflict, `{"error":"changed","code":"VERSION_CONFLICT"}`, model.ErrVersionConflict, "changed"},
		{"server", http.StatusBadGateway, `{"error":"Failed to send message","code":"UNAVAILABLE"}`, nil, "Failed to send message"},
		{"no envelope", http.StatusInternalServerError, `oops`, nil, "clipsight api returned 500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := New(ts.URL, time.Second).FetchRecord(context.Background(), "x")
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tc.status {
				t.Fatalf("error = %v", err)
			}
			if err.Error() != tc.msg {
				t.Fatalf("message = %q, want %q", err.Error(), tc.msg)
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Fatalf("%v does not match %v", err, tc.target)
			}
			if errors.Is(err, model.ErrVersionConflict) && tc.target != model.ErrVersionConflict {
				t.Fatalf("unexpected version conflict match")
			}
		})
	}
}
