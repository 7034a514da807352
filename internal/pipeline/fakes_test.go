package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/storage"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func (r *recordingNotifier) count(level Level) int {
	n := 0
	for _, note := range r.all() {
		if note.Level == level {
			n++
		}
	}
	return n
}

type staticProber struct {
	seconds int
	err     error
}

func (p staticProber) Duration(context.Context, string) (int, error) {
	return p.seconds, p.err
}

// fakeService backs the upload and chat collaborators with a MemoryStore.
// The *Err fields inject failures per operation.
type fakeService struct {
	store *storage.MemoryStore

	createErr  error
	uploadErr  error
	uploadURL  *string
	setURLErr  error
	triggerErr error

	calls    []string
	uploaded int64

	reply     string
	chatErr   error
	chatGot   [][]model.ChatMessage
	onChat    func()
	persists  int
	persisted [][]model.ChatMessage
}

func newFakeService() *fakeService {
	return &fakeService{store: storage.NewMemoryStore()}
}

func (f *fakeService) CreateRecord(ctx context.Context, fileName string, size int64, duration int) (*model.AnalysisRecord, error) {
	f.calls = append(f.calls, "create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.store.Create(ctx, fileName, size, duration)
}

func (f *fakeService) UploadBlob(_ context.Context, recordID, fileName string, r io.Reader, _ int64) (string, error) {
	f.calls = append(f.calls, "upload")
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", err
	}
	f.uploaded = n
	if f.uploadURL != nil {
		return *f.uploadURL, nil
	}
	return "http://blob/videos/" + recordID + "/" + fileName, nil
}

func (f *fakeService) SetRecordURL(ctx context.Context, recordID, url string) error {
	f.calls = append(f.calls, "set_url")
	if f.setURLErr != nil {
		return f.setURLErr
	}
	return f.store.SetVideoURL(ctx, recordID, url)
}

func (f *fakeService) TriggerAnalysis(ctx context.Context, recordID, _ string, _ int64) error {
	f.calls = append(f.calls, "trigger")
	if f.triggerErr != nil {
		return f.triggerErr
	}
	return f.store.MarkProcessing(ctx, recordID)
}

func (f *fakeService) FetchRecord(ctx context.Context, recordID string) (*model.AnalysisRecord, error) {
	return f.store.Get(ctx, recordID)
}

func (f *fakeService) SendChatTurn(_ context.Context, _ string, _ string, _ json.RawMessage, history []model.ChatMessage) (string, error) {
	f.chatGot = append(f.chatGot, append([]model.ChatMessage(nil), history...))
	if f.onChat != nil {
		f.onChat()
	}
	return f.reply, f.chatErr
}

func (f *fakeService) PersistHistory(ctx context.Context, recordID string, history []model.ChatMessage, expected int) (int, error) {
	f.persists++
	f.persisted = append(f.persisted, append([]model.ChatMessage(nil), history...))
	return f.store.SaveHistory(ctx, recordID, history, expected)
}

func (f *fakeService) completedRecord(ctx context.Context, payload string) (*model.AnalysisRecord, error) {
	rec, err := f.store.Create(ctx, "clip.mp4", 10_000_000, 42)
	if err != nil {
		return nil, err
	}
	if err := f.store.MarkProcessing(ctx, rec.ID); err != nil {
		return nil, err
	}
	if err := f.store.MarkCompleted(ctx, rec.ID, json.RawMessage(payload)); err != nil {
		return nil, err
	}
	return f.store.Get(ctx, rec.ID)
}

var errRemote = errors.New("remote said no")
