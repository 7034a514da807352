// Package pipeline orchestrates the lifecycle of one submitted video: the
// upload sequence, the bounded wait for the remote analysis and the chat
// session held against the finished analysis. Every remote interaction goes
// through the collaborator interfaces below; package client implements them
// over HTTP and tests implement them in memory.
package pipeline

import (
	"context"
	"encoding/json"
	"io"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// RecordCreator creates the persistent record for a new video.
type RecordCreator interface {
	CreateRecord(ctx context.Context, fileName string, sizeBytes int64, durationSeconds int) (*model.AnalysisRecord, error)
}

// BlobUploader stores the raw video bytes and returns a durable URL.
type BlobUploader interface {
	UploadBlob(ctx context.Context, recordID, fileName string, r io.Reader, size int64) (string, error)
}

// RecordUpdater persists the storage URL on the record.
type RecordUpdater interface {
	SetRecordURL(ctx context.Context, recordID, url string) error
}

// AnalysisTrigger asks the remote service to start an analysis. It returns
// as soon as the request is accepted.
type AnalysisTrigger interface {
	TriggerAnalysis(ctx context.Context, recordID, fileName string, sizeBytes int64) error
}

// RecordFetcher reads the current state of a record.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, recordID string) (*model.AnalysisRecord, error)
}

// ChatService exchanges one chat turn with the conversational service.
type ChatService interface {
	SendChatTurn(ctx context.Context, recordID, userMessage string, analysisData json.RawMessage, history []model.ChatMessage) (string, error)
}

// HistoryStore writes only the chat history of a record. The write succeeds
// only when the stored version equals expectedVersion; it returns the new
// version or an error wrapping model.ErrVersionConflict.
type HistoryStore interface {
	PersistHistory(ctx context.Context, recordID string, history []model.ChatMessage, expectedVersion int) (int, error)
}

// UploadService is everything the Uploader needs from the remote side.
type UploadService interface {
	RecordCreator
	BlobUploader
	RecordUpdater
	AnalysisTrigger
}

// ChatBackend is everything a ChatSession needs from the remote side.
type ChatBackend interface {
	RecordFetcher
	ChatService
	HistoryStore
}

// DurationProber reads the duration of a local video file in seconds.
type DurationProber interface {
	Duration(ctx context.Context, file string) (int, error)
}

// ProgressFunc receives upload progress percentages.
type ProgressFunc func(percent int)

// RecordObserver receives every record snapshot fetched while polling.
type RecordObserver func(rec *model.AnalysisRecord)

// Level classifies a user-visible notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a user-visible message raised where an event happens.
type Notification struct {
	Level       Level
	Title       string
	Description string
	RecordID    string
}

// Notifier delivers notifications to whoever presents them.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}

func orDiscard(n Notifier) Notifier {
	if n == nil {
		return discardNotifier{}
	}
	return n
}
