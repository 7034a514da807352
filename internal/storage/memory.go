// Package storage contains the in-memory record store used by tests and the
// inline development mode. It mirrors the semantics of the PostgreSQL
// repository, including the terminal-status and history-version guards.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// MemoryStore keeps records in a map guarded by an RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.AnalysisRecord
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.AnalysisRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a record in the uploading state.
func (m *MemoryStore) Create(_ context.Context, fileName string, size int64, duration int) (*model.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec := &model.AnalysisRecord{
		ID:          uuid.NewString(),
		FileName:    fileName,
		FileSize:    size,
		Duration:    duration,
		Status:      model.StatusUploading,
		ChatHistory: []model.ChatMessage{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.records[rec.ID] = rec
	return rec.Clone(), nil
}

// Get returns a copy of the record.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", id, model.ErrNotFound)
	}
	return rec.Clone(), nil
}

// SetVideoURL stores the durable storage URL.
func (m *MemoryStore) SetVideoURL(_ context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("analysis %s: %w", id, model.ErrNotFound)
	}
	rec.VideoURL = &url
	rec.UpdatedAt = m.now()
	return nil
}

// MarkProcessing moves a non-terminal record to processing.
func (m *MemoryStore) MarkProcessing(_ context.Context, id string) error {
	return m.transition(id, func(rec *model.AnalysisRecord) {
		rec.Status = model.StatusProcessing
		rec.ErrorMessage = nil
	})
}

// MarkCompleted stores the payload and completes the record.
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, payload json.RawMessage) error {
	data := append(json.RawMessage(nil), payload...)
	return m.transition(id, func(rec *model.AnalysisRecord) {
		rec.Status = model.StatusCompleted
		rec.AnalysisData = data
		rec.ErrorMessage = nil
	})
}

// MarkFailed records the failure message.
func (m *MemoryStore) MarkFailed(_ context.Context, id, msg string) error {
	return m.transition(id, func(rec *model.AnalysisRecord) {
		rec.Status = model.StatusFailed
		rec.ErrorMessage = &msg
	})
}

func (m *MemoryStore) transition(id string, apply func(*model.AnalysisRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("analysis %s: %w", id, model.ErrNotFound)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("analysis %s: %w", id, model.ErrTerminal)
	}
	apply(rec)
	rec.UpdatedAt = m.now()
	return nil
}

// SaveHistory replaces the chat history when expectedVersion matches.
func (m *MemoryStore) SaveHistory(_ context.Context, id string, history []model.ChatMessage, expectedVersion int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, fmt.Errorf("analysis %s: %w", id, model.ErrNotFound)
	}
	if rec.HistoryVersion != expectedVersion {
		return 0, fmt.Errorf("analysis %s: %w", id, model.ErrVersionConflict)
	}
	rec.ChatHistory = append([]model.ChatMessage{}, history...)
	rec.HistoryVersion++
	rec.UpdatedAt = m.now()
	return rec.HistoryVersion, nil
}
