package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AnalysisRepository wraps all SQL used by the API and the worker.
type AnalysisRepository struct {
	db DBTX
}

// NewAnalysisRepository constructs a repository.
func NewAnalysisRepository(db DBTX) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const selectColumns = `id, file_name, file_size, duration, video_url, status, analysis_data,
	error_message, chat_history, history_version, created_at, updated_at`

// Create inserts a record in the uploading state.
func (r *AnalysisRepository) Create(ctx context.Context, fileName string, size int64, duration int) (*model.AnalysisRecord, error) {
	now := time.Now().UTC()
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
	_, err := r.db.Exec(ctx, `
		INSERT INTO video_analyses (id, file_name, file_size, duration, status, chat_history, history_version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'[]'::jsonb,0,$6,$7)
	`, rec.ID, rec.FileName, rec.FileSize, rec.Duration, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert analysis: %w", err)
	}
	return rec, nil
}

// Get returns a record by id.
func (r *AnalysisRepository) Get(ctx context.Context, id string) (*model.AnalysisRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM video_analyses WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("analysis %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select analysis: %w", err)
	}
	return rec, nil
}

// SetVideoURL stores the durable storage URL once the upload has finished.
func (r *AnalysisRepository) SetVideoURL(ctx context.Context, id, url string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE video_analyses SET video_url=$1, updated_at=$2 WHERE id=$3
	`, url, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update video url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// MarkProcessing moves a non-terminal record to processing.
func (r *AnalysisRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.StatusProcessing, nil, nil)
}

// MarkCompleted stores the analysis payload. It is the only writer of
// analysis_data and refuses to touch a terminal record.
func (r *AnalysisRepository) MarkCompleted(ctx context.Context, id string, payload json.RawMessage) error {
	data := string(payload)
	return r.transition(ctx, id, model.StatusCompleted, &data, nil)
}

// MarkFailed marks the analysis as failed and stores the message.
func (r *AnalysisRepository) MarkFailed(ctx context.Context, id, msg string) error {
	return r.transition(ctx, id, model.StatusFailed, nil, &msg)
}

func (r *AnalysisRepository) transition(ctx context.Context, id string, status model.Status, payload *string, errorMsg *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE video_analyses
		SET status=$1,
			analysis_data = COALESCE($2::jsonb, analysis_data),
			error_message = $3,
			updated_at=$4
		WHERE id=$5 AND status NOT IN ('completed','failed')
	`, status, payload, errorMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update analysis status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrTerminal(ctx, id)
	}
	return nil
}

// SaveHistory replaces chat_history only when the stored version still equals
// expectedVersion and returns the new version. Status columns are untouched.
func (r *AnalysisRepository) SaveHistory(ctx context.Context, id string, history []model.ChatMessage, expectedVersion int) (int, error) {
	if history == nil {
		history = []model.ChatMessage{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return 0, fmt.Errorf("marshal history: %w", err)
	}
	var version int
	err = r.db.QueryRow(ctx, `
		UPDATE video_analyses
		SET chat_history=$1::jsonb, history_version=history_version+1, updated_at=$2
		WHERE id=$3 AND history_version=$4
		RETURNING history_version
	`, string(data), time.Now().UTC(), id, expectedVersion).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update chat history: %w", err)
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return 0, getErr
	}
	return 0, fmt.Errorf("analysis %s: %w", id, model.ErrVersionConflict)
}

func (r *AnalysisRepository) missOrTerminal(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("analysis %s: %w", id, model.ErrTerminal)
}

func scanRecord(row pgx.Row) (*model.AnalysisRecord, error) {
	var (
		rec      model.AnalysisRecord
		payload  []byte
		history  []byte
		videoURL *string
		errMsg   *string
	)
	if err := row.Scan(&rec.ID, &rec.FileName, &rec.FileSize, &rec.Duration, &videoURL, &rec.Status,
		&payload, &errMsg, &history, &rec.HistoryVersion, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.VideoURL = videoURL
	rec.ErrorMessage = errMsg
	if len(payload) > 0 {
		rec.AnalysisData = json.RawMessage(payload)
	}
	rec.ChatHistory = []model.ChatMessage{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.ChatHistory); err != nil {
			return nil, fmt.Errorf("decode chat history: %w", err)
		}
	}
	return &rec, nil
}
