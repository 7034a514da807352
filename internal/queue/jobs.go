package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// AnalyzeVideoTask is scheduled each time an analysis is triggered.
	AnalyzeVideoTask = "analysis:run"
)

// AnalyzePayload is serialized into the task payload so the worker knows
// which record to analyze.
type AnalyzePayload struct {
	VideoID  string `json:"video_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Decode parses a task payload.
func Decode(data []byte) (AnalyzePayload, error) {
	var payload AnalyzePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.VideoID == "" {
		return payload, errors.New("decode payload: missing video_id")
	}
	return payload, nil
}

// NewAnalyzeTask builds the task. The task id is the video id, so repeated
// triggers for the same record collapse into one job while it is pending.
func NewAnalyzeTask(payload AnalyzePayload) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.MaxRetry(3),
		asynq.TaskID(payload.VideoID),
		asynq.Timeout(15 * time.Minute),
	}
	return asynq.NewTask(AnalyzeVideoTask, data), opts, nil
}

// EnqueueAnalysis enqueues an analysis job.
func EnqueueAnalysis(ctx context.Context, client *asynq.Client, payload AnalyzePayload) error {
	task, opts, err := NewAnalyzeTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue analysis task: %w", err)
	}
	return nil
}

// Dispatcher hands analyses to the Redis-backed queue.
type Dispatcher struct {
	client *asynq.Client
}

// NewDispatcher wraps an asynq client.
func NewDispatcher(client *asynq.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch enqueues the payload.
func (d *Dispatcher) Dispatch(ctx context.Context, payload AnalyzePayload) error {
	return EnqueueAnalysis(ctx, d.client, payload)
}
