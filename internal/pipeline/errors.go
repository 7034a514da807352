package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInput marks a problem with the local file; no remote state exists.
	ErrInput = errors.New("invalid input file")
	// ErrPollTimeout is returned when the attempt budget runs out before the
	// analysis reaches a terminal status.
	ErrPollTimeout = errors.New("analysis did not finish before the polling limit")
	// ErrNotReady is returned when a chat is started before the analysis
	// payload exists.
	ErrNotReady = errors.New("analysis is not ready for chat")
	// ErrChatInFlight is returned when a turn is already outstanding for the
	// same record.
	ErrChatInFlight = errors.New("a chat message is already being answered")

	ErrEmptyMessage   = errors.New("chat message is empty")
	ErrMessageTooLong = errors.New("chat message is too long")

	// ErrEmptyReply is returned when the chat service answers with no text.
	ErrEmptyReply = errors.New("chat service returned an empty reply")
)

// Stage names one step of the upload sequence.
type Stage string

const (
	StageProbe   Stage = "probe"
	StageCreate  Stage = "create"
	StageUpload  Stage = "upload"
	StageSetURL  Stage = "set_url"
	StageTrigger Stage = "trigger"
)

var stageFallbacks = map[Stage]string{
	StageProbe:   "Could not read the video file",
	StageCreate:  "Failed to create video analysis",
	StageUpload:  "Failed to upload video",
	StageSetURL:  "Failed to save video URL",
	StageTrigger: "Failed to start analysis",
}

var stageTitles = map[Stage]string{
	StageProbe:   "Error",
	StageCreate:  "Error",
	StageUpload:  "Upload failed",
	StageSetURL:  "Error",
	StageTrigger: "Analysis failed to start",
}

// StageError reports which upload step failed. Message is the collaborator's
// message, or the stage's generic message when it gave none.
type StageError struct {
	Stage   Stage
	Message string
	Err     error
}

func newStageError(stage Stage, err error) *StageError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = stageFallbacks[stage]
	}
	return &StageError{Stage: stage, Message: msg, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// AnalysisFailedError carries the message of a record that ended in failed.
type AnalysisFailedError struct {
	RecordID string
	Message  string
}

func (e *AnalysisFailedError) Error() string {
	return fmt.Sprintf("analysis %s failed: %s", e.RecordID, e.Message)
}

// ChatError reports a chat turn that failed after validation. The session
// has already raised an error notification for it.
type ChatError struct {
	Op  string
	Err error
}

func (e *ChatError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *ChatError) Unwrap() error { return e.Err }
