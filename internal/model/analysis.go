// Package model contains the struct definitions shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// Status describes where an analysis record is in its lifecycle. Transitions
// are uploading -> processing -> completed|failed and are only ever applied by
// the analysis worker.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a record's chat history. Timestamp is assigned
// when the message is appended and always agrees with slice order.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Same reports whether two messages describe the same appended entry.
func (m ChatMessage) Same(other ChatMessage) bool {
	return m.Role == other.Role && m.Message == other.Message && m.Timestamp.Equal(other.Timestamp)
}

// AnalysisRecord is the single authoritative state for one submitted video.
type AnalysisRecord struct {
	ID       string  `json:"id"`
	FileName string  `json:"file_name"`
	FileSize int64   `json:"file_size"`
	Duration int     `json:"duration"`
	VideoURL *string `json:"video_url,omitempty"`
	Status   Status  `json:"status"`
	// AnalysisData stays nil until the record is completed and is never
	// written afterwards.
	AnalysisData   json.RawMessage `json:"analysis_data,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ChatHistory    []ChatMessage   `json:"chat_history"`
	HistoryVersion int             `json:"history_version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (r *AnalysisRecord) Clone() *AnalysisRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.VideoURL != nil {
		u := *r.VideoURL
		c.VideoURL = &u
	}
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		c.ErrorMessage = &msg
	}
	if r.AnalysisData != nil {
		c.AnalysisData = append(json.RawMessage(nil), r.AnalysisData...)
	}
	c.ChatHistory = append([]ChatMessage(nil), r.ChatHistory...)
	if c.ChatHistory == nil {
		c.ChatHistory = []ChatMessage{}
	}
	return &c
}

// Ready reports whether the record can back a chat session.
func (r *AnalysisRecord) Ready() bool {
	return r != nil && r.ID != "" && len(r.AnalysisData) > 0
}
