package model

import "errors"

// Errors shared by every record store implementation so callers can compare
// them with errors.Is regardless of the backend.
var (
	ErrNotFound        = errors.New("analysis record not found")
	ErrTerminal        = errors.New("analysis record already in a terminal state")
	ErrVersionConflict = errors.New("chat history was modified concurrently")
)
