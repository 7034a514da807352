package api

import (
	"errors"
	"net/http"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// ErrorResponse is the body of every non-2xx JSON answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeVersion     = "VERSION_CONFLICT"
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeForbidden   = "FORBIDDEN"
)

func respondError(w http.ResponseWriter, status int, code, message, details string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondError(w, http.StatusBadRequest, ErrCodeBadRequest, message, "")
}

func respondValidation(w http.ResponseWriter, message string) {
	respondError(w, http.StatusUnprocessableEntity, ErrCodeValidation, message, "")
}

func respondConflict(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, ErrCodeConflict, message, "")
}

func respondVersionConflict(w http.ResponseWriter) {
	respondError(w, http.StatusConflict, ErrCodeVersion, "chat history was changed by another writer", "")
}

// respondStoreError maps record store errors onto the envelope. fallback is
// the message used for unexpected failures.
func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "analysis not found", "")
	case errors.Is(err, model.ErrVersionConflict):
		respondVersionConflict(w)
	case errors.Is(err, model.ErrTerminal):
		respondConflict(w, "analysis already finished")
	default:
		s.logger.ErrorContext(r.Context(), fallback, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, fallback, "")
	}
}
