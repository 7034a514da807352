package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/queue"
	"github.com/dharsanguruparan/ClipSight/internal/s3storage"
	"github.com/dharsanguruparan/ClipSight/internal/signing"
)

// MaxChatMessageLength bounds a single chat question, in runes.
const MaxChatMessageLength = 500

type createRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	Duration int    `json:"duration"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := filepath.Base(strings.TrimSpace(req.FileName))
	switch {
	case name == "" || name == "." || name == "/":
		respondValidation(w, "file_name is required")
		return
	case req.FileSize <= 0:
		respondValidation(w, "file_size must be positive")
		return
	case req.FileSize > s.cfg.MaxFileSize:
		respondError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
			"file exceeds limit", fmt.Sprintf("max %d bytes", s.cfg.MaxFileSize))
		return
	case req.Duration < 0:
		respondValidation(w, "duration must not be negative")
		return
	}
	rec, err := s.records.Create(r.Context(), name, req.FileSize, req.Duration)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to create video analysis")
		return
	}
	s.logger.Info("analysis created", slog.String("video_id", rec.ID), slog.String("file", name))
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to load analysis")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleUploadVideo takes the raw video as the request body. The body is
// spooled to a temp file so the size limit and content type are checked
// before anything reaches object storage.
func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to upload video")
		return
	}
	if rec.Status.Terminal() {
		respondConflict(w, "analysis already finished")
		return
	}
	if name := r.Header.Get("X-File-Name"); name != "" && filepath.Base(name) != rec.FileName {
		respondValidation(w, "X-File-Name does not match the analysis file name")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize)
	tmp, err := spoolUpload(r.Body, s.cfg.MaxFileSize)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
				"file exceeds limit", fmt.Sprintf("max %d bytes", s.cfg.MaxFileSize))
			return
		}
		respondBadRequest(w, err.Error())
		return
	}
	defer tmp.cleanup()

	contentType := normalizeContentType(tmp.sniffed, r.Header.Get("Content-Type"))
	if !s.cfg.AllowsType(contentType) {
		respondError(w, http.StatusUnsupportedMediaType, ErrCodeValidation,
			"unsupported video type", contentType)
		return
	}

	url, err := s.blobs.UploadVideo(ctx, rec.ID, rec.FileName, tmp.f, tmp.size, contentType)
	if err != nil {
		s.logger.Error("upload to storage failed", slog.String("video_id", id), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, ErrCodeUnavailable, "Failed to upload video", "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"url": url, "size": tmp.size, "content_type": contentType})
}

type setURLRequest struct {
	VideoURL string `json:"video_url"`
}

func (s *Server) handleSetVideoURL(w http.ResponseWriter, r *http.Request) {
	var req setURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VideoURL) == "" {
		respondValidation(w, "video_url is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.records.SetVideoURL(r.Context(), id, req.VideoURL); err != nil {
		s.respondStoreError(w, r, err, "Failed to save video URL")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// handleTrigger accepts an analysis request. The record moves to processing
// before the job is dispatched; if dispatch fails it is marked failed so the
// poller sees a terminal status instead of waiting out its budget.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to start analysis")
		return
	}
	if rec.VideoURL == nil {
		respondConflict(w, "video has not been uploaded")
		return
	}
	if rec.Status.Terminal() {
		respondConflict(w, "analysis already finished")
		return
	}
	if (req.FileName != "" && req.FileName != rec.FileName) || (req.FileSize != 0 && req.FileSize != rec.FileSize) {
		respondValidation(w, "file details do not match the analysis")
		return
	}
	if err := s.records.MarkProcessing(ctx, id); err != nil {
		s.respondStoreError(w, r, err, "Failed to start analysis")
		return
	}
	payload := queue.AnalyzePayload{VideoID: rec.ID, FileName: rec.FileName, FileSize: rec.FileSize}
	if err := s.dispatcher.Dispatch(ctx, payload); err != nil {
		s.logger.Error("dispatch analysis", slog.String("video_id", id), slog.String("error", err.Error()))
		if markErr := s.records.MarkFailed(ctx, id, "Failed to start analysis"); markErr != nil && !errors.Is(markErr, model.ErrTerminal) {
			s.logger.Error("mark failed after dispatch error", slog.String("video_id", id), slog.String("error", markErr.Error()))
		}
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Failed to start analysis", err.Error())
		return
	}
	s.logger.Info("analysis dispatched", slog.String("video_id", id))
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.StatusProcessing)})
}

type chatRequest struct {
	Message      string              `json:"message"`
	History      []model.ChatMessage `json:"history"`
	AnalysisData json.RawMessage     `json:"analysis_data,omitempty"`
}

// handleChat answers one turn. The stored analysis payload is used for the
// prompt; a payload in the request is only a fallback.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		respondValidation(w, "message is required")
		return
	}
	if utf8.RuneCountInString(msg) > MaxChatMessageLength {
		respondValidation(w, fmt.Sprintf("message exceeds %d characters", MaxChatMessageLength))
		return
	}
	if err := validateHistory(req.History); err != nil {
		respondValidation(w, err.Error())
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")
	rec, err := s.cache.get(ctx, id, s.records.Get)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to send message")
		return
	}
	analysis := rec.AnalysisData
	if len(analysis) == 0 {
		analysis = req.AnalysisData
	}
	if rec.Status != model.StatusCompleted || len(analysis) == 0 {
		respondConflict(w, "analysis is not complete")
		return
	}

	reply, err := s.chatter.Reply(ctx, analysis, req.History, msg)
	if err != nil {
		s.logger.Warn("chat turn failed", slog.String("video_id", id), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, ErrCodeUnavailable, "Failed to send message", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type historyRequest struct {
	History         []model.ChatMessage `json:"history"`
	ExpectedVersion int                 `json:"expected_version"`
}

// handleSaveHistory replaces the chat history. The new history must extend
// the stored one and the write only lands at the expected version.
func (s *Server) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateHistory(req.History); err != nil {
		respondValidation(w, err.Error())
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to save chat history")
		return
	}
	if rec.HistoryVersion != req.ExpectedVersion {
		respondVersionConflict(w)
		return
	}
	if !extends(rec.ChatHistory, req.History) {
		respondValidation(w, "history must extend the stored history")
		return
	}
	version, err := s.records.SaveHistory(ctx, id, req.History, req.ExpectedVersion)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to save chat history")
		return
	}
	s.cache.remove(id)
	respondJSON(w, http.StatusOK, map[string]int{"history_version": version})
}

func (s *Server) handlePlaybackURL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.cache.get(r.Context(), id, s.records.Get)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to create playback link")
		return
	}
	if rec.VideoURL == nil {
		respondConflict(w, "video has not been uploaded")
		return
	}
	link, expires := s.signer.PlaybackURL(s.cfg.PublicBaseURL, id, s.cfg.SignedURLTTL)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":        link,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	id, err := s.signer.Validate(r.URL.Query())
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, signing.ErrMalformed) {
			status = http.StatusBadRequest
		}
		respondError(w, status, ErrCodeForbidden, "invalid playback link", err.Error())
		return
	}
	ctx := r.Context()
	rec, err := s.cache.get(ctx, id, s.records.Get)
	if err != nil {
		s.respondStoreError(w, r, err, "Failed to open video")
		return
	}
	if rec.VideoURL == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "video not uploaded", "")
		return
	}
	obj, info, err := s.blobs.OpenVideo(ctx, s3storage.ObjectKey(rec.ID, rec.FileName))
	if err != nil {
		s.logger.Error("open video", slog.String("video_id", id), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, ErrCodeUnavailable, "Failed to open video", "")
		return
	}
	defer obj.Close()
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	http.ServeContent(w, r, rec.FileName, info.LastModified, obj)
}

func validateHistory(history []model.ChatMessage) error {
	for i, m := range history {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			return fmt.Errorf("history[%d]: unknown role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Message) == "" {
			return fmt.Errorf("history[%d]: empty message", i)
		}
		if m.Timestamp.IsZero() {
			return fmt.Errorf("history[%d]: missing timestamp", i)
		}
	}
	return nil
}

// extends reports whether next starts with every entry of stored, in order.
func extends(stored, next []model.ChatMessage) bool {
	if len(next) < len(stored) {
		return false
	}
	for i := range stored {
		if !stored[i].Same(next[i]) {
			return false
		}
	}
	return true
}

var errTooLarge = errors.New("file exceeds limit")

type spooledUpload struct {
	f       *os.File
	size    int64
	sniffed string
}

func (u *spooledUpload) cleanup() {
	u.f.Close()
	os.Remove(u.f.Name())
}

// spoolUpload copies body to a temp file, sniffing the first 512 bytes.
func spoolUpload(body io.Reader, limit int64) (*spooledUpload, error) {
	tmpFile, err := os.CreateTemp("", "clipsight-*.upload")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*spooledUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}

	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > limit {
				return fail(errTooLarge)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(readErr)
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind temp file: %w", err))
	}
	return &spooledUpload{f: tmpFile, size: written, sniffed: sniffVideo(sniff)}, nil
}

// sniffVideo extends http.DetectContentType with the ISO base media brands
// it does not know. QuickTime files carry the "qt  " major brand.
func sniffVideo(head []byte) string {
	if len(head) >= 12 && string(head[4:8]) == "ftyp" && string(head[8:12]) == "qt  " {
		return "video/quicktime"
	}
	return http.DetectContentType(head)
}

// normalizeContentType prefers the sniffed type and falls back to the
// declared one when sniffing is inconclusive.
func normalizeContentType(sniffed, declared string) string {
	if sniffed == "video/avi" {
		return "video/x-msvideo"
	}
	if sniffed != "application/octet-stream" {
		return sniffed
	}
	if declared == "" {
		return sniffed
	}
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = declared[:i]
	}
	return strings.ToLower(strings.TrimSpace(declared))
}
