package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// MaxMessageLength is the longest accepted chat message, in runes.
const MaxMessageLength = 500

// inflight tracks records with an outstanding chat turn in this process.
var inflight = &inflightSet{ids: make(map[string]struct{})}

type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *inflightSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[id]; busy {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// ChatSession holds the conversation about one completed analysis. It only
// ever appends to the history and only ever writes the history back.
type ChatSession struct {
	backend  ChatBackend
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	recordID string
	analysis json.RawMessage

	mu      sync.Mutex
	history []model.ChatMessage
	version int
	loading bool
}

// NewChatSession starts a session from a fetched record. The record must
// carry an ID and an analysis payload.
func NewChatSession(rec *model.AnalysisRecord, backend ChatBackend, notifier Notifier, logger *slog.Logger) (*ChatSession, error) {
	if !rec.Ready() {
		return nil, ErrNotReady
	}
	snap := rec.Clone()
	return &ChatSession{
		backend:  backend,
		notifier: orDiscard(notifier),
		logger:   logger.With(slog.String("component", "chat"), slog.String("video_id", rec.ID)),
		now:      time.Now,
		recordID: snap.ID,
		analysis: snap.AnalysisData,
		history:  snap.ChatHistory,
		version:  snap.HistoryVersion,
	}, nil
}

// History returns a copy of the local view, including unsent messages.
func (s *ChatSession) History() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.history...)
}

// Version is the last history version confirmed by the store.
func (s *ChatSession) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Loading reports whether a reply is being awaited.
func (s *ChatSession) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Send runs one turn. The user message is appended before the chat service
// is called and stays even if the call fails; in that case nothing is
// persisted and the next successful turn writes it together with its own
// pair. The returned slice is the local history after the turn.
func (s *ChatSession) Send(ctx context.Context, message string) ([]model.ChatMessage, error) {
	text := strings.TrimSpace(message)
	if text == "" {
		chatTurnsTotal.WithLabelValues("rejected").Inc()
		return s.History(), ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		chatTurnsTotal.WithLabelValues("rejected").Inc()
		return s.History(), fmt.Errorf("%w: %d characters max", ErrMessageTooLong, MaxMessageLength)
	}
	if !inflight.acquire(s.recordID) {
		chatTurnsTotal.WithLabelValues("busy").Inc()
		return s.History(), ErrChatInFlight
	}
	defer inflight.release(s.recordID)

	s.mu.Lock()
	prior := append([]model.ChatMessage(nil), s.history...)
	s.history = append(s.history, model.ChatMessage{Role: model.RoleUser, Message: text, Timestamp: s.stamp()})
	s.loading = true
	s.mu.Unlock()

	reply, err := s.backend.SendChatTurn(ctx, s.recordID, text, s.analysis, prior)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyReply
	}
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		chatTurnsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("chat turn failed", slog.String("error", err.Error()))
		s.notifyError("Failed to send message", err)
		return s.History(), &ChatError{Op: "send chat turn", Err: err}
	}

	s.mu.Lock()
	s.history = append(s.history, model.ChatMessage{Role: model.RoleAssistant, Message: reply, Timestamp: s.stamp()})
	s.loading = false
	snapshot := append([]model.ChatMessage(nil), s.history...)
	expected := s.version
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot, expected); err != nil {
		chatTurnsTotal.WithLabelValues("persist_failed").Inc()
		s.logger.Warn("persist chat history", slog.String("error", err.Error()))
		s.notifyError("Failed to save chat history", err)
		return s.History(), &ChatError{Op: "persist chat history", Err: err}
	}
	chatTurnsTotal.WithLabelValues("ok").Inc()
	return s.History(), nil
}

// persist writes history at expected. On a version conflict the remote
// history is taken as the base, local entries it lacks are appended, and
// the merged history is written once more.
func (s *ChatSession) persist(ctx context.Context, history []model.ChatMessage, expected int) error {
	version, err := s.backend.PersistHistory(ctx, s.recordID, history, expected)
	if err == nil {
		s.mu.Lock()
		s.version = version
		s.mu.Unlock()
		return nil
	}
	if !errors.Is(err, model.ErrVersionConflict) {
		return err
	}

	remote, err := s.backend.FetchRecord(ctx, s.recordID)
	if err != nil {
		return fmt.Errorf("refetch after conflict: %w", err)
	}
	merged := mergeHistory(remote.ChatHistory, history)
	s.logger.Info("chat history conflict, retrying with merged history",
		slog.Int("remote_version", remote.HistoryVersion),
		slog.Int("entries", len(merged)),
	)
	version, err = s.backend.PersistHistory(ctx, s.recordID, merged, remote.HistoryVersion)
	if err != nil {
		return err
	}

	s.mu.Lock()
	// Keep anything appended locally after the snapshot that was persisted.
	var later []model.ChatMessage
	if len(s.history) > len(history) {
		later = s.history[len(history):]
	}
	s.history = mergeHistory(merged, later)
	s.version = version
	s.mu.Unlock()
	return nil
}

// stamp returns a timestamp strictly after the last entry. Callers hold mu.
func (s *ChatSession) stamp() time.Time {
	t := s.now().UTC()
	if n := len(s.history); n > 0 {
		if last := s.history[n-1].Timestamp; !t.After(last) {
			t = last.Add(time.Millisecond)
		}
	}
	return t
}

func (s *ChatSession) notifyError(fallback string, err error) {
	desc := fallback
	if err != nil && err.Error() != "" {
		desc = err.Error()
	}
	s.notifier.Notify(Notification{
		Level:       LevelError,
		Title:       "Error",
		Description: desc,
		RecordID:    s.recordID,
	})
}

// mergeHistory returns base followed by the entries of local not found in
// base, in their local order. Appended entries that are not later than the
// entry before them are re-stamped 1ms after it, so slice order and
// timestamp order stay the same.
func mergeHistory(base, local []model.ChatMessage) []model.ChatMessage {
	out := append([]model.ChatMessage(nil), base...)
	for _, msg := range local {
		found := false
		for _, existing := range base {
			if existing.Same(msg) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if n := len(out); n > 0 && !msg.Timestamp.After(out[n-1].Timestamp) {
			msg.Timestamp = out[n-1].Timestamp.Add(time.Millisecond)
		}
		out = append(out, msg)
	}
	return out
}
