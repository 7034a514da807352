package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/pipeline"
)

const (
	eventWriteWait = 10 * time.Second
	// Control frames carry at most 125 bytes, two of them the close code.
	maxCloseReason = 123
)

// Event is one websocket frame of the /events stream.
type Event struct {
	Type        string                `json:"type"`
	Record      *model.AnalysisRecord `json:"record,omitempty"`
	Level       pipeline.Level        `json:"level,omitempty"`
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
}

const (
	EventRecord       = "record"
	EventNotification = "notification"
)

// storeFetcher lets the poller read straight from the record store.
type storeFetcher struct {
	records Records
}

func (f storeFetcher) FetchRecord(ctx context.Context, id string) (*model.AnalysisRecord, error) {
	return f.records.Get(ctx, id)
}

// handleEvents upgrades to a websocket and streams record snapshots until
// the analysis is terminal, the poll budget runs out or the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.records.Get(r.Context(), id); err != nil {
		s.respondStoreError(w, r, err, "Failed to load analysis")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", slog.String("video_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// The request context is done once the handler hijacks the connection,
	// so the stream is bound to the server instead.
	ctx, cancel := context.WithCancel(s.lifetime)
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	send := func(ev Event) {
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			cancel()
		}
	}
	poller := pipeline.NewPoller(storeFetcher{records: s.records},
		pipeline.NotifierFunc(func(n pipeline.Notification) {
			send(Event{Type: EventNotification, Level: n.Level, Title: n.Title, Description: n.Description})
		}),
		s.root,
		pipeline.WithInterval(s.cfg.PollInterval),
		pipeline.WithMaxAttempts(s.cfg.PollAttempts),
		pipeline.WithObserver(func(rec *model.AnalysisRecord) {
			send(Event{Type: EventRecord, Record: rec})
		}),
	)

	reason := "analysis finished"
	if _, err := poller.Poll(ctx, id); err != nil {
		reason = err.Error()
	}
	reason = truncateUTF8(reason, maxCloseReason)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(eventWriteWait))
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
