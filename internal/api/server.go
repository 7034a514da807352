// Package api serves the ClipSight HTTP surface: record lifecycle, video
// upload, analysis trigger, chat turns, history persistence, signed
// playback and a websocket feed of record snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/ClipSight/internal/config"
	"github.com/dharsanguruparan/ClipSight/internal/health"
	"github.com/dharsanguruparan/ClipSight/internal/model"
	"github.com/dharsanguruparan/ClipSight/internal/queue"
	"github.com/dharsanguruparan/ClipSight/internal/signing"
)

// Records is the record store: the pgx repository in production and the
// memory store in tests and inline mode.
type Records interface {
	Create(ctx context.Context, fileName string, size int64, duration int) (*model.AnalysisRecord, error)
	Get(ctx context.Context, id string) (*model.AnalysisRecord, error)
	SetVideoURL(ctx context.Context, id, url string) error
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, msg string) error
	SaveHistory(ctx context.Context, id string, history []model.ChatMessage, expectedVersion int) (int, error)
}

// Blobs stores and streams video bytes.
type Blobs interface {
	UploadVideo(ctx context.Context, recordID, fileName string, r io.Reader, size int64, contentType string) (string, error)
	OpenVideo(ctx context.Context, key string) (io.ReadSeekCloser, minio.ObjectInfo, error)
}

// Dispatcher hands an accepted analysis to whatever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload queue.AnalyzePayload) error
}

// Chatter answers one chat turn.
type Chatter interface {
	Reply(ctx context.Context, analysis json.RawMessage, history []model.ChatMessage, userMessage string) (string, error)
}

// HealthChecker reports dependency health for /healthz.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Server exposes the HTTP API.
type Server struct {
	cfg        *config.Config
	records    Records
	blobs      Blobs
	dispatcher Dispatcher
	chatter    Chatter
	signer     *signing.Signer
	health     HealthChecker
	cache      *recordCache
	logger     *slog.Logger
	root       *slog.Logger
	upgrader   websocket.Upgrader

	// lifetime bounds work that outlives a request, such as event streams on
	// hijacked connections. It ends when Run returns or Close is called.
	lifetime context.Context
	stop     context.CancelFunc

	handler http.Handler
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, records Records, blobs Blobs, dispatcher Dispatcher, chatter Chatter, signer *signing.Signer, logger *slog.Logger) *Server {
	lifetime, stop := context.WithCancel(context.Background())
	return &Server{
		lifetime:   lifetime,
		stop:       stop,
		cfg:        cfg,
		records:    records,
		blobs:      blobs,
		dispatcher: dispatcher,
		chatter:    chatter,
		signer:     signer,
		cache:      newRecordCache(cfg.CacheSize, cfg.CacheTTL),
		logger:     logger.With(slog.String("component", "api")),
		root:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// WithHealth makes /healthz report h instead of a static ok.
func (s *Server) WithHealth(h HealthChecker) *Server {
	s.health = h
	return s
}

// Close ends event streams still attached to the server.
func (s *Server) Close() {
	s.stop()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	if s.handler != nil {
		return s.handler
	}
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(MetricsMiddleware())

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyses", s.handleCreate)
		r.Get("/playback", s.handlePlayback)
		r.Route("/analyses/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/video", s.handleUploadVideo)
			r.Patch("/video-url", s.handleSetVideoURL)
			r.Post("/analyze", s.handleTrigger)
			r.Post("/chat", s.handleChat)
			r.Put("/chat-history", s.handleSaveHistory)
			r.Get("/playback-url", s.handlePlaybackURL)
			r.Get("/events", s.handleEvents)
		})
	})
	s.handler = r
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	defer s.stop()
	go func() {
		<-ctx.Done()
		// Shutdown does not wait for hijacked websocket connections.
		s.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", slog.String("addr", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, health.Report{Status: health.StatusOK})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON reads a small JSON body into dst. It writes the error response
// itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large", "")
			return false
		}
		respondError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", err.Error())
		return false
	}
	return true
}
