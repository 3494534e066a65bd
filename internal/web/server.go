// Package web serves stored files behind their public tokens and finishes
// registrations through the activation link.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"filebot/internal/codec"
	"filebot/internal/domain"
	"filebot/internal/metrics"
)

const (
	ActivatedText        = "Registration finished! Your account is active."
	AlreadyActivatedText = "Account already activated."

	activationAttempts = 3
)

// TokenDecoder recovers ids from public tokens of one purpose.
type TokenDecoder interface {
	Decode(purpose codec.Purpose, token string) (uint64, error)
}

type Config struct {
	Listen             string
	RateLimitPerMinute int
	RateLimitBurst     int
	MetricsEnabled     bool
	Version            string
	// QueueLen, when set, feeds the queue depth gauges before /metrics renders.
	QueueLen func(queue string) int
}

// Server is the public HTTP endpoint for downloads and activation.
type Server struct {
	cfg      Config
	files    domain.FileRepository
	contents domain.ContentStore
	users    domain.UserRepository
	tokens   TokenDecoder
	limiter  *LimiterStore
	logger   *slog.Logger
	server   *http.Server
}

func New(cfg Config, files domain.FileRepository, contents domain.ContentStore, users domain.UserRepository, tokens TokenDecoder, logger *slog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	return &Server{
		cfg:      cfg,
		files:    files,
		contents: contents,
		users:    users,
		tokens:   tokens,
		limiter:  NewLimiterStore(cfg.RateLimitPerMinute, cfg.RateLimitBurst, time.Minute),
		logger:   logger,
	}
}

// Handler returns the routed, rate limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /document", s.handleFile(domain.ResourceDocument))
	mux.HandleFunc("GET /photo", s.handleFile(domain.ResourcePhoto))
	mux.HandleFunc("GET /user/activation", s.handleActivation)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.cfg.MetricsEnabled {
		mux.HandleFunc("GET /metrics", s.handleMetrics)
	}
	return s.limiter.Middleware(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("file server started", "addr", s.cfg.Listen, "metrics", s.cfg.MetricsEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
		s.limiter.Stop()
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleFile streams the content behind ?id=. Unknown, foreign and
// malformed tokens all get the same 404.
func (s *Server) handleFile(kind domain.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.tokens.Decode(codec.ForResource(kind), r.URL.Query().Get("id"))
		if err != nil {
			s.notFound(w, r)
			return
		}

		meta, err := s.files.FindByID(r.Context(), kind, id)
		if err != nil {
			s.logger.Error("load file metadata", "kind", kind, "id", id, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if meta == nil {
			s.notFound(w, r)
			return
		}

		content, err := s.contents.Get(r.Context(), meta.ContentID)
		if err != nil {
			s.logger.Error("load file content", "kind", kind, "content_id", meta.ContentID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if content == nil {
			s.logger.Error("metadata without content", "kind", kind, "id", meta.ID, "content_id", meta.ContentID)
			s.notFound(w, r)
			return
		}

		contentType := meta.MimeType
		if contentType == "" {
			contentType = mimetype.Detect(content.Data).String()
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
		if meta.Name != "" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}))
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content.Data)
	}
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request) {
	id, err := s.tokens.Decode(codec.PurposeUser, r.URL.Query().Get("id"))
	if err != nil {
		s.notFound(w, r)
		return
	}

	for attempt := 1; ; attempt++ {
		user, err := s.users.FindByID(r.Context(), id)
		if err != nil {
			s.logger.Error("load user for activation", "user_id", id, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		// Without an email the registration never reached the mail step.
		if user == nil || user.Email == nil {
			s.notFound(w, r)
			return
		}
		if user.Active {
			writeText(w, http.StatusOK, AlreadyActivatedText)
			return
		}

		user.Active = true
		err = s.users.Update(r.Context(), user)
		if err == nil {
			metrics.Activations.Inc()
			s.logger.Info("user activated", "user_id", user.ID)
			writeText(w, http.StatusOK, ActivatedText)
			return
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= activationAttempts {
			s.logger.Error("activate user", "user_id", id, "attempt", attempt, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		metrics.VersionConflicts.Inc()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.QueueLen != nil {
		for _, q := range []string{
			domain.QueueTextUpdate,
			domain.QueueDocumentUpdate,
			domain.QueuePhotoUpdate,
			domain.QueueAnswerMessage,
			domain.QueueRegistrationMail,
		} {
			metrics.QueueDepth(q).Set(int64(s.cfg.QueueLen(q)))
		}
	}
	metrics.Collector.Handler()(w, r)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	metrics.DownloadsNotFound.Inc()
	s.logger.Debug("not found", "path", r.URL.Path)
	http.NotFound(w, r)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, text)
}
