// Package api exposes the render queue over HTTP: JSON endpoints for tasks
// and workers, a server-sent event stream of queue events and a WebSocket
// carrying renderer output.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hochfrequenz/render-queue/internal/domain"
	"github.com/hochfrequenz/render-queue/internal/events"
	"github.com/hochfrequenz/render-queue/internal/resource"
)

// Queue is the part of the queue manager the API drives
type Queue interface {
	Tasks() []*domain.RenderTask
	Task(id string) (*domain.RenderTask, error)
	Enqueue(task *domain.RenderTask) error
	Edit(id string, replacement *domain.RenderTask) error
	Cancel(id string) error
	Start()
	Stop()
	Processing() bool
	Mode() string
	Workers() []domain.WorkerStatus
	PendingCount() int
}

// Sampler reports current host load
type Sampler interface {
	Sample() resource.Sample
}

// Server is the HTTP API server
type Server struct {
	queue   Queue
	sampler Sampler
	bus     *events.Bus
	logger  *zap.Logger
	addr    string
	router  chi.Router
	sseHub  *SSEHub
}

// NewServer creates a new API server. sampler may be nil.
func NewServer(queue Queue, sampler Sampler, bus *events.Bus, logger *zap.Logger, addr string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:   queue,
		sampler: sampler,
		bus:     bus,
		logger:  logger.Named("api"),
		addr:    addr,
		sseHub:  NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.sameOriginOnly)
		jsonBody := middleware.AllowContentType("application/json")

		r.Get("/status", s.statusHandler)
		r.Get("/tasks", s.listTasksHandler)
		r.With(jsonBody).Post("/tasks", s.createTaskHandler)
		r.Get("/tasks/{id}", s.getTaskHandler)
		r.With(jsonBody).Put("/tasks/{id}", s.editTaskHandler)
		r.Delete("/tasks/{id}", s.cancelTaskHandler)
		r.Post("/queue/start", s.startQueueHandler)
		r.Post("/queue/stop", s.stopQueueHandler)
		r.Get("/workers", s.workersHandler)
		r.Get("/resources", s.resourcesHandler)
		r.Get("/events", s.sseHandler)
		r.Get("/logs/ws", s.logsHandler)
	})
	s.router = r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.bus != nil {
		ch, unsub := s.bus.Channel(256)
		defer unsub()
		go s.sseHub.Run(ctx, ch)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	s.sseHub.Close()
	return srv.Shutdown(shutdownCtx)
}

// sameOriginOnly rejects browser requests sent from another site. Requests
// without an Origin header (curl, scripts) pass.
func (s *Server) sameOriginOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sameOrigin(r) {
			s.logger.Warn("rejected cross-origin request",
				zap.String("origin", r.Header.Get("Origin")),
				zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "cross-origin requests are not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sameOrigin reports whether r carries no Origin or one naming the host
// the request was sent to
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
