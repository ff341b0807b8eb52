package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/model"
)

// Defaults for Options.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultReadMax         = 100
	MaxReadMax             = 1000
	maxBodyBytes           = 1 << 20
)

// Engine is the execution surface. *engine.Manager implements it.
type Engine interface {
	Submit(ctx context.Context, intent model.Intent) (model.Execution, error)
	Status(ctx context.Context, executionID string) (model.Execution, error)
	Artifact(ctx context.Context, artifactID, tenantID, sessionID string) (model.Artifact, error)
	Lineage(ctx context.Context, artifactID string, dir engine.Direction, tenantID, sessionID string) ([]string, error)
	Terminate(ctx context.Context, artifactID, tenantID, sessionID string) (model.Artifact, error)
}

// Events is the consumer-group WAL surface. *wal.Log implements it.
type Events interface {
	ReadGroup(ctx context.Context, group, partitionKey string, max int) ([]model.WALEntry, error)
	Ack(ctx context.Context, group, partitionKey string, offset int64) error
	Lag(ctx context.Context, group, partitionKey string) (int64, error)
}

// Options configures a Server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server serves the HTTP API.
type Server struct {
	engine Engine
	events Events
	opts   Options
	router chi.Router
}

// NewServer creates a server. Zero options take defaults.
func NewServer(e Engine, events Events, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{engine: e, events: events, opts: opts}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/intent/submit", s.submit)
		r.Get("/execution/{executionID}/status", s.status)
		r.Route("/artifact/{artifactID}", func(r chi.Router) {
			r.Get("/", s.artifact)
			r.Get("/lineage", s.lineage)
			r.Post("/terminate", s.terminate)
		})
		r.Route("/events/{group}/{tenant}/{date}", func(r chi.Router) {
			r.Get("/", s.readEvents)
			r.Post("/ack", s.ackEvent)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, model.NewNotFoundError("route", r.URL.Path))
	})
	return r
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
		return err
	}
	return nil
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
