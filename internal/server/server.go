// Package server exposes a run's manifest and artifacts over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/niviz/internal/errors"
	"github.com/3leaps/niviz/internal/observability"
	"github.com/3leaps/niviz/internal/server/handlers"
	"github.com/3leaps/niviz/internal/server/middleware"
)

// Server is the read-only report API.
type Server struct {
	host string
	port int

	outputDir string

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithOutputDir mounts /manifest, /specs and /files over dir.
func WithOutputDir(dir string) Option {
	return func(s *Server) { s.outputDir = dir }
}

// WithTimeouts sets the http.Server timeouts. Zero values keep defaults.
func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, http.StatusNotFound, apperrors.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/healthz", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.outputDir != "" {
		a := handlers.NewArtifacts(s.outputDir)
		r.Get("/manifest", a.ManifestHandler)
		r.Get("/specs/{spec}", a.SpecHandler)
		r.Get("/files/*", a.FileHandler)
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.CLILogger.Info("Server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	observability.CLILogger.Info("Server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
