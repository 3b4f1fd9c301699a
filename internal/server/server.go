// Package server exposes the halalcert runtime over a JSON HTTP API with a
// websocket event stream at /api/v1/events/stream.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/config"
	"github.com/normanking/halalcert/internal/system"
)

// Option customizes the server.
type Option func(*Server)

// WithMount serves h under pattern, behind the same authentication.
func WithMount(pattern string, h http.Handler) Option {
	return func(s *Server) { s.mounts = append(s.mounts, mount{pattern, h}) }
}

type mount struct {
	pattern string
	handler http.Handler
}

// Server is the HTTP transport for a System.
type Server struct {
	sys      *system.System
	cfg      config.ServerConfig
	logger   zerolog.Logger
	auth     *APIKeyAuth
	observer *bus.Observer
	mounts   []mount
	handler  http.Handler
}

// New builds the route table. The observer subscribes to the bus
// immediately; call Close to release it.
func New(sys *system.System, cfg config.ServerConfig, logger zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		sys:    sys,
		cfg:    cfg,
		logger: logger,
		auth:   NewAPIKeyAuth(cfg.APIKeyHashes),
	}
	for _, opt := range opts {
		opt(s)
	}
	obs, err := bus.NewObserver(sys.Bus(), logger)
	if err != nil {
		return nil, err
	}
	s.observer = obs

	api := http.NewServeMux()
	s.registerRoutes(api)
	for _, m := range s.mounts {
		api.Handle(m.pattern, m.handler)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	root.Handle("/", s.auth.RequireKey(api))
	s.handler = s.logRequests(root)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close disconnects event stream clients.
func (s *Server) Close() error { return s.observer.Close() }

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.observer.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T cannot hijack", r.ResponseWriter)
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
