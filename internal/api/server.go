// Package api serves scribe over HTTP. Requests and responses are JSON;
// request bodies are validated against the embedded JSON schemas before
// they reach the engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scribe/internal/config"
	"scribe/internal/engine"
	"scribe/internal/health"
	"scribe/internal/logging"
	"scribe/internal/metrics"
	"scribe/internal/schema"
	"scribe/internal/security"
	"scribe/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Config  config.ServerConfig
	Health  *health.Checker
	Metrics *metrics.Metrics
	Schemas *schema.Validator
	Tracer  *tracing.Tracer
	Logger  *slog.Logger
}

// Server is the scribe HTTP API server.
type Server struct {
	engine  *engine.Engine
	cfg     config.ServerConfig
	health  *health.Checker
	metrics *metrics.Metrics
	schemas *schema.Validator
	limiter *security.KeyedRateLimiter
	tracer  *tracing.Tracer
	logger  *slog.Logger
}

// NewServer creates a server in front of e.
func NewServer(e *engine.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  e,
		cfg:     opts.Config,
		health:  opts.Health,
		metrics: opts.Metrics,
		schemas: opts.Schemas,
		tracer:  opts.Tracer,
		logger:  logger.With("component", "api"),
	}
	if s.health == nil {
		s.health = health.NewChecker("")
		e.RegisterHealthChecks(s.health)
	}
	if s.schemas == nil {
		s.schemas = schema.Default()
	}
	if s.cfg.RateLimit > 0 {
		s.limiter = security.NewKeyedRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, 10*time.Minute)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.traceRequests)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Handle("/health", s.health.HealthHandler())
	r.Handle("/health/live", s.health.LivenessHandler())
	r.Handle("/health/ready", s.health.ReadinessHandler())
	if s.cfg.Metrics && s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		if s.cfg.RequestTimeoutSec > 0 {
			r.Use(middleware.Timeout(time.Duration(s.cfg.RequestTimeoutSec) * time.Second))
		}

		r.Post("/fingerprint", s.handleFingerprint)
		r.Post("/attribute", s.handleAttribute)
		r.Post("/anomaly", s.handleAnomaly)
		r.Post("/ingest", s.handleIngest)
		r.Post("/network", s.handleNetwork)

		r.Get("/profiles", s.handleListProfiles)
		r.Get("/profiles/{id}", s.handleGetProfile)
		r.Delete("/profiles/{id}", s.handleDeleteProfile)

		r.Get("/history", s.handleHistory)
		r.Get("/calibration", s.handleCalibration)
		r.Get("/stats", s.handleStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed", nil)
	})
	return r
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.health.SetReady(true)
	s.logger.Info("api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.health.SetReady(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("api stopped")
	return nil
}

// requestLogger logs each request with slog and carries chi's request id
// into the context for the audit log.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		ctx := logging.ContextWithRequestID(r.Context(), reqID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", reqID,
			"remote", r.RemoteAddr,
		)
	})
}

// rateLimit applies a token bucket per client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceRequests starts a server span per request. An incoming traceparent
// header makes the span a child of the caller's trace, and the span's own
// traceparent is returned to the caller.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if sc, err := tracing.ParseTraceParent(r.Header.Get("traceparent")); err == nil {
			ctx = tracing.ContextWithRemote(ctx, sc)
		}
		ctx, span := s.tracer.Start(ctx, "http "+r.Method)
		defer span.End()
		w.Header().Set("traceparent", tracing.FormatTraceParent(span.Context()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttribute("http.path", r.URL.Path)
		span.SetAttribute("http.status", status)
		span.SetAttribute("request_id", middleware.GetReqID(ctx))
		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetAttribute("http.route", pattern)
			}
		}
		if status >= 500 {
			span.SetStatus(tracing.StatusError, http.StatusText(status))
		}
	})
}
