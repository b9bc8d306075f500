// Package api wires the HTTP surface of the controller.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/artifact-analyst/internal/api/health"
	"github.com/ahrav/artifact-analyst/internal/api/scanning"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/otel"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build    string
	Addr     string
	Log      *logger.Logger
	Metrics  Metrics
	Engine   scanning.Engine
	Scanners domain.ScannerRegistry
	Store    health.Pinger

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the controller's HTTP server.
type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	log := cfg.Log.With("component", "api")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "analyst.api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	})
	r.Use(loggerMiddleware(log, cfg.Metrics))
	r.Use(middleware.Recoverer)

	health.Routes(r, health.Config{Build: cfg.Build, Log: log, Store: cfg.Store})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		scanning.Routes(r, scanning.Config{Log: log, Engine: cfg.Engine, Scanners: cfg.Scanners})
	})

	return &Server{cfg: cfg, logger: log, router: r}
}

func loggerMiddleware(log *logger.Logger, metrics Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				route := chi.RouteContext(ctx).RoutePattern()
				if route == "" {
					route = "unmatched"
				}
				if metrics != nil {
					metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
					metrics.ObserveRequestDuration(ctx, r.Method, route, time.Since(start))
				}
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
