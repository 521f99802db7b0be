package server

import (
	"context"
	"net/http"
	"time"

	"PerpSettle/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps are the handlers mounted on the HTTP router. Nil members
// are skipped.
type RouterDeps struct {
	Gateway  http.Handler
	Health   *observability.HealthChecker
	Hub      *EventHub
	Gatherer prometheus.Gatherer
}

// NewRouter mounts health, metrics, the event stream and the REST gateway.
func NewRouter(deps RouterDeps) http.Handler {
	logger := observability.NewLogger("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.Hub != nil {
		// No timeout middleware: the connection is long-lived.
		r.Get("/v1/ws", deps.Hub.HandleWS)
	}

	if deps.Gateway != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Handle("/v1/*", deps.Gateway)
		})
	}
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// HTTPServer serves a handler until its context is cancelled.
type HTTPServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: observability.NewLogger("http"),
	}
}

// Start listens and serves (blocking). Shutdown waits up to 5s for
// in-flight requests once ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
