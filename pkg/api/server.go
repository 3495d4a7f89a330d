package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mozart409/tendhost/pkg/host"
	"github.com/Mozart409/tendhost/pkg/log"
	"github.com/Mozart409/tendhost/pkg/metrics"
	"github.com/Mozart409/tendhost/pkg/orchestrator"
	"github.com/Mozart409/tendhost/pkg/store"
)

// Server is the HTTP boundary surface over the orchestrator. It is a
// thin adapter: every operation routes straight into the orchestration
// core.
type Server struct {
	orch   *orchestrator.Orchestrator
	store  store.Store
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server. The store is optional; when present,
// hosts registered through the API survive daemon restarts.
func NewServer(orch *orchestrator.Orchestrator, st store.Store, bind string) *Server {
	s := &Server{
		orch:   orch,
		store:  st,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/hosts", s.handleListHosts)
	mux.HandleFunc("POST /api/v1/hosts", s.handleRegisterHost)
	mux.HandleFunc("GET /api/v1/hosts/{name}", s.handleGetHost)
	mux.HandleFunc("DELETE /api/v1/hosts/{name}", s.handleUnregisterHost)
	mux.HandleFunc("POST /api/v1/hosts/{name}/inventory", s.handleQueryInventory)
	mux.HandleFunc("POST /api/v1/hosts/{name}/update", s.handleUpdateHost)
	mux.HandleFunc("POST /api/v1/hosts/{name}/reboot", s.handleRebootHost)
	mux.HandleFunc("POST /api/v1/hosts/{name}/retry", s.handleRetryHost)
	mux.HandleFunc("POST /api/v1/hosts/{name}/acknowledge", s.handleAcknowledgeHost)
	mux.HandleFunc("POST /api/v1/fleet/update", s.handleFleetUpdate)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	s.srv = &http.Server{
		Addr:              bind,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("bind", s.srv.Addr).Msg("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// statusRecorder captures the response code for request metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps the mux with request logging and metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades must keep the raw ResponseWriter
		if r.URL.Path == "/api/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(timer.Duration().Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var notFound *orchestrator.HostNotFoundError
	var exists *orchestrator.HostAlreadyExistsError
	var cfgErr *orchestrator.ConfigError
	var transErr *host.InvalidTransitionError
	var failedErr *host.FailedError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &exists):
		return http.StatusConflict
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &transErr), errors.As(err, &failedErr), errors.Is(err, host.ErrNotFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
