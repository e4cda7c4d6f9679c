package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/domain"
	"mealsync/internal/metrics"

	"github.com/rs/zerolog"
)

// HTTPServer is the local control surface of the daemon.
type HTTPServer struct {
	cfg     config.APIConfig
	sync    SyncController
	network domain.NetworkMonitor
	store   domain.WorkStore
	server  *http.Server
	auth    *HTTPAuth
	logger  zerolog.Logger

	deadLetters DeadLetterSource
}

func NewHTTPServer(cfg config.APIConfig, sync SyncController, network domain.NetworkMonitor, store domain.WorkStore, logger *zerolog.Logger) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http").Logger()
	}
	srv := &HTTPServer{cfg: cfg, sync: sync, network: network, store: store, logger: l}
	srv.auth = NewHTTPAuth(cfg)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/sync/status", srv.handleStatus)
	api.HandleFunc("/api/v1/sync/now", srv.handleSyncNow)
	api.HandleFunc("/api/v1/sync/errors", srv.handleErrors)
	api.HandleFunc("/api/v1/uploads", srv.handleUploads)
	api.HandleFunc("/api/v1/sync/deadletters", srv.handleDeadLetters)
	api.HandleFunc("/api/v1/network", srv.handleNetwork)

	mux := http.NewServeMux()
	mux.Handle("/api/", srv.auth.Wrap(api))
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/readyz", srv.handleReadyz)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// UseDeadLetters serves the dead-letter list from src. Without it the list is empty.
func (s *HTTPServer) UseDeadLetters(src DeadLetterSource) {
	s.deadLetters = src
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.IncHTTP(r.URL.Path)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
