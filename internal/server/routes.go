package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS and websocket origins.
	AllowedOrigins []string
	// Metrics serves /metrics and records request metrics when set.
	Metrics MetricsRecorder
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /edits", h.ListEdits)
	mux.HandleFunc("POST /edits", h.CreateEdit)
	mux.HandleFunc("GET /edits/{id}", h.GetEdit)
	mux.HandleFunc("DELETE /edits/{id}", h.CancelEdit)
	mux.HandleFunc("GET /edits/{id}/output", h.GetOutput)
	mux.HandleFunc("GET /edits/{id}/progress", h.WatchProgress)

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
		middlewares = append(middlewares, MetricsMiddleware(cfg.Metrics))
	}
	middlewares = append(middlewares, CORSMiddleware(cfg.AllowedOrigins))

	return ChainMiddleware(middlewares...)(mux)
}
