// Package server exposes settings, cached listings, forced refresh, and alerts over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"freedrop/channel"
	"freedrop/notify"
	"freedrop/pkg/giveaway"
)

const maxSettingsBody = 64 << 10

// Store is the persisted state the UI reads and the configuration path writes.
type Store interface {
	Settings(ctx context.Context) (giveaway.Settings, error)
	SaveSettings(ctx context.Context, settings giveaway.Settings) error
	Snapshot(ctx context.Context) (giveaway.Snapshot, error)
	ClearSnapshot(ctx context.Context) error
}

// Refresher runs a refresh that honours the staleness policy.
type Refresher interface {
	Refresh(ctx context.Context) ([]giveaway.Listing, error)
}

// Requester forwards forced refreshes to the background worker.
type Requester interface {
	Request(ctx context.Context) channel.Result
}

// Alerts exposes the visible alerts and their interactions.
type Alerts interface {
	Active() []notify.Alert
	Click(id string, action notify.Action) error
}

// Config holds server configuration.
type Config struct {
	Store     Store
	Refresher Refresher
	Requester Requester
	Alerts    Alerts
	Logger    *slog.Logger
}

// Server handles HTTP requests.
type Server struct {
	store     Store
	refresher Refresher
	requester Requester
	alerts    Alerts
	logger    *slog.Logger
	limiter   *rateLimiter
	router    chi.Router
	now       func() time.Time
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		requester: cfg.Requester,
		alerts:    cfg.Alerts,
		logger:    cfg.Logger,
		limiter:   newRateLimiter(forcedRefreshLimit, forcedRefreshWindow),
		now:       time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleGetSettings)
		r.Get("/giveaways", s.handleGiveaways)
		r.With(s.limitForced).Put("/settings", s.handleSaveSettings)
		r.With(s.limitForced).Post("/refresh", s.handleRefresh)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{id}/{action}", s.handleNotificationAction)
	})

	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handlePoll runs a staleness-respecting refresh, for external schedulers.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	items, err := s.refresher.Refresh(r.Context())
	if err != nil {
		s.logger.Error("Poll refresh failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "count": len(items)})
}
