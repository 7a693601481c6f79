package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"freedrop/channel"
	"freedrop/notify"
	"freedrop/pkg/giveaway"
	"freedrop/refresh"
)

type settingsRequest struct {
	Notifications *bool    `json:"notifications"`
	Platforms     []string `json:"platforms"`
	Types         []string `json:"types"`
}

type giveawaysResponse struct {
	FetchedAt *time.Time         `json:"fetched_at"`
	Items     []giveaway.Listing `json:"items"`
	Fresh     bool               `json:"fresh"`
}

type refreshResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// handleSaveSettings is the configuration path: it validates, persists,
// invalidates the cache, and forces a refresh with the new filters.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}

	settings := giveaway.Settings{
		Configured:    true,
		Platforms:     req.Platforms,
		Types:         req.Types,
		Notifications: true,
	}
	if req.Notifications != nil {
		settings.Notifications = *req.Notifications
	}
	if err := settings.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveSettings(r.Context(), settings); err != nil {
		s.logger.Error("Failed to save settings", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	s.logger.Info("Settings saved", "platforms", settings.Platforms, "types", settings.Types, "notifications", settings.Notifications)

	res, err := refresh.Force(r.Context(), s.store, s.requester, s.logger)
	if err != nil {
		s.logger.Error("Failed to invalidate cache", "error", err)
		s.writeError(w, http.StatusInternalServerError, "settings saved but cache could not be cleared")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"settings": settings,
		"refresh":  res.Status.String(),
	})
}

func (s *Server) handleGiveaways(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to load snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load giveaways")
		return
	}

	resp := giveawaysResponse{
		Items: snap.Items,
		Fresh: refresh.IsFresh(snap, s.now()),
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt.UTC()
		resp.FetchedAt = &t
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRefresh forces a refresh. An unreachable worker is reported as accepted,
// since the next scheduled tick catches up.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := refresh.Force(r.Context(), s.store, s.requester, s.logger)
	if err != nil {
		s.logger.Error("Failed to invalidate cache", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}

	switch res.Status {
	case channel.Acked:
		s.writeJSON(w, http.StatusOK, refreshResponse{Status: res.Status.String()})
	case channel.Failed:
		msg := "refresh failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		s.writeJSON(w, http.StatusInternalServerError, refreshResponse{Status: res.Status.String(), Error: msg})
	default:
		s.writeJSON(w, http.StatusAccepted, refreshResponse{Status: res.Status.String()})
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.alerts.Active())
}

func (s *Server) handleNotificationAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := notify.Action(chi.URLParam(r, "action"))

	err := s.alerts.Click(id, action)
	switch {
	case errors.Is(err, notify.ErrUnknownAlert):
		s.writeError(w, http.StatusNotFound, "unknown notification")
	case errors.Is(err, notify.ErrUnknownAction):
		s.writeError(w, http.StatusBadRequest, "unknown action")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "notification action failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
