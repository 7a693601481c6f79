package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"freedrop/channel"
	"freedrop/notify"
	"freedrop/pkg/giveaway"
	"freedrop/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubRequester struct {
	res   channel.Result
	calls int
}

func (s *stubRequester) Request(context.Context) channel.Result {
	s.calls++
	return s.res
}

type stubRefresher struct {
	err   error
	items []giveaway.Listing
}

func (s *stubRefresher) Refresh(context.Context) ([]giveaway.Listing, error) {
	return s.items, s.err
}

type harness struct {
	state     *storage.State
	requester *stubRequester
	refresher *stubRefresher
	alerts    *notify.Dispatcher
	server    *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		state:     storage.NewState(storage.NewMemory()),
		requester: &stubRequester{res: channel.Result{Status: channel.Acked}},
		refresher: &stubRefresher{},
		alerts:    notify.New(&notify.Config{Logger: testLogger(), DismissAfter: time.Minute}),
	}
	h.server = New(&Config{
		Store:     h.state,
		Refresher: h.refresher,
		Requester: h.requester,
		Alerts:    h.alerts,
		Logger:    testLogger(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedSnapshot(t *testing.T, fetchedAt time.Time, ids ...string) {
	t.Helper()
	items := make([]giveaway.Listing, len(ids))
	for i, id := range ids {
		items[i] = giveaway.Listing{ID: id, Title: "Game " + id, Type: giveaway.TypeGame}
	}
	if err := h.state.SaveSnapshot(context.Background(), giveaway.Snapshot{Items: items, FetchedAt: fetchedAt}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = h.do(t, http.MethodPost, "/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want 405", rec.Code)
	}
}

func TestGetSettingsDefaults(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got giveaway.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Configured || !got.Notifications || len(got.Platforms) != 0 {
		t.Errorf("settings = %+v, want unconfigured defaults", got)
	}
}

func TestSaveSettingsValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "platforms=pc"},
		{"no platforms", `{"platforms":[],"types":["game"]}`},
		{"no types", `{"platforms":["pc"],"types":[]}`},
		{"unknown type", `{"platforms":["pc"],"types":["demo"]}`},
		{"unknown field", `{"platforms":["pc"],"types":["game"],"theme":"dark"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, http.MethodPut, "/api/settings", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if h.requester.calls != 0 {
				t.Error("invalid settings must not trigger a refresh")
			}
			got, err := h.state.Settings(context.Background())
			if err != nil {
				t.Fatalf("Settings() error = %v", err)
			}
			if got.Configured {
				t.Error("invalid settings were persisted")
			}
		})
	}
}

func TestSaveSettingsForcesRefresh(t *testing.T) {
	h := newHarness(t)
	h.requester.res = channel.Result{Status: channel.Unreachable}
	h.seedSnapshot(t, time.Now(), "1", "2")

	rec := h.do(t, http.MethodPut, "/api/settings", `{"platforms":["pc","steam"],"types":["game","loot"],"notifications":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Refresh  string            `json:"refresh"`
		Settings giveaway.Settings `json:"settings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Refresh != "unreachable" {
		t.Errorf("refresh = %q, want unreachable", resp.Refresh)
	}

	ctx := context.Background()
	saved, err := h.state.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if !saved.Configured || saved.Notifications || len(saved.Platforms) != 2 || len(saved.Types) != 2 {
		t.Errorf("saved settings = %+v", saved)
	}

	snap, err := h.state.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Items) != 0 || !snap.FetchedAt.IsZero() {
		t.Errorf("snapshot not cleared: %+v", snap)
	}
	if h.requester.calls != 1 {
		t.Errorf("Request() called %d times, want 1", h.requester.calls)
	}
}

func TestGiveaways(t *testing.T) {
	tests := []struct {
		name      string
		fetchedAt time.Time
		ids       []string
		wantFresh bool
		wantStamp bool
	}{
		{"empty cache", time.Time{}, nil, false, false},
		{"fresh", time.Now().Add(-time.Minute), []string{"1", "2"}, true, true},
		{"stale", time.Now().Add(-time.Hour), []string{"1"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.ids != nil {
				h.seedSnapshot(t, tt.fetchedAt, tt.ids...)
			}

			rec := h.do(t, http.MethodGet, "/api/giveaways", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			var resp giveawaysResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Items) != len(tt.ids) {
				t.Errorf("items = %d, want %d", len(resp.Items), len(tt.ids))
			}
			if resp.Fresh != tt.wantFresh {
				t.Errorf("fresh = %v, want %v", resp.Fresh, tt.wantFresh)
			}
			if (resp.FetchedAt != nil) != tt.wantStamp {
				t.Errorf("fetched_at = %v, want present %v", resp.FetchedAt, tt.wantStamp)
			}
			if !strings.Contains(rec.Body.String(), `"items":[`) {
				t.Errorf("items must encode as an array, got %s", rec.Body.String())
			}
		})
	}
}

func TestForcedRefresh(t *testing.T) {
	tests := []struct {
		name       string
		res        channel.Result
		wantStatus int
		wantBody   string
	}{
		{"acked", channel.Result{Status: channel.Acked}, http.StatusOK, `"status":"acked"`},
		{"failed", channel.Result{Status: channel.Failed, Err: errors.New("upstream down")}, http.StatusInternalServerError, "upstream down"},
		{"unreachable", channel.Result{Status: channel.Unreachable}, http.StatusAccepted, `"status":"unreachable"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.requester.res = tt.res
			h.seedSnapshot(t, time.Now(), "1")

			rec := h.do(t, http.MethodPost, "/api/refresh", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rec.Body.String(), tt.wantBody)
			}

			snap, err := h.state.Snapshot(context.Background())
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if len(snap.Items) != 0 {
				t.Error("forced refresh must invalidate the cache first")
			}
		})
	}
}

func TestForcedRefreshRateLimit(t *testing.T) {
	h := newHarness(t)
	for i := range forcedRefreshLimit {
		if rec := h.do(t, http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := h.do(t, http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if h.requester.calls != forcedRefreshLimit {
		t.Errorf("Request() called %d times, want %d", h.requester.calls, forcedRefreshLimit)
	}

	if rec := h.do(t, http.MethodGet, "/api/giveaways", ""); rec.Code != http.StatusOK {
		t.Errorf("reads must not be rate limited, got %d", rec.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("a") {
		t.Error("third request inside the window should be refused")
	}
	if !rl.allow("b") {
		t.Error("other clients have their own budget")
	}

	now = now.Add(61 * time.Second)
	if !rl.allow("a") {
		t.Error("budget should reset after the window")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"forwarded", "203.0.113.7, 10.0.0.1", "10.0.0.1:4321", "203.0.113.7"},
		{"remote addr", "", "192.0.2.1:5555", "192.0.2.1"},
		{"blank forwarded", " ", "192.0.2.1:5555", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPoll(t *testing.T) {
	h := newHarness(t)
	h.refresher.items = []giveaway.Listing{{ID: "1"}, {ID: "2"}}

	rec := h.do(t, http.MethodPost, "/pollz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	h.refresher.err = errors.New("load settings: boom")
	if rec := h.do(t, http.MethodPost, "/pollz", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestNotifications(t *testing.T) {
	h := newHarness(t)
	items := []giveaway.Listing{
		{ID: "10", Title: "Alpha", Platforms: "PC"},
		{ID: "11", Title: "Beta", Platforms: "PC"},
	}
	if err := h.alerts.Notify(context.Background(), items); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/notifications", "")
	var active []notify.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(active) != 2 || active[0].ID != notify.AlertID("10") {
		t.Fatalf("active = %+v", active)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"dismiss", "/api/notifications/" + notify.AlertID("10") + "/dismiss", http.StatusNoContent},
		{"view", "/api/notifications/" + notify.AlertID("11") + "/view", http.StatusNoContent},
		{"foreign id", "/api/notifications/other_1/view", http.StatusNotFound},
		{"bad action", "/api/notifications/" + notify.AlertID("10") + "/snooze", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(t, http.MethodPost, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if got := h.alerts.Active(); len(got) != 0 {
		t.Errorf("Active() = %d alerts after interactions, want 0", len(got))
	}
}
