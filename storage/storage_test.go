package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"freedrop/pkg/giveaway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"freedrop_settings", "freedrop_settings.json"},
		{"freedrop_cache", "freedrop_cache.json"},
		{"../etc/passwd", ""},
		{"Freedrop", ""},
		{"", ""},
		{"a/b", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := objectName(tt.key); got != tt.want {
				t.Errorf("objectName(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

// backends returns every backend that can run without network access.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	sqlite, err := NewSQLite(ctx, "file:"+filepath.Join(t.TempDir(), "kv.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := sqlite.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	return map[string]Backend{
		"local":  New(nil, "", t.TempDir(), testLogger()),
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			values := map[string][]byte{
				"alpha": []byte(`{"a":1}`),
				"beta":  []byte(`[1,2,3]`),
			}
			if err := b.Set(ctx, values); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			got, err := b.Get(ctx, "alpha", "beta", "missing")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Get() returned %d keys, want 2", len(got))
			}
			if _, ok := got["missing"]; ok {
				t.Error("Get() returned a value for a missing key")
			}
			if string(got["alpha"]) != `{"a":1}` || string(got["beta"]) != `[1,2,3]` {
				t.Errorf("Get() = %q, want values as written", got)
			}

			if err := b.Remove(ctx, "alpha", "missing"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			got, err = b.Get(ctx, "alpha", "beta")
			if err != nil {
				t.Fatalf("Get() after Remove error = %v", err)
			}
			if _, ok := got["alpha"]; ok {
				t.Error("alpha still present after Remove")
			}
			if _, ok := got["beta"]; !ok {
				t.Error("beta removed unexpectedly")
			}
		})
	}
}

func TestLocalStoreRejectsInvalidKey(t *testing.T) {
	s := New(nil, "", t.TempDir(), testLogger())
	err := s.Set(context.Background(), map[string][]byte{"../escape": []byte("x")})
	if err == nil {
		t.Fatal("Set() with traversal key should fail")
	}
	if !IsStorageError(err) {
		t.Errorf("Set() error = %v, want *storage.Error", err)
	}
}

func TestLocalStoreMissingDirectory(t *testing.T) {
	s := New(nil, "", filepath.Join(t.TempDir(), "does-not-exist"), testLogger())
	err := s.Set(context.Background(), map[string][]byte{"alpha": []byte("x")})
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("Set() error = %v, want *storage.Error", err)
	}
	if se.Op != "set" || se.Key != "alpha" {
		t.Errorf("Error = {Op: %q, Key: %q}, want {set, alpha}", se.Op, se.Key)
	}
}

func TestSettingsDefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	state := NewState(NewMemory())

	got, err := state.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if !reflect.DeepEqual(got, giveaway.DefaultSettings()) {
		t.Errorf("Settings() = %+v, want defaults %+v", got, giveaway.DefaultSettings())
	}
	if got.Configured || !got.Notifications {
		t.Errorf("defaults should be unconfigured with notifications on, got %+v", got)
	}

	want := giveaway.Settings{
		Configured:    true,
		Platforms:     []string{"steam", "epic-games-store"},
		Types:         []string{"game", "loot"},
		Notifications: false,
	}
	if err := state.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	got, err = state.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Settings() = %+v, want %+v", got, want)
	}
}

func TestSnapshotSaveAndClear(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	state := NewState(mem)

	empty, err := state.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(empty.Items) != 0 || !empty.FetchedAt.IsZero() {
		t.Errorf("Snapshot() on empty store = %+v, want empty", empty)
	}

	worth := "$19.99"
	fetched := time.UnixMilli(1_700_000_000_123)
	snap := giveaway.Snapshot{
		FetchedAt: fetched,
		Items: []giveaway.Listing{
			{ID: "1", Title: "One", Worth: &worth, Type: giveaway.TypeGame},
			{ID: "2", Title: "Two", Type: giveaway.TypeLoot},
		},
	}
	if err := state.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if mem.Writes() != 1 {
		t.Errorf("SaveSnapshot() made %d writes, want 1", mem.Writes())
	}

	got, err := state.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !got.FetchedAt.Equal(fetched) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, fetched)
	}
	if !reflect.DeepEqual(got.Items, snap.Items) {
		t.Errorf("Items = %+v, want %+v", got.Items, snap.Items)
	}

	if err := state.ClearSnapshot(ctx); err != nil {
		t.Fatalf("ClearSnapshot() error = %v", err)
	}
	got, err = state.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(got.Items) != 0 || !got.FetchedAt.IsZero() {
		t.Errorf("Snapshot() after clear = %+v, want empty", got)
	}
}

func TestSnapshotCorruptTimestamp(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	if err := mem.Set(ctx, map[string][]byte{LastFetchKey: []byte("yesterday")}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	_, err := NewState(mem).Snapshot(ctx)
	if !IsStorageError(err) {
		t.Errorf("Snapshot() error = %v, want storage error", err)
	}
}

func TestAlarmRoundTrip(t *testing.T) {
	ctx := context.Background()
	state := NewState(NewMemory())

	if _, ok, err := state.Alarm(ctx); err != nil || ok {
		t.Fatalf("Alarm() = ok %v, err %v; want no alarm", ok, err)
	}

	want := giveaway.Alarm{Name: "freedrop_refresh", PeriodMinutes: 5, NextFireAt: time.Unix(1_700_000_300, 0).UTC()}
	if err := state.SaveAlarm(ctx, want); err != nil {
		t.Fatalf("SaveAlarm() error = %v", err)
	}
	got, ok, err := state.Alarm(ctx)
	if err != nil || !ok {
		t.Fatalf("Alarm() = ok %v, err %v", ok, err)
	}
	if got.Name != want.Name || got.PeriodMinutes != want.PeriodMinutes || !got.NextFireAt.Equal(want.NextFireAt) {
		t.Errorf("Alarm() = %+v, want %+v", got, want)
	}
}
