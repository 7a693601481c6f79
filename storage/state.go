package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"freedrop/pkg/giveaway"
)

// Keys shared by the background scheduler and the foreground UI.
const (
	SettingsKey  = "freedrop_settings"
	CacheKey     = "freedrop_cache"
	LastFetchKey = "freedrop_last_fetch"
	AlarmKey     = "freedrop_alarm"
)

// Backend is the key-value contract every store implements.
type Backend interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
}

// State provides typed access to the values kept in a Backend.
type State struct {
	backend Backend
}

// NewState wraps a backend.
func NewState(backend Backend) *State {
	return &State{backend: backend}
}

// Settings returns the stored settings, or the defaults when none have been saved.
func (s *State) Settings(ctx context.Context) (giveaway.Settings, error) {
	values, err := s.backend.Get(ctx, SettingsKey)
	if err != nil {
		return giveaway.Settings{}, err
	}

	raw, ok := values[SettingsKey]
	if !ok {
		return giveaway.DefaultSettings(), nil
	}

	settings := giveaway.DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return giveaway.Settings{}, &Error{Op: "decode", Key: SettingsKey, Err: err}
	}
	if settings.Platforms == nil {
		settings.Platforms = []string{}
	}
	if settings.Types == nil {
		settings.Types = []string{}
	}
	return settings, nil
}

// SaveSettings replaces the stored settings.
func (s *State) SaveSettings(ctx context.Context, settings giveaway.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.backend.Set(ctx, map[string][]byte{SettingsKey: data})
}

// Snapshot returns the cached listings and the time they were fetched.
// A missing cache yields an empty snapshot with a zero FetchedAt.
func (s *State) Snapshot(ctx context.Context) (giveaway.Snapshot, error) {
	values, err := s.backend.Get(ctx, CacheKey, LastFetchKey)
	if err != nil {
		return giveaway.Snapshot{}, err
	}

	var snap giveaway.Snapshot
	if raw, ok := values[CacheKey]; ok {
		if err := json.Unmarshal(raw, &snap.Items); err != nil {
			return giveaway.Snapshot{}, &Error{Op: "decode", Key: CacheKey, Err: err}
		}
	}
	if raw, ok := values[LastFetchKey]; ok {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return giveaway.Snapshot{}, &Error{Op: "decode", Key: LastFetchKey, Err: err}
		}
		if ms > 0 {
			snap.FetchedAt = time.UnixMilli(ms)
		}
	}
	if snap.Items == nil {
		snap.Items = []giveaway.Listing{}
	}
	return snap, nil
}

// SaveSnapshot overwrites the cached items and fetch time in a single Set.
// Items are written before the timestamp.
func (s *State) SaveSnapshot(ctx context.Context, snap giveaway.Snapshot) error {
	items := snap.Items
	if items == nil {
		items = []giveaway.Listing{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal listings: %w", err)
	}
	return s.backend.Set(ctx, map[string][]byte{
		CacheKey:     data,
		LastFetchKey: []byte(strconv.FormatInt(snap.FetchedAt.UnixMilli(), 10)),
	})
}

// ClearSnapshot removes the cached items and fetch time so the next refresh is stale.
func (s *State) ClearSnapshot(ctx context.Context) error {
	return s.backend.Remove(ctx, CacheKey, LastFetchKey)
}

// Alarm returns the persisted alarm record and whether one exists.
func (s *State) Alarm(ctx context.Context) (giveaway.Alarm, bool, error) {
	values, err := s.backend.Get(ctx, AlarmKey)
	if err != nil {
		return giveaway.Alarm{}, false, err
	}
	raw, ok := values[AlarmKey]
	if !ok {
		return giveaway.Alarm{}, false, nil
	}
	var alarm giveaway.Alarm
	if err := json.Unmarshal(raw, &alarm); err != nil {
		return giveaway.Alarm{}, false, &Error{Op: "decode", Key: AlarmKey, Err: err}
	}
	return alarm, true, nil
}

// SaveAlarm persists the alarm record.
func (s *State) SaveAlarm(ctx context.Context, alarm giveaway.Alarm) error {
	data, err := json.Marshal(alarm)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}
	return s.backend.Set(ctx, map[string][]byte{AlarmKey: data})
}
