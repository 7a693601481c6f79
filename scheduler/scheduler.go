// Package scheduler fires the refresh cycle on a fixed period.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"freedrop/pkg/giveaway"
)

const (
	// AlarmName identifies the periodic refresh timer in storage.
	AlarmName = "freedrop_refresh"

	// Period matches the cache freshness window.
	Period = 5 * time.Minute
)

// Trigger names why a refresh was started.
type Trigger string

// Triggers fired by the scheduler.
const (
	TriggerInstall Trigger = "install"
	TriggerStartup Trigger = "startup"
	TriggerAlarm   Trigger = "alarm"
)

// Refresher runs one refresh cycle.
type Refresher interface {
	Refresh(ctx context.Context) ([]giveaway.Listing, error)
}

// Store persists the alarm and exposes settings for the install check.
type Store interface {
	Alarm(ctx context.Context) (giveaway.Alarm, bool, error)
	SaveAlarm(ctx context.Context, alarm giveaway.Alarm) error
	Settings(ctx context.Context) (giveaway.Settings, error)
}

// Config holds scheduler configuration.
type Config struct {
	// OnUnconfigured runs after the install trigger when no filters are set,
	// so the UI can prompt for configuration.
	OnUnconfigured func()
	Period         time.Duration
}

// Scheduler invokes Refresh at install, at startup, and on every alarm tick.
type Scheduler struct {
	refresher      Refresher
	store          Store
	logger         *slog.Logger
	onUnconfigured func()
	now            func() time.Time
	period         time.Duration
}

// New creates a scheduler.
func New(refresher Refresher, store Store, logger *slog.Logger, cfg Config) *Scheduler {
	period := cfg.Period
	if period <= 0 {
		period = Period
	}
	return &Scheduler{
		refresher:      refresher,
		store:          store,
		logger:         logger,
		onUnconfigured: cfg.OnUnconfigured,
		now:            time.Now,
		period:         period,
	}
}

// firstDelay returns how long to wait before the first alarm tick.
// A persisted alarm due in the future keeps its schedule across restarts.
func firstDelay(alarm giveaway.Alarm, found bool, now time.Time, period time.Duration) time.Duration {
	if !found || alarm.NextFireAt.IsZero() {
		return period
	}
	d := alarm.NextFireAt.Sub(now)
	if d <= 0 || d > period {
		return period
	}
	return d
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	alarm, found, err := s.store.Alarm(ctx)
	if err != nil {
		// Without the record we cannot tell a fresh install from a restart; assume restart.
		s.logger.Warn("Failed to load alarm, using default schedule", "alarm", AlarmName, "error", err)
		found = true
	}

	if !found {
		s.fire(ctx, TriggerInstall)
		s.checkConfigured(ctx)
	}
	s.fire(ctx, TriggerStartup)

	delay := firstDelay(alarm, found, s.now(), s.period)
	s.saveAlarm(ctx, s.now().Add(delay))

	s.logger.Info("Scheduler started", "alarm", AlarmName, "period", s.period.String(), "first_tick_in", delay.Round(time.Second).String())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped", "alarm", AlarmName)
			return nil
		case <-timer.C:
			s.saveAlarm(ctx, s.now().Add(s.period))
			timer.Reset(s.period)
			s.fire(ctx, TriggerAlarm)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, trigger Trigger) {
	s.logger.Info("Refresh triggered", "trigger", string(trigger))
	if _, err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Error("Refresh failed, waiting for next tick", "trigger", string(trigger), "error", err)
	}
}

func (s *Scheduler) checkConfigured(ctx context.Context) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		s.logger.Warn("Failed to load settings after install", "error", err)
		return
	}
	if settings.Configured {
		return
	}
	s.logger.Info("Not configured yet, opening configuration")
	if s.onUnconfigured != nil {
		s.onUnconfigured()
	}
}

func (s *Scheduler) saveAlarm(ctx context.Context, next time.Time) {
	alarm := giveaway.Alarm{
		Name:          AlarmName,
		PeriodMinutes: int(s.period / time.Minute),
		NextFireAt:    next,
	}
	if err := s.store.SaveAlarm(ctx, alarm); err != nil {
		s.logger.Warn("Failed to persist alarm", "alarm", AlarmName, "error", err)
	}
}
