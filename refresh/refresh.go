// Package refresh runs the fetch, cache, diff, and notify cycle.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"freedrop/channel"
	"freedrop/pkg/giveaway"
)

const (
	// RefreshInterval is how long a cached snapshot stays fresh.
	// It equals the scheduler period: the cache is valid for exactly one tick.
	RefreshInterval = 5 * time.Minute

	// MaxNotifications caps alerts raised by a single refresh.
	MaxNotifications = 3
)

// State is the persisted data the coordinator reads and writes.
type State interface {
	Settings(ctx context.Context) (giveaway.Settings, error)
	Snapshot(ctx context.Context) (giveaway.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap giveaway.Snapshot) error
}

// Source fetches listings. It reports failures as an empty result.
type Source interface {
	Fetch(ctx context.Context, platforms, types []string) []giveaway.Listing
}

// Notifier raises alerts for new listings.
type Notifier interface {
	Notify(ctx context.Context, items []giveaway.Listing) error
}

// Coordinator decides between serving the cache and fetching, and applies the result.
// It keeps no state between calls and does not serialise concurrent calls:
// overlapping refreshes race on the snapshot and the last writer wins.
type Coordinator struct {
	state    State
	source   Source
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a coordinator.
func New(state State, source Source, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		state:    state,
		source:   source,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock returns a copy of c that reads time from now.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	cp := *c
	cp.now = now
	return &cp
}

// IsFresh reports whether snap can be served without fetching at time now.
func IsFresh(snap giveaway.Snapshot, now time.Time) bool {
	return len(snap.Items) > 0 && now.Sub(snap.FetchedAt) < RefreshInterval
}

// NewItems returns the result listings whose id is absent from prior, in result order.
func NewItems(prior, result []giveaway.Listing) []giveaway.Listing {
	seen := make(map[string]struct{}, len(prior))
	for i := range prior {
		seen[prior[i].ID] = struct{}{}
	}

	var out []giveaway.Listing
	for i := range result {
		if _, ok := seen[result[i].ID]; !ok {
			out = append(out, result[i])
		}
	}
	return out
}

// Refresh serves the cached listings when fresh, otherwise fetches, notifies about
// new listings, and replaces the cache. It returns nil without side effects when
// the user has not configured filters yet. Storage errors are returned unchanged
// in meaning; fetch failures are not errors and leave the cache as it was.
func (c *Coordinator) Refresh(ctx context.Context) ([]giveaway.Listing, error) {
	settings, err := c.state.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Configured {
		c.logger.Info("Not configured yet, skipping refresh")
		return nil, nil
	}

	prior, err := c.state.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	now := c.now()
	if IsFresh(prior, now) {
		c.logger.Info("Using cached listings",
			"count", len(prior.Items),
			"age", now.Sub(prior.FetchedAt).Round(time.Second).String())
		return prior.Items, nil
	}

	c.logger.Info("Fetching fresh listings",
		"platforms", settings.Platforms,
		"types", settings.Types,
		"cached", len(prior.Items))

	result := c.source.Fetch(ctx, settings.Platforms, settings.Types)
	if len(result) == 0 {
		c.logger.Info("Fetch returned no listings, keeping cache", "cached", len(prior.Items))
		return result, nil
	}

	if settings.Notifications && len(prior.Items) > 0 {
		fresh := NewItems(prior.Items, result)
		if len(fresh) > 0 {
			c.logger.Info("New listings detected", "count", len(fresh), "notifying", min(len(fresh), MaxNotifications))
			if len(fresh) > MaxNotifications {
				fresh = fresh[:MaxNotifications]
			}
			if err := c.notifier.Notify(ctx, fresh); err != nil {
				c.logger.Warn("Notification delivery failed", "error", err)
			}
		}
	}

	if err := c.state.SaveSnapshot(ctx, giveaway.Snapshot{Items: result, FetchedAt: c.now()}); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	c.logger.Info("Listings cached", "count", len(result))
	return result, nil
}

// Invalidator clears the cached snapshot.
type Invalidator interface {
	ClearSnapshot(ctx context.Context) error
}

// Requester sends a forced-refresh request to the background worker.
type Requester interface {
	Request(ctx context.Context) channel.Result
}

// Force invalidates the cache so the next refresh is stale, then asks the
// background worker to refresh. An unreachable worker is not an error.
func Force(ctx context.Context, inv Invalidator, req Requester, logger *slog.Logger) (channel.Result, error) {
	if err := inv.ClearSnapshot(ctx); err != nil {
		return channel.Result{}, fmt.Errorf("clear snapshot: %w", err)
	}

	res := req.Request(ctx)
	switch res.Status {
	case channel.Acked:
		logger.Info("Forced refresh completed")
	case channel.Failed:
		logger.Error("Forced refresh failed", "error", res.Err)
	default:
		logger.Info("Background worker not reachable, data will refresh on the next tick")
	}
	return res, nil
}
