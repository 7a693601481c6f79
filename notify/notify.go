// Package notify raises user-facing alerts for newly detected giveaways.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"freedrop/pkg/giveaway"
)

const (
	// IDPrefix marks alerts owned by this service.
	IDPrefix = "freedrop_"

	// DismissAfter is how long an alert stays up when nobody interacts with it.
	DismissAfter = 10 * time.Second

	alertTitle = "New Free Game Available!"
)

// Button labels offered on every alert, in display order.
var Buttons = []string{"View Details", "Dismiss"}

// Action is a user interaction with an alert.
type Action string

// Supported interactions.
const (
	ActionView    Action = "view"    // "View Details" button
	ActionDismiss Action = "dismiss" // "Dismiss" button
	ActionClick   Action = "click"   // click on the alert body
)

// ErrUnknownAlert is returned for ids this service did not create.
var ErrUnknownAlert = errors.New("unknown alert")

// ErrUnknownAction is returned for unsupported interactions.
var ErrUnknownAction = errors.New("unknown action")

// Alert is one user-facing notification.
type Alert struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Context   string    `json:"context"`
	URL       string    `json:"url"`
	Buttons   []string  `json:"buttons"`
}

// AlertID derives the deterministic alert identifier for a listing.
func AlertID(listingID string) string {
	return IDPrefix + listingID
}

// NewAlert builds the alert shown for a listing.
func NewAlert(l *giveaway.Listing, now time.Time) Alert {
	return Alert{
		ID:        AlertID(l.ID),
		ListingID: l.ID,
		Title:     alertTitle,
		Message:   fmt.Sprintf("%s - %s", l.Title, l.DisplayWorth()),
		Context:   "Platform: " + l.Platforms,
		URL:       l.URL,
		Buttons:   append([]string(nil), Buttons...),
		CreatedAt: now,
	}
}

// Provider delivers a rendered alert digest outside the process.
type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Opener receives the "open details view" signal.
type Opener func(alertID string)

// Config holds dispatcher configuration.
type Config struct {
	Provider     Provider // optional
	Opener       Opener   // optional
	Logger       *slog.Logger
	Recipient    string // digest recipient; empty disables delivery
	DismissAfter time.Duration
}

type activeAlert struct {
	timer *time.Timer
	alert Alert
	gen   uint64
}

// Dispatcher keeps the set of visible alerts and delivers them.
type Dispatcher struct {
	provider     Provider
	opener       Opener
	logger       *slog.Logger
	alerts       map[string]*activeAlert
	recipient    string
	dismissAfter time.Duration
	gen          uint64
	mu           sync.Mutex
}

// New creates a dispatcher.
func New(cfg *Config) *Dispatcher {
	dismiss := cfg.DismissAfter
	if dismiss <= 0 {
		dismiss = DismissAfter
	}
	return &Dispatcher{
		provider:     cfg.Provider,
		opener:       cfg.Opener,
		logger:       cfg.Logger,
		recipient:    cfg.Recipient,
		dismissAfter: dismiss,
		alerts:       make(map[string]*activeAlert),
	}
}

// Notify raises one alert per item. The caller bounds items.
// Showing an alert whose id is already visible replaces it and restarts its timer.
func (d *Dispatcher) Notify(ctx context.Context, items []giveaway.Listing) error {
	if len(items) == 0 {
		return nil
	}

	now := time.Now()
	alerts := make([]Alert, 0, len(items))
	for i := range items {
		a := NewAlert(&items[i], now)
		d.show(a)
		alerts = append(alerts, a)
	}

	d.logger.Info("Alerts raised", "count", len(alerts))

	if d.provider == nil || d.recipient == "" {
		return nil
	}

	subject := alertTitle
	if len(items) > 1 {
		subject = fmt.Sprintf("%d New Free Games Available!", len(items))
	}
	body, err := renderDigest(items)
	if err != nil {
		return fmt.Errorf("render digest: %w", err)
	}

	d.logger.Info("Sending alert digest", "to", d.recipient, "subject", subject, "count", len(items))
	if err := d.provider.Send(ctx, d.recipient, subject, body); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}

func (d *Dispatcher) show(a Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.alerts[a.ID]; ok {
		prev.timer.Stop()
		d.logger.Debug("Replacing visible alert", "id", a.ID)
	}

	d.gen++
	gen := d.gen
	entry := &activeAlert{alert: a, gen: gen}
	entry.timer = time.AfterFunc(d.dismissAfter, func() {
		d.expire(a.ID, gen)
	})
	d.alerts[a.ID] = entry
}

// expire clears an alert unless it was replaced since the timer was armed.
func (d *Dispatcher) expire(id string, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.alerts[id]; ok && entry.gen == gen {
		delete(d.alerts, id)
		d.logger.Debug("Alert auto-dismissed", "id", id)
	}
}

// Clear removes an alert. Clearing a missing alert is a no-op.
func (d *Dispatcher) Clear(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.alerts[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.alerts, id)
	return true
}

// Click handles a user interaction. Every action dismisses the alert;
// view and body clicks also signal the UI to open the details view.
func (d *Dispatcher) Click(id string, action Action) error {
	if !strings.HasPrefix(id, IDPrefix) {
		return ErrUnknownAlert
	}

	switch action {
	case ActionView, ActionClick:
		if d.opener != nil {
			d.opener(id)
		}
	case ActionDismiss:
	default:
		return ErrUnknownAction
	}

	d.Clear(id)
	d.logger.Info("Alert interaction", "id", id, "action", string(action))
	return nil
}

// Active returns the visible alerts in the order they were shown.
func (d *Dispatcher) Active() []Alert {
	d.mu.Lock()
	entries := make([]*activeAlert, 0, len(d.alerts))
	for _, entry := range d.alerts {
		entries = append(entries, entry)
	}
	d.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].gen < entries[j].gen })
	out := make([]Alert, len(entries))
	for i, entry := range entries {
		out[i] = entry.alert
	}
	return out
}
