// Package giveaway contains the core domain types for the FreeDrop giveaway watcher.
package giveaway

import (
	"errors"
	"time"
)

// Type is the kind of giveaway offered by the listing source.
type Type string

// Giveaway types published by the source.
const (
	TypeGame Type = "game"
	TypeLoot Type = "loot"
	TypeBeta Type = "beta"
)

// ParseType maps a raw type string to a Type.
// The source reports types capitalised ("Game", "DLC" for loot, "Early Access" for beta).
func ParseType(raw string) (Type, bool) {
	switch raw {
	case "game", "Game", "Full Game":
		return TypeGame, true
	case "loot", "Loot", "DLC", "DLC & Loot":
		return TypeLoot, true
	case "beta", "Beta", "Early Access":
		return TypeBeta, true
	default:
		return "", false
	}
}

// Listing is one giveaway entry from the remote source. Identity is ID.
type Listing struct {
	Worth         *string `json:"worth"` // nil when the source sends null
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Platforms     string  `json:"platforms"`
	Type          Type    `json:"type"`
	Thumbnail     string  `json:"thumbnail"`
	Image         string  `json:"image"`
	Description   string  `json:"description"`
	Instructions  string  `json:"instructions,omitempty"`
	URL           string  `json:"open_giveaway_url"`
	GamerPowerURL string  `json:"gamerpower_url,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
	EndDate       string  `json:"end_date,omitempty"`
	Status        string  `json:"status,omitempty"`
	Users         int     `json:"users,omitempty"`
}

// DisplayWorth returns the worth shown to users, FREE when the source has no real price.
func (l *Listing) DisplayWorth() string {
	if l.Worth == nil {
		return "FREE"
	}
	switch *l.Worth {
	case "", "N/A", "$0.00":
		return "FREE"
	default:
		return *l.Worth
	}
}

// Settings holds the user's filter and notification choices.
type Settings struct {
	Platforms     []string `json:"platforms"`
	Types         []string `json:"types"`
	Configured    bool     `json:"configured"`
	Notifications bool     `json:"notifications"`
}

// DefaultSettings returns the settings used before the user has configured anything.
func DefaultSettings() Settings {
	return Settings{
		Platforms:     []string{},
		Types:         []string{},
		Notifications: true,
	}
}

// Validation errors for Settings.
var (
	ErrNoPlatforms = errors.New("select at least one platform")
	ErrNoTypes     = errors.New("select at least one giveaway type")
	ErrUnknownType = errors.New("unknown giveaway type")
)

// Validate checks the invariant the configuration path must enforce before persisting
// configured settings: platforms and types are each non-empty and types are known.
func (s *Settings) Validate() error {
	if len(s.Platforms) == 0 {
		return ErrNoPlatforms
	}
	if len(s.Types) == 0 {
		return ErrNoTypes
	}
	for _, t := range s.Types {
		if _, ok := ParseType(t); !ok {
			return ErrUnknownType
		}
	}
	return nil
}

// Snapshot is the cached result of the last successful fetch.
type Snapshot struct {
	FetchedAt time.Time // zero when never fetched or invalidated
	Items     []Listing
}

// IDs returns the set of listing ids in the snapshot.
func (s *Snapshot) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.Items))
	for i := range s.Items {
		ids[s.Items[i].ID] = struct{}{}
	}
	return ids
}

// Alarm is the persisted state of a named periodic timer.
type Alarm struct {
	NextFireAt    time.Time `json:"next_fire_at"`
	Name          string    `json:"name"`
	PeriodMinutes int       `json:"period_minutes"`
}
