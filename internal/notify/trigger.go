// Package notify implements the dispatch pipeline's decision layer: the
// preference resolver and the coordinator that turns business events into
// channel sends.
package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sahajm/courier/internal/db"
)

// Trigger describes what to notify about and over which channels. It is
// built by business callers and never persisted as-is.
type Trigger struct {
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Channels    []db.Channel    `json:"channels"`
	Data        json.RawMessage `json:"data,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// Preferences is the typed view of a user's notification preferences.
// The stored blob is legacy-shaped and loosely typed; DecodePreferences
// maps it onto this closed structure.
type Preferences struct {
	Enabled    bool
	Channels   ChannelPreferences
	Types      map[string]bool // normalized type name -> enabled
	QuietHours QuietHours
}

// ChannelPreferences holds the per-channel opt-in flags.
type ChannelPreferences struct {
	InApp bool
	Email bool
	SMS   bool
}

// QuietHours is a daily window during which all notifications are
// suppressed. Start and End are "HH:MM"; a window with Start > End spans
// midnight.
type QuietHours struct {
	Enabled bool
	Start   string
	End     string
}

// ChannelAllowed reports the opt-in flag for a channel.
func (p ChannelPreferences) ChannelAllowed(ch db.Channel) bool {
	switch ch {
	case db.ChannelInApp:
		return p.InApp
	case db.ChannelEmail:
		return p.Email
	case db.ChannelSMS:
		return p.SMS
	default:
		return false
	}
}

// defaultPreferences is what an absent or unreadable blob resolves to:
// everything enabled, no quiet hours, no type overrides.
func defaultPreferences() Preferences {
	return Preferences{
		Enabled:  true,
		Channels: ChannelPreferences{InApp: true, Email: true, SMS: true},
		Types:    nil,
		QuietHours: QuietHours{
			Enabled: false,
		},
	}
}

// normalizeKey maps legacy preference keys onto the closed channel/type
// names: lowercase, underscores stripped ("In_App" -> "inapp").
func normalizeKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}

// rawPreferences mirrors the legacy blob shape. Every field is optional.
type rawPreferences struct {
	Enabled    *bool           `json:"enabled"`
	Channels   map[string]bool `json:"channels"`
	Types      map[string]bool `json:"types"`
	QuietHours *rawQuietHours  `json:"quietHours"`
	// some older profiles were written snake_case
	QuietHoursLegacy *rawQuietHours `json:"quiet_hours"`
}

type rawQuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// DecodePreferences converts the stored blob into typed Preferences.
// Malformed or absent input never fails; it degrades to the defaults so
// a corrupt profile cannot block delivery.
func DecodePreferences(raw json.RawMessage) Preferences {
	prefs := defaultPreferences()

	if len(raw) == 0 {
		return prefs
	}

	var decoded rawPreferences
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return prefs
	}

	if decoded.Enabled != nil {
		prefs.Enabled = *decoded.Enabled
	}

	for key, enabled := range decoded.Channels {
		switch normalizeKey(key) {
		case "inapp":
			prefs.Channels.InApp = enabled
		case "email":
			prefs.Channels.Email = enabled
		case "sms":
			prefs.Channels.SMS = enabled
		}
	}

	if len(decoded.Types) > 0 {
		prefs.Types = make(map[string]bool, len(decoded.Types))
		for key, enabled := range decoded.Types {
			prefs.Types[normalizeKey(key)] = enabled
		}
	}

	quiet := decoded.QuietHours
	if quiet == nil {
		quiet = decoded.QuietHoursLegacy
	}
	if quiet != nil {
		prefs.QuietHours = QuietHours{
			Enabled: quiet.Enabled,
			Start:   quiet.Start,
			End:     quiet.End,
		}
	}

	return prefs
}
