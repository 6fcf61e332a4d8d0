package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/db"
)

// Suppression reasons reported by the resolver.
const (
	ReasonDisabled     = "disabled"
	ReasonTypeDisabled = "type-disabled"
	ReasonQuietHours   = "quiet-hours"
	ReasonNoChannels   = "no-channels"
)

// Resolution is the resolver's verdict for one trigger against one user.
type Resolution struct {
	Allowed    []db.Channel
	Suppressed bool
	Reason     string
}

// Resolver applies a user's preferences to a trigger and decides which
// channels may actually deliver. It is pure: no I/O, no mutation of its
// inputs.
type Resolver struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver creates a resolver using the wall clock.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger, now: time.Now}
}

// NewResolverWithClock creates a resolver with an injected clock. Used by
// tests to pin the quiet-hours evaluation time.
func NewResolverWithClock(logger *zap.Logger, now func() time.Time) *Resolver {
	return &Resolver{logger: logger, now: now}
}

// Resolve evaluates preferences against a trigger. Checks short-circuit
// in a fixed order: master switch, channel intersection, per-type
// override, quiet hours, empty set.
func (r *Resolver) Resolve(prefs Preferences, trig Trigger) Resolution {
	if !prefs.Enabled {
		return Resolution{Suppressed: true, Reason: ReasonDisabled}
	}

	var allowed []db.Channel
	for _, ch := range trig.Channels {
		if prefs.Channels.ChannelAllowed(ch) {
			allowed = append(allowed, ch)
		}
	}

	// A type override set to false vetoes the whole trigger, including
	// channels the intersection kept.
	if enabled, ok := prefs.Types[normalizeKey(trig.Type)]; ok && !enabled {
		return Resolution{Suppressed: true, Reason: ReasonTypeDisabled}
	}

	if r.inQuietHours(prefs.QuietHours) {
		return Resolution{Suppressed: true, Reason: ReasonQuietHours}
	}

	if len(allowed) == 0 {
		return Resolution{Suppressed: true, Reason: ReasonNoChannels}
	}

	return Resolution{Allowed: allowed}
}

// inQuietHours reports whether the current time falls inside the window.
// A window whose start is later than its end wraps past midnight.
// Unparseable bounds disable the window rather than suppressing traffic.
func (r *Resolver) inQuietHours(q QuietHours) bool {
	if !q.Enabled {
		return false
	}

	start, ok := parseClock(q.Start)
	if !ok {
		return false
	}
	end, ok := parseClock(q.End)
	if !ok {
		return false
	}

	now := r.now()
	cur := now.Hour()*60 + now.Minute()

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
