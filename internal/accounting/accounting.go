// Package accounting computes elapsed, remaining and overdue minutes for a
// billing session. Every function is pure and clamps to non-negative values.
package accounting

import (
	"fmt"
	"math"
	"time"
)

// Timing is the subset of a session needed for time accounting.
type Timing struct {
	Start                 time.Time
	DurationMinutes       int
	PausedDurationMinutes int
	PausedAt              *time.Time
}

// Paused reports whether the session clock is currently frozen.
func (t Timing) Paused() bool {
	return t.PausedAt != nil
}

// reference is the point the billable clock runs up to.
func (t Timing) reference(now time.Time) time.Time {
	if t.PausedAt != nil {
		return *t.PausedAt
	}
	return now
}

// BillableElapsed is the span between start and the pause moment (or now).
func BillableElapsed(t Timing, now time.Time) time.Duration {
	d := t.reference(now).Sub(t.Start)
	if d < 0 {
		return 0
	}
	return d
}

// BillableElapsedMinutes is BillableElapsed in whole minutes, floored.
func BillableElapsedMinutes(t Timing, now time.Time) int {
	return int(BillableElapsed(t, now) / time.Minute)
}

// RemainingMinutes is max(0, duration - billable elapsed + paused duration).
func RemainingMinutes(t Timing, now time.Time) int {
	remaining := t.DurationMinutes - BillableElapsedMinutes(t, now) + t.PausedDurationMinutes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ConsumedMinutes is the paid time actually used: billable elapsed less the
// minutes already credited back by resumed pauses.
func ConsumedMinutes(t Timing, now time.Time) float64 {
	consumed := BillableElapsed(t, now).Minutes() - float64(t.PausedDurationMinutes)
	if consumed < 0 {
		return 0
	}
	return consumed
}

// Expired reports whether an unpaused session has used more than its
// purchased duration. A paused session never expires.
func Expired(t Timing, now time.Time) bool {
	if t.Paused() {
		return false
	}
	return ConsumedMinutes(t, now) > float64(t.DurationMinutes)
}

// OverdueMinutes is consumed minus duration at completion, rounded and clamped.
func OverdueMinutes(consumedMinutes float64, durationMinutes int) int {
	overdue := math.Round(consumedMinutes - float64(durationMinutes))
	if overdue < 0 {
		return 0
	}
	return int(overdue)
}

// PauseSpanMinutes is the rounded length of a pause ending at now.
func PauseSpanMinutes(pausedAt, now time.Time) int {
	span := now.Sub(pausedAt)
	if span <= 0 {
		return 0
	}
	return int(math.Round(span.Minutes()))
}

// FormatClock renders minutes as HH:MM:00 for device countdowns.
func FormatClock(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}
