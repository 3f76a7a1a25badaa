// Package cycle maps wall-clock instants onto fixed-length distribution
// windows. Window ids are the unit of idempotent execution: one payout per id.
package cycle

import (
	"errors"
	"fmt"
	"time"
)

// Window is one distribution interval. Start is inclusive, End exclusive: an
// instant exactly on a boundary belongs to the window it starts.
type Window struct {
	ID    int64     `json:"cycle_id"`
	Start time.Time `json:"window_start"`
	End   time.Time `json:"window_end"`
}

// ValidateInterval rejects intervals that cannot tile a UTC day. Intervals
// that divide 24h evenly produce calendar-aligned boundaries (minute marks
// within the hour for sub-hour intervals, hour marks within the day for
// multi-hour ones) because the Unix epoch starts at midnight UTC.
func ValidateInterval(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if interval > 24*time.Hour {
		return errors.New("interval must not exceed 24h")
	}
	if (24 * time.Hour % interval) != 0 {
		return fmt.Errorf("interval %s must divide 24h evenly", interval)
	}
	return nil
}

// Compute returns the window containing now for the given interval length.
// Pure and deterministic: same inputs, same window.
func Compute(now time.Time, interval time.Duration) Window {
	intervalMs := interval.Milliseconds()
	id := now.UnixMilli() / intervalMs
	start := time.UnixMilli(id * intervalMs).UTC()
	return Window{
		ID:    id,
		Start: start,
		End:   start.Add(interval),
	}
}

// SecondsUntilNext reports whole seconds remaining until the window's end,
// rounded up so the countdown resets to the full interval length exactly on a
// boundary rather than showing 0 for the first second of a new window.
func (w Window) SecondsUntilNext(now time.Time) int64 {
	remaining := w.End.Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := remaining.Milliseconds() / 1000
	if remaining.Milliseconds()%1000 != 0 {
		secs++
	}
	return secs
}

// Contains reports whether the instant falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
