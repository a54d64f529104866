// Package window models the time window a slot occupies and the overlap predicate
// every conflict decision is built on.
package window

import (
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
)

const (
	MinDurationMinutes = 15
	GranularityMinutes = 15
	// MaxDurationMinutes caps a window at one day.
	MaxDurationMinutes = 24 * 60
)

// TimeWindow is a half-open interval [start, end) whose length is a whole number of
// 15-minute units. The zero value is not a valid window; use New or FromRange.
type TimeWindow struct {
	start           time.Time
	end             time.Time
	durationMinutes int
}

func New(start time.Time, durationMinutes int) (TimeWindow, error) {
	if start.IsZero() {
		return TimeWindow{}, apperrors.Validation("start_time", "is required")
	}
	if err := ValidateDuration(durationMinutes); err != nil {
		return TimeWindow{}, err
	}
	start = start.UTC()
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	if !end.After(start) {
		return TimeWindow{}, apperrors.Validation("duration_minutes", "window end must be after start")
	}
	return TimeWindow{start: start, end: end, durationMinutes: durationMinutes}, nil
}

// FromRange builds a window from explicit bounds. The span must be whole minutes and
// satisfy the duration rules.
func FromRange(start, end time.Time) (TimeWindow, error) {
	if start.IsZero() {
		return TimeWindow{}, apperrors.Validation("start_time", "is required")
	}
	if end.IsZero() {
		return TimeWindow{}, apperrors.Validation("end_time", "is required")
	}
	if !end.After(start) {
		return TimeWindow{}, apperrors.Validation("end_time", "must be after start_time")
	}
	span := end.Sub(start)
	if span%time.Minute != 0 {
		return TimeWindow{}, apperrors.Validation("end_time", "window must span whole minutes")
	}
	return New(start, int(span/time.Minute))
}

// ValidateDuration enforces the 15-minute minimum, the one-day maximum and granularity.
func ValidateDuration(durationMinutes int) error {
	if durationMinutes < MinDurationMinutes {
		return apperrors.Validation("duration_minutes", "must be at least %d minutes (got %d)", MinDurationMinutes, durationMinutes)
	}
	if durationMinutes > MaxDurationMinutes {
		return apperrors.Validation("duration_minutes", "must be at most %d minutes (got %d)", MaxDurationMinutes, durationMinutes)
	}
	if durationMinutes%GranularityMinutes != 0 {
		return apperrors.Validation("duration_minutes", "must be a multiple of %d minutes (got %d)", GranularityMinutes, durationMinutes)
	}
	return nil
}

func (w TimeWindow) Start() time.Time     { return w.start }
func (w TimeWindow) End() time.Time       { return w.end }
func (w TimeWindow) DurationMinutes() int { return w.durationMinutes }
func (w TimeWindow) IsZero() bool         { return w.start.IsZero() }

func (w TimeWindow) Duration() time.Duration {
	return time.Duration(w.durationMinutes) * time.Minute
}

// Equal reports whether both windows cover exactly the same instants.
func (w TimeWindow) Equal(o TimeWindow) bool {
	return w.start.Equal(o.start) && w.end.Equal(o.end)
}

// Contains reports whether o lies entirely inside w.
func (w TimeWindow) Contains(o TimeWindow) bool {
	return !o.start.Before(w.start) && !o.end.After(w.end)
}

func (w TimeWindow) String() string {
	return "[" + w.start.Format(time.RFC3339) + "," + w.end.Format(time.RFC3339) + ")"
}

// Overlaps reports whether a and b share any instant. Windows that only touch
// (a.End == b.Start) do not overlap.
func Overlaps(a, b TimeWindow) bool {
	return a.start.Before(b.end) && b.start.Before(a.end)
}
