package model

import (
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusRequested Status = "REQUESTED"
	StatusBooked    Status = "BOOKED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusRequested, StatusBooked:
		return true
	}
	return false
}

// Slot is a resource's time window in one of the booking states. OwnerRef is empty
// for unowned AVAILABLE slots and for withdrawn preferences.
type Slot struct {
	ID          string
	ResourceRef string
	Window      window.TimeWindow
	Status      Status
	OwnerRef    string
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s Slot) Deleted() bool {
	return s.DeletedAt != nil
}

// Blocking reports whether the slot takes part in conflict checks.
func (s Slot) Blocking() bool {
	return s.Status == StatusBooked && !s.Deleted()
}

// Hold is a temporary claim on a window by a claimant, kept in Redis with a TTL.
type Hold struct {
	ID          string
	ResourceRef string
	Window      window.TimeWindow
	SubjectRef  string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

func (h Hold) Remaining(now time.Time) time.Duration {
	if d := h.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// AvailabilityBlock is a recurring weekly block in which a resource can be booked.
// StartTime and EndTime keep the legacy time-of-day encoding ("9:00 AM" or "14:00").
type AvailabilityBlock struct {
	ResourceRef string
	Weekday     time.Weekday
	StartTime   string
	EndTime     string
}
