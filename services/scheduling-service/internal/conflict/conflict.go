// Package conflict decides whether a candidate window collides with the booked slots of
// a resource.
package conflict

import (
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

// Find returns every blocking slot that overlaps candidate. The slot whose ID equals
// excludeID is skipped so a slot never conflicts with itself on reschedule. The scan is
// linear and does not stop at the first hit.
func Find(candidate window.TimeWindow, slots []model.Slot, excludeID string) []model.Slot {
	var out []model.Slot
	for _, s := range slots {
		if !s.Blocking() {
			continue
		}
		if excludeID != "" && s.ID == excludeID {
			continue
		}
		if window.Overlaps(candidate, s.Window) {
			out = append(out, s)
		}
	}
	return out
}

// Check is Find as an error: nil when the window is free, otherwise a
// *apperrors.SlotConflictError listing the conflicts.
func Check(resourceRef string, candidate window.TimeWindow, slots []model.Slot, excludeID string) error {
	found := Find(candidate, slots, excludeID)
	if len(found) == 0 {
		return nil
	}
	return NewError(resourceRef, found)
}

func NewError(resourceRef string, conflicts []model.Slot) *apperrors.SlotConflictError {
	refs := make([]apperrors.ConflictRef, 0, len(conflicts))
	for _, s := range conflicts {
		refs = append(refs, apperrors.ConflictRef{SlotID: s.ID, Start: s.Window.Start(), End: s.Window.End()})
	}
	return &apperrors.SlotConflictError{ResourceRef: resourceRef, Conflicts: refs}
}

// FilterFree keeps the candidates that overlap none of busy. Order is preserved.
func FilterFree(candidates, busy []window.TimeWindow) []window.TimeWindow {
	out := make([]window.TimeWindow, 0, len(candidates))
	for _, c := range candidates {
		if !overlapsAny(c, busy) {
			out = append(out, c)
		}
	}
	return out
}

func overlapsAny(w window.TimeWindow, busy []window.TimeWindow) bool {
	for _, b := range busy {
		if window.Overlaps(w, b) {
			return true
		}
	}
	return false
}
