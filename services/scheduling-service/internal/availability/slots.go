package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/hybridtime"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

// Step is the spacing between generated candidate starts.
const Step = window.GranularityMinutes * time.Minute

// Candidates returns windows of durationMinutes within [blockStart, blockEnd), stepped
// every step, that start at or after now and overlap none of busy.
func Candidates(blockStart, blockEnd time.Time, durationMinutes int, step time.Duration, busy []window.TimeWindow, now time.Time) []window.TimeWindow {
	if step <= 0 || window.ValidateDuration(durationMinutes) != nil {
		return nil
	}
	if !blockEnd.After(blockStart) {
		return nil
	}
	duration := time.Duration(durationMinutes) * time.Minute

	var out []window.TimeWindow
	for t := blockStart; !t.Add(duration).After(blockEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		w, err := window.New(t, durationMinutes)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return conflict.FilterFree(out, busy)
}

// BlockBounds places an availability block on day (a date in loc). Bare UTC times are
// resolved against that day's UTC date. A block that does not end after it starts,
// including one that would wrap past midnight, is a validation error.
func BlockBounds(block model.AvailabilityBlock, day time.Time, loc *time.Location) (time.Time, time.Time, error) {
	y, m, d := day.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	startMin, err := hybridtime.LocalMinutes(block.StartTime, loc, midnight)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endMin, err := hybridtime.LocalMinutes(block.EndTime, loc, midnight)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(y, m, d, startMin/60, startMin%60, 0, 0, loc)
	end := time.Date(y, m, d, endMin/60, endMin%60, 0, 0, loc)
	if !end.After(start) {
		return time.Time{}, time.Time{}, apperrors.Validation("end_time", "block %s-%s ends before it starts", block.StartTime, block.EndTime)
	}
	return start, end, nil
}

// Day merges published AVAILABLE slots with windows generated from blocks, drops
// anything overlapping busy or starting before now, and returns the result sorted and
// de-duplicated. Blocks whose times cannot be parsed or that end before they start are
// skipped and reported through skipped.
func Day(day time.Time, loc *time.Location, durationMinutes int, blocks []model.AvailabilityBlock, published []model.Slot, busy []window.TimeWindow, now time.Time, skipped func(model.AvailabilityBlock, error)) []window.TimeWindow {
	var all []window.TimeWindow
	for _, b := range blocks {
		start, end, err := BlockBounds(b, day, loc)
		if err != nil {
			if skipped != nil {
				skipped(b, err)
			}
			continue
		}
		all = append(all, Candidates(start, end, durationMinutes, Step, busy, now)...)
	}

	var exact []window.TimeWindow
	for _, s := range published {
		if s.Status != model.StatusAvailable || s.Deleted() {
			continue
		}
		if s.Window.DurationMinutes() != durationMinutes || s.Window.Start().Before(now) {
			continue
		}
		exact = append(exact, s.Window)
	}
	all = append(all, conflict.FilterFree(exact, busy)...)

	sort.Slice(all, func(i, j int) bool { return all[i].Start().Before(all[j].Start()) })
	out := all[:0]
	for i, w := range all {
		if i > 0 && w.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, w)
	}
	return out
}
