// Package booking owns every state change of a slot. Each mutation runs in one
// resource-scoped transaction that re-checks conflicts against live state, and
// notifications go out only after commit.
package booking

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Store interface {
	InResourceTx(ctx context.Context, resourceRef string, fn func(ctx context.Context, tx storage.Tx) error) error
	GetSlot(ctx context.Context, slotID string) (model.Slot, error)
	ListSlots(ctx context.Context, resourceRef string, from, to time.Time, statuses ...model.Status) ([]model.Slot, error)
	ListAvailabilityBlocks(ctx context.Context, resourceRef string, weekday time.Weekday) ([]model.AvailabilityBlock, error)
}

// HoldLister exposes windows currently held by claimants.
type HoldLister interface {
	HeldWindows(ctx context.Context, resourceRef, subjectRef string) ([]window.TimeWindow, error)
}

type Service struct {
	store     Store
	publisher notify.Publisher
	holds     HoldLister
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
	tracer    trace.Tracer
}

type Config struct {
	// Location is the zone availability dates and legacy block times are read in.
	Location *time.Location
}

// NewService wires the orchestrator. holds may be nil when Redis is not configured.
func NewService(store Store, publisher notify.Publisher, holds HoldLister, logger *slog.Logger, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:     store,
		publisher: publisher,
		holds:     holds,
		logger:    logger,
		loc:       cfg.Location,
		now:       time.Now,
		tracer:    otel.Tracer("scheduling-service/booking"),
	}
}

// Book reserves w on resourceRef for ownerRef. A published AVAILABLE slot covering
// exactly w is converted in place; otherwise a new BOOKED slot is created. If ownerRef
// already holds exactly w, that slot is returned and no event is published.
func (s *Service) Book(ctx context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (slot model.Slot, err error) {
	if err := requireRef("resource_ref", resourceRef); err != nil {
		return model.Slot{}, err
	}
	if err := requireRef("owner_ref", ownerRef); err != nil {
		return model.Slot{}, err
	}
	if err := requireWindow(w); err != nil {
		return model.Slot{}, err
	}

	ctx, span := s.startSpan(ctx, "booking.book", resourceRef)
	defer func() { endSpan(span, err) }()

	existing := false
	err = s.store.InResourceTx(ctx, resourceRef, func(ctx context.Context, tx storage.Tx) error {
		booked, err := tx.FindConflicting(ctx, w, resourceRef, "")
		if err != nil {
			return err
		}
		// Repeating a booking the owner already holds returns it unchanged.
		if len(booked) == 1 && booked[0].OwnerRef == ownerRef && booked[0].Window.Equal(w) && booked[0].Blocking() {
			slot, existing = booked[0], true
			return nil
		}
		if err := conflict.Check(resourceRef, w, booked, ""); err != nil {
			return err
		}
		avail, ok, err := tx.FindAvailableExact(ctx, resourceRef, w)
		if err != nil {
			return err
		}
		if ok {
			slot, err = tx.TransitionToBooked(ctx, avail.ID, ownerRef)
			return err
		}
		slot, err = tx.CreateBooked(ctx, resourceRef, w, ownerRef)
		return err
	})
	if err != nil {
		s.logFailure("book", resourceRef, err)
		return model.Slot{}, err
	}
	if existing {
		s.logger.Info("slot already booked by owner", "slot_id", slot.ID, "resource_ref", resourceRef, "owner_ref", ownerRef)
		return slot, nil
	}

	s.logger.Info("slot booked", "slot_id", slot.ID, "resource_ref", resourceRef, "owner_ref", ownerRef, "start_time", w.Start(), "duration_minutes", w.DurationMinutes())
	s.notify(ctx, notify.SlotBooked(slot, s.now()))
	return slot, nil
}

// Reschedule moves the owner's booked slot to w. The slot never conflicts with itself,
// so rescheduling onto the same or a partly overlapping window succeeds.
func (s *Service) Reschedule(ctx context.Context, slotID, ownerRef string, w window.TimeWindow) (slot model.Slot, err error) {
	if err := requireRef("slot_id", slotID); err != nil {
		return model.Slot{}, err
	}
	if err := requireRef("owner_ref", ownerRef); err != nil {
		return model.Slot{}, err
	}
	if err := requireWindow(w); err != nil {
		return model.Slot{}, err
	}

	current, err := s.ownedSlot(ctx, slotID, ownerRef)
	if err != nil {
		return model.Slot{}, err
	}
	resourceRef := current.ResourceRef

	ctx, span := s.startSpan(ctx, "booking.reschedule", resourceRef)
	defer func() { endSpan(span, err) }()

	var previous window.TimeWindow
	err = s.store.InResourceTx(ctx, resourceRef, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.GetForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if locked.Deleted() || locked.OwnerRef != ownerRef || locked.Status != model.StatusBooked {
			return apperrors.NotFound("slot", slotID)
		}
		booked, err := tx.FindConflicting(ctx, w, resourceRef, locked.ID)
		if err != nil {
			return err
		}
		if err := conflict.Check(resourceRef, w, booked, locked.ID); err != nil {
			return err
		}
		previous = locked.Window
		slot, err = tx.UpdateWindow(ctx, locked.ID, w)
		return err
	})
	if err != nil {
		s.logFailure("reschedule", resourceRef, err)
		return model.Slot{}, err
	}

	s.logger.Info("slot rescheduled", "slot_id", slot.ID, "resource_ref", resourceRef, "from", previous.Start(), "to", w.Start())
	s.notify(ctx, notify.SlotRescheduled(slot, previous, s.now()))
	return slot, nil
}

// Cancel soft-deletes the owner's booked slot. Cancelling an already cancelled slot
// returns it unchanged and emits nothing.
func (s *Service) Cancel(ctx context.Context, slotID, ownerRef string) (slot model.Slot, err error) {
	if err := requireRef("slot_id", slotID); err != nil {
		return model.Slot{}, err
	}
	if err := requireRef("owner_ref", ownerRef); err != nil {
		return model.Slot{}, err
	}

	current, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	if current.OwnerRef != ownerRef || current.Status != model.StatusBooked {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	if current.Deleted() {
		return current, nil
	}
	resourceRef := current.ResourceRef

	ctx, span := s.startSpan(ctx, "booking.cancel", resourceRef)
	defer func() { endSpan(span, err) }()

	cancelled := false
	err = s.store.InResourceTx(ctx, resourceRef, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.GetForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if locked.OwnerRef != ownerRef || locked.Status != model.StatusBooked {
			return apperrors.NotFound("slot", slotID)
		}
		slot = locked
		if locked.Deleted() {
			return nil
		}
		if err := tx.SoftDelete(ctx, locked.ID); err != nil {
			return err
		}
		deletedAt := s.now().UTC()
		slot.DeletedAt = &deletedAt
		cancelled = true
		return nil
	})
	if err != nil {
		s.logFailure("cancel", resourceRef, err)
		return model.Slot{}, err
	}
	if cancelled {
		s.logger.Info("slot cancelled", "slot_id", slot.ID, "resource_ref", resourceRef, "owner_ref", ownerRef)
		s.notify(ctx, notify.SlotCancelled(slot, s.now()))
	}
	return slot, nil
}

// SubmitPreferences replaces the owner's REQUESTED slots with windows in one
// transaction. Requested windows are not conflict-checked.
func (s *Service) SubmitPreferences(ctx context.Context, resourceRef, ownerRef string, windows []window.TimeWindow) (slots []model.Slot, err error) {
	if err := requireRef("resource_ref", resourceRef); err != nil {
		return nil, err
	}
	if err := requireRef("owner_ref", ownerRef); err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, apperrors.Validation("windows", "at least one window is required")
	}
	for _, w := range windows {
		if err := requireWindow(w); err != nil {
			return nil, err
		}
	}

	ctx, span := s.startSpan(ctx, "booking.submit_preferences", resourceRef)
	defer func() { endSpan(span, err) }()

	var withdrawn int64
	err = s.store.InResourceTx(ctx, resourceRef, func(ctx context.Context, tx storage.Tx) error {
		slots = slots[:0]
		n, err := tx.SoftDeleteRequested(ctx, ownerRef, "")
		if err != nil {
			return err
		}
		withdrawn = n
		for _, w := range windows {
			created, err := tx.CreateRequested(ctx, resourceRef, w, ownerRef)
			if err != nil {
				return err
			}
			slots = append(slots, created)
		}
		return nil
	})
	if err != nil {
		s.logFailure("submit preferences", resourceRef, err)
		return nil, err
	}

	s.logger.Info("preferences submitted", "resource_ref", resourceRef, "owner_ref", ownerRef, "requested", len(slots), "withdrawn", withdrawn)
	s.notify(ctx, notify.PreferencesSubmitted(resourceRef, ownerRef, slots, withdrawn, s.now()))
	return slots, nil
}

// ConfirmPreference books a REQUESTED slot and withdraws the owner's other requests.
// Confirming an already booked slot returns it unchanged.
func (s *Service) ConfirmPreference(ctx context.Context, slotID string) (slot model.Slot, err error) {
	if err := requireRef("slot_id", slotID); err != nil {
		return model.Slot{}, err
	}
	current, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	if current.Deleted() || current.OwnerRef == "" {
		return model.Slot{}, apperrors.NotFound("requested slot", slotID)
	}
	if current.Status == model.StatusBooked {
		return current, nil
	}
	if current.Status != model.StatusRequested {
		return model.Slot{}, apperrors.NotFound("requested slot", slotID)
	}
	resourceRef := current.ResourceRef

	ctx, span := s.startSpan(ctx, "booking.confirm_preference", resourceRef)
	defer func() { endSpan(span, err) }()

	var withdrawn int64
	err = s.store.InResourceTx(ctx, resourceRef, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.GetForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if locked.Deleted() || locked.Status != model.StatusRequested || locked.OwnerRef == "" {
			return apperrors.NotFound("requested slot", slotID)
		}
		booked, err := tx.FindConflicting(ctx, locked.Window, resourceRef, locked.ID)
		if err != nil {
			return err
		}
		if err := conflict.Check(resourceRef, locked.Window, booked, locked.ID); err != nil {
			return err
		}
		slot, err = tx.TransitionToBooked(ctx, locked.ID, locked.OwnerRef)
		if err != nil {
			return err
		}
		withdrawn, err = tx.SoftDeleteRequested(ctx, locked.OwnerRef, locked.ID)
		return err
	})
	if err != nil {
		s.logFailure("confirm preference", resourceRef, err)
		return model.Slot{}, err
	}

	s.logger.Info("preference confirmed", "slot_id", slot.ID, "resource_ref", resourceRef, "owner_ref", slot.OwnerRef, "withdrawn", withdrawn)
	s.notify(ctx, notify.SlotBooked(slot, s.now()))
	return slot, nil
}

// PublishAvailability creates AVAILABLE slots. Windows overlapping any live slot of
// the resource, including ones created earlier in the same call, are skipped.
func (s *Service) PublishAvailability(ctx context.Context, resourceRef string, windows []window.TimeWindow) (created []model.Slot, skipped []window.TimeWindow, err error) {
	if err := requireRef("resource_ref", resourceRef); err != nil {
		return nil, nil, err
	}
	if len(windows) == 0 {
		return nil, nil, apperrors.Validation("windows", "at least one window is required")
	}
	for _, w := range windows {
		if err := requireWindow(w); err != nil {
			return nil, nil, err
		}
	}

	ctx, span := s.startSpan(ctx, "booking.publish_availability", resourceRef)
	defer func() { endSpan(span, err) }()

	err = s.store.InResourceTx(ctx, resourceRef, func(ctx context.Context, tx storage.Tx) error {
		created, skipped = created[:0], skipped[:0]
		for _, w := range windows {
			existing, err := tx.FindOverlappingAny(ctx, resourceRef, w)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				skipped = append(skipped, w)
				continue
			}
			slot, err := tx.CreateAvailable(ctx, resourceRef, w)
			if err != nil {
				return err
			}
			created = append(created, slot)
		}
		return nil
	})
	if err != nil {
		s.logFailure("publish availability", resourceRef, err)
		return nil, nil, err
	}
	s.logger.Info("availability published", "resource_ref", resourceRef, "created", len(created), "skipped", len(skipped))
	return created, skipped, nil
}

// Available lists bookable windows of durationMinutes on day (read in the service
// zone). It runs outside any transaction, so the answer can be stale by the time the
// caller books. Windows held by claimants other than subjectRef are left out.
func (s *Service) Available(ctx context.Context, resourceRef string, day time.Time, durationMinutes int, subjectRef string) ([]window.TimeWindow, error) {
	if err := requireRef("resource_ref", resourceRef); err != nil {
		return nil, err
	}
	if err := window.ValidateDuration(durationMinutes); err != nil {
		return nil, err
	}
	if day.IsZero() {
		return nil, apperrors.Validation("date", "is required")
	}

	y, m, d := day.In(s.loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	to := time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)

	slots, err := s.store.ListSlots(ctx, resourceRef, from, to)
	if err != nil {
		return nil, err
	}
	blocks, err := s.store.ListAvailabilityBlocks(ctx, resourceRef, from.Weekday())
	if err != nil {
		return nil, err
	}

	var busy []window.TimeWindow
	for _, sl := range slots {
		if sl.Blocking() {
			busy = append(busy, sl.Window)
		}
	}
	if s.holds != nil {
		held, err := s.holds.HeldWindows(ctx, resourceRef, subjectRef)
		if err != nil {
			s.logger.Warn("hold lookup failed; listing without holds", "resource_ref", resourceRef, "err", err)
		} else {
			busy = append(busy, held...)
		}
	}

	out := availability.Day(from, s.loc, durationMinutes, blocks, slots, busy, s.now(), func(b model.AvailabilityBlock, err error) {
		s.logger.Warn("skipping availability block", "resource_ref", b.ResourceRef, "start_time", b.StartTime, "end_time", b.EndTime, "err", err)
	})
	filtered := out[:0]
	for _, w := range out {
		if !w.Start().Before(from) && w.Start().Before(to) {
			filtered = append(filtered, w)
		}
	}
	return filtered, nil
}

func (s *Service) ownedSlot(ctx context.Context, slotID, ownerRef string) (model.Slot, error) {
	current, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	if current.Deleted() || current.OwnerRef != ownerRef || current.Status != model.StatusBooked {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	return current, nil
}

// notify publishes after commit. Failures are logged and never reach the caller.
func (s *Service) notify(ctx context.Context, e notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("event publish failed", "event_type", e.EventType, "aggregate_id", e.AggregateID, "err", err)
	}
}

func (s *Service) logFailure(op, resourceRef string, err error) {
	switch {
	case apperrors.IsConflict(err):
		s.logger.Info(op+" rejected: slot conflict", "resource_ref", resourceRef, "err", err)
	case apperrors.IsNotFound(err), apperrors.IsValidation(err):
		s.logger.Info(op+" rejected", "resource_ref", resourceRef, "err", err)
	default:
		s.logger.Error(op+" failed", "resource_ref", resourceRef, "err", err)
	}
}

func (s *Service) startSpan(ctx context.Context, name, resourceRef string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("scheduling.resource_ref", resourceRef)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireRef(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperrors.Validation(field, "is required")
	}
	return nil
}

func requireWindow(w window.TimeWindow) error {
	if w.IsZero() {
		return apperrors.Validation("start_time", "is required")
	}
	return window.ValidateDuration(w.DurationMinutes())
}
