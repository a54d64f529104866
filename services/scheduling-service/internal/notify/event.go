package notify

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

const (
	TopicSlotBooked           = "scheduling.slot.booked.v1"
	TopicSlotRescheduled      = "scheduling.slot.rescheduled.v1"
	TopicSlotCancelled        = "scheduling.slot.cancelled.v1"
	TopicPreferencesSubmitted = "scheduling.preferences.submitted.v1"
	TopicHoldExpired          = "scheduling.hold.expired.v1"
)

// Event is the envelope handed to a Publisher. The Kafka topic equals EventType and
// AggregateID is the partition key.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type windowPayload struct {
	Start           time.Time `json:"start_time"`
	End             time.Time `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

func toWindowPayload(w window.TimeWindow) windowPayload {
	return windowPayload{Start: w.Start(), End: w.End(), DurationMinutes: w.DurationMinutes()}
}

type slotPayload struct {
	SlotID      string         `json:"slot_id"`
	ResourceRef string         `json:"resource_ref"`
	OwnerRef    string         `json:"owner_ref,omitempty"`
	Status      string         `json:"status"`
	Window      windowPayload  `json:"window"`
	Previous    *windowPayload `json:"previous_window,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

func slotEvent(topic string, s model.Slot, previous *window.TimeWindow, now time.Time) Event {
	p := slotPayload{
		SlotID:      s.ID,
		ResourceRef: s.ResourceRef,
		OwnerRef:    s.OwnerRef,
		Status:      string(s.Status),
		Window:      toWindowPayload(s.Window),
		OccurredAt:  now.UTC(),
	}
	if previous != nil {
		prev := toWindowPayload(*previous)
		p.Previous = &prev
	}
	payload, _ := json.Marshal(p)
	return Event{AggregateType: "slot", AggregateID: s.ID, EventType: topic, Payload: payload}
}

func SlotBooked(s model.Slot, now time.Time) Event {
	return slotEvent(TopicSlotBooked, s, nil, now)
}

func SlotRescheduled(s model.Slot, previous window.TimeWindow, now time.Time) Event {
	return slotEvent(TopicSlotRescheduled, s, &previous, now)
}

func SlotCancelled(s model.Slot, now time.Time) Event {
	return slotEvent(TopicSlotCancelled, s, nil, now)
}

type preferencesPayload struct {
	OwnerRef    string          `json:"owner_ref"`
	ResourceRef string          `json:"resource_ref"`
	SlotIDs     []string        `json:"slot_ids"`
	Windows     []windowPayload `json:"windows"`
	Withdrawn   int64           `json:"withdrawn"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func PreferencesSubmitted(resourceRef, ownerRef string, slots []model.Slot, withdrawn int64, now time.Time) Event {
	p := preferencesPayload{
		OwnerRef:    ownerRef,
		ResourceRef: resourceRef,
		SlotIDs:     make([]string, 0, len(slots)),
		Windows:     make([]windowPayload, 0, len(slots)),
		Withdrawn:   withdrawn,
		OccurredAt:  now.UTC(),
	}
	for _, s := range slots {
		p.SlotIDs = append(p.SlotIDs, s.ID)
		p.Windows = append(p.Windows, toWindowPayload(s.Window))
	}
	payload, _ := json.Marshal(p)
	return Event{AggregateType: "preferences", AggregateID: ownerRef, EventType: TopicPreferencesSubmitted, Payload: payload}
}

type holdPayload struct {
	HoldID      string        `json:"hold_id"`
	ResourceRef string        `json:"resource_ref"`
	SubjectRef  string        `json:"subject_ref"`
	Window      windowPayload `json:"window"`
	ExpiredAt   time.Time     `json:"expired_at"`
}

func HoldExpired(h model.Hold) Event {
	payload, _ := json.Marshal(holdPayload{
		HoldID:      h.ID,
		ResourceRef: h.ResourceRef,
		SubjectRef:  h.SubjectRef,
		Window:      toWindowPayload(h.Window),
		ExpiredAt:   h.ExpiresAt.UTC(),
	})
	return Event{AggregateType: "hold", AggregateID: h.ID, EventType: TopicHoldExpired, Payload: payload}
}
