package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

// memStore mimics the Postgres repository: one lock per resource, copy-on-write
// transactions and the booked-overlap constraint checked at commit.
type memStore struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	slots  map[string]model.Slot
	blocks []model.AvailabilityBlock
	seq    int
	calls  int

	// beforeCommit runs inside the resource lock, after fn succeeded.
	beforeCommit func()
}

func newMemStore() *memStore {
	return &memStore{locks: map[string]*sync.Mutex{}, slots: map[string]model.Slot{}}
}

func (m *memStore) lockFor(resourceRef string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[resourceRef]
	if !ok {
		l = &sync.Mutex{}
		m.locks[resourceRef] = l
	}
	return l
}

func (m *memStore) InResourceTx(ctx context.Context, resourceRef string, fn func(ctx context.Context, tx storage.Tx) error) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	l := m.lockFor(resourceRef)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{store: m, work: map[string]model.Slot{}, dirty: map[string]bool{}}
	m.mu.Lock()
	for id, s := range m.slots {
		tx.work[id] = s
	}
	m.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		if apperrors.IsKnown(err) {
			return err
		}
		return apperrors.Transient("slot transaction", err)
	}
	if m.beforeCommit != nil {
		m.beforeCommit()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range tx.dirty {
		m.slots[id] = tx.work[id]
	}
	return nil
}

func (m *memStore) GetSlot(_ context.Context, slotID string) (model.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	s, ok := m.slots[slotID]
	if !ok {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	return s, nil
}

func (m *memStore) ListSlots(_ context.Context, resourceRef string, from, to time.Time, statuses ...model.Status) ([]model.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []model.Slot
	for _, s := range m.slots {
		if s.ResourceRef != resourceRef || s.Deleted() {
			continue
		}
		if !s.Window.Start().Before(to) || !s.Window.End().After(from) {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, s.Status) {
			continue
		}
		out = append(out, s)
	}
	sortSlots(out)
	return out, nil
}

func (m *memStore) ListAvailabilityBlocks(_ context.Context, resourceRef string, weekday time.Weekday) ([]model.AvailabilityBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []model.AvailabilityBlock
	for _, b := range m.blocks {
		if b.ResourceRef == resourceRef && b.Weekday == weekday {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) snapshot() []model.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	sortSlots(out)
	return out
}

func (m *memStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memStore) nextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", m.seq)
}

type memTx struct {
	store *memStore
	work  map[string]model.Slot
	dirty map[string]bool
}

func (t *memTx) put(s model.Slot) model.Slot {
	if s.Blocking() {
		for id, other := range t.work {
			if id != s.ID && other.Blocking() && other.ResourceRef == s.ResourceRef && window.Overlaps(other.Window, s.Window) {
				panic(fmt.Sprintf("exclusion constraint violated: %s overlaps %s", s.Window, other.Window))
			}
		}
	}
	t.work[s.ID] = s
	t.dirty[s.ID] = true
	return s
}

func (t *memTx) matching(keep func(model.Slot) bool) []model.Slot {
	var out []model.Slot
	for _, s := range t.work {
		if keep(s) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out
}

func (t *memTx) FindConflicting(_ context.Context, w window.TimeWindow, resourceRef, excludeID string) ([]model.Slot, error) {
	return t.matching(func(s model.Slot) bool {
		return s.ResourceRef == resourceRef && s.Blocking() && s.ID != excludeID && window.Overlaps(s.Window, w)
	}), nil
}

func (t *memTx) FindOverlappingAny(_ context.Context, resourceRef string, w window.TimeWindow) ([]model.Slot, error) {
	return t.matching(func(s model.Slot) bool {
		return s.ResourceRef == resourceRef && !s.Deleted() && window.Overlaps(s.Window, w)
	}), nil
}

func (t *memTx) FindAvailableExact(_ context.Context, resourceRef string, w window.TimeWindow) (model.Slot, bool, error) {
	found := t.matching(func(s model.Slot) bool {
		return s.ResourceRef == resourceRef && s.Status == model.StatusAvailable && !s.Deleted() && s.Window.Equal(w)
	})
	if len(found) == 0 {
		return model.Slot{}, false, nil
	}
	return found[0], true, nil
}

func (t *memTx) GetForUpdate(_ context.Context, slotID string) (model.Slot, error) {
	s, ok := t.work[slotID]
	if !ok {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	return s, nil
}

func (t *memTx) create(resourceRef string, w window.TimeWindow, status model.Status, ownerRef string) model.Slot {
	now := time.Now().UTC()
	return t.put(model.Slot{
		ID:          t.store.nextID(),
		ResourceRef: resourceRef,
		Window:      w,
		Status:      status,
		OwnerRef:    ownerRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (t *memTx) CreateBooked(_ context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error) {
	return t.create(resourceRef, w, model.StatusBooked, ownerRef), nil
}

func (t *memTx) CreateRequested(_ context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error) {
	return t.create(resourceRef, w, model.StatusRequested, ownerRef), nil
}

func (t *memTx) CreateAvailable(_ context.Context, resourceRef string, w window.TimeWindow) (model.Slot, error) {
	return t.create(resourceRef, w, model.StatusAvailable, ""), nil
}

func (t *memTx) TransitionToBooked(_ context.Context, slotID, ownerRef string) (model.Slot, error) {
	s, ok := t.work[slotID]
	if !ok || s.Deleted() {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	s.Status = model.StatusBooked
	s.OwnerRef = ownerRef
	s.UpdatedAt = time.Now().UTC()
	return t.put(s), nil
}

func (t *memTx) UpdateWindow(_ context.Context, slotID string, w window.TimeWindow) (model.Slot, error) {
	s, ok := t.work[slotID]
	if !ok || s.Deleted() {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	s.Window = w
	s.UpdatedAt = time.Now().UTC()
	return t.put(s), nil
}

func (t *memTx) SoftDelete(_ context.Context, slotID string) error {
	s, ok := t.work[slotID]
	if !ok || s.Deleted() {
		return nil
	}
	now := time.Now().UTC()
	s.DeletedAt = &now
	t.put(s)
	return nil
}

func (t *memTx) SoftDeleteRequested(_ context.Context, ownerRef, keepID string) (int64, error) {
	var n int64
	for id, s := range t.work {
		if s.OwnerRef != ownerRef || s.Status != model.StatusRequested || s.Deleted() || id == keepID {
			continue
		}
		now := time.Now().UTC()
		s.DeletedAt = &now
		s.OwnerRef = ""
		t.put(s)
		n++
	}
	return n, nil
}

func hasStatus(statuses []model.Status, s model.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func sortSlots(slots []model.Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Window.Start().Equal(slots[j].Window.Start()) {
			return slots[i].ID < slots[j].ID
		}
		return slots[i].Window.Start().Before(slots[j].Window.Start())
	})
}
