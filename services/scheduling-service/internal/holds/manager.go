package holds

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holdtimer"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

type ManagerConfig struct {
	TTL        time.Duration
	Thresholds holdtimer.Thresholds
	Tick       time.Duration
}

// Status is a hold as seen by the claimant's countdown.
type Status struct {
	Hold      model.Hold
	State     holdtimer.State
	Remaining time.Duration
}

type timerEntry struct {
	timer *holdtimer.Timer
}

// Manager pairs each hold this process places with a holdtimer. Redis TTLs remain the
// authority across instances; the timer releases eagerly and publishes the expiry.
type Manager struct {
	store     *Store
	publisher notify.Publisher
	logger    *slog.Logger
	cfg       ManagerConfig
	base      context.Context
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*timerEntry
}

// NewManager ties hold timers to base; cancelling base stops every timer without
// releasing.
func NewManager(base context.Context, store *Store, publisher notify.Publisher, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Thresholds == (holdtimer.Thresholds{}) {
		cfg.Thresholds = holdtimer.DefaultThresholds()
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		base:      base,
		now:       time.Now,
		timers:    map[string]*timerEntry{},
	}
}

func (m *Manager) Acquire(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) (model.Hold, error) {
	h, created, err := m.store.Acquire(ctx, resourceRef, w, subjectRef, m.cfg.TTL)
	if err != nil {
		return model.Hold{}, err
	}
	key := m.store.holdKey(resourceRef, w)

	m.mu.Lock()
	stale, running := m.timers[key]
	if running && !created {
		m.mu.Unlock()
		return h, nil
	}
	delete(m.timers, key)
	m.mu.Unlock()
	// A timer left over from an earlier hold on the same key must not release this one.
	if stale != nil {
		stale.timer.Cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &timerEntry{}
	// Release and OnExpired run in order on the timer goroutine.
	lapsed := true
	entry.timer = holdtimer.Start(m.base, holdtimer.Config{
		ExpiresAt:  h.ExpiresAt,
		Thresholds: m.cfg.Thresholds,
		Tick:       m.cfg.Tick,
		Logger:     m.logger,
		Now:        m.now,
		Release: func(ctx context.Context) error {
			ok, err := m.store.Expire(ctx, h)
			if err != nil {
				return err
			}
			lapsed = ok
			return nil
		},
		OnExpired: func(ctx context.Context) {
			m.forget(key, entry)
			if !lapsed {
				m.logger.Debug("hold released before expiry", "hold_id", h.ID, "resource_ref", h.ResourceRef)
				return
			}
			m.logger.Info("hold expired", "hold_id", h.ID, "resource_ref", h.ResourceRef, "subject_ref", h.SubjectRef)
			if err := m.publisher.Publish(ctx, notify.HoldExpired(h)); err != nil {
				m.logger.Warn("hold expiry event failed", "hold_id", h.ID, "err", err)
			}
		},
	})
	m.timers[key] = entry
	if created {
		m.logger.Info("hold acquired", "hold_id", h.ID, "resource_ref", resourceRef, "subject_ref", subjectRef, "expires_at", h.ExpiresAt)
	}
	return h, nil
}

// Release frees the subject's hold on w and stops its timer. It is idempotent; a
// hold owned by another subject is reported as not found.
func (m *Manager) Release(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) error {
	h, ok, err := m.store.Get(ctx, resourceRef, w)
	if err != nil {
		return err
	}
	if ok && h.SubjectRef != subjectRef {
		return apperrors.NotFound("hold", resourceRef)
	}

	key := m.store.holdKey(resourceRef, w)
	m.mu.Lock()
	entry := m.timers[key]
	delete(m.timers, key)
	m.mu.Unlock()
	if entry != nil {
		entry.timer.Cancel()
	}

	released, err := m.store.Release(ctx, resourceRef, w, subjectRef)
	if err != nil {
		return err
	}
	if released {
		m.logger.Info("hold released", "hold_id", h.ID, "resource_ref", resourceRef, "subject_ref", subjectRef)
	}
	return nil
}

// Status reports the subject's hold on w. Missing holds and holds of other subjects
// are not found.
func (m *Manager) Status(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) (Status, error) {
	h, ok, err := m.store.Get(ctx, resourceRef, w)
	if err != nil {
		return Status{}, err
	}
	if !ok || h.SubjectRef != subjectRef {
		return Status{}, apperrors.NotFound("hold", resourceRef)
	}
	remaining := h.Remaining(m.now())
	return Status{Hold: h, State: holdtimer.StateAt(remaining, m.cfg.Thresholds), Remaining: remaining}, nil
}

// HeldWindows lists windows of resourceRef held by anyone other than subjectRef.
func (m *Manager) HeldWindows(ctx context.Context, resourceRef, subjectRef string) ([]window.TimeWindow, error) {
	active, err := m.store.ListActive(ctx, resourceRef)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []window.TimeWindow
	for _, h := range active {
		if h.SubjectRef == subjectRef || h.Remaining(now) == 0 {
			continue
		}
		out = append(out, h.Window)
	}
	return out, nil
}

// Shutdown stops every running timer. Holds stay in Redis until their TTL.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*timerEntry, 0, len(m.timers))
	for k, e := range m.timers {
		entries = append(entries, e)
		delete(m.timers, k)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.timer.Cancel()
	}
}

func (m *Manager) forget(key string, entry *timerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers[key] == entry {
		delete(m.timers, key)
	}
}

func (m *Manager) activeTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
