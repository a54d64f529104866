package holds

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/holdtimer"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "test-hold"), mr
}

func win(t *testing.T, hour, min, minutes int) window.TimeWindow {
	t.Helper()
	w, err := window.New(time.Date(2030, 6, 3, hour, min, 0, 0, time.UTC), minutes)
	require.NoError(t, err)
	return w
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreAcquireIsNotRenewed(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	w := win(t, 10, 0, 60)

	first, created, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	store.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	again, created, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.ExpiresAt.Equal(again.ExpiresAt), "re-acquire must not extend the hold")
}

func TestStoreAcquireRejectsOtherSubjects(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	_, _, err := store.Acquire(ctx, "examiner-1", win(t, 10, 0, 60), "claimant-a", time.Minute)
	require.NoError(t, err)

	_, _, err = store.Acquire(ctx, "examiner-1", win(t, 10, 0, 60), "claimant-b", time.Minute)
	assert.True(t, apperrors.IsConflict(err), "same window: %v", err)

	_, _, err = store.Acquire(ctx, "examiner-1", win(t, 10, 30, 60), "claimant-b", time.Minute)
	assert.True(t, apperrors.IsConflict(err), "overlapping window: %v", err)

	_, created, err := store.Acquire(ctx, "examiner-1", win(t, 11, 0, 30), "claimant-b", time.Minute)
	require.NoError(t, err, "adjacent window")
	assert.True(t, created)

	_, _, err = store.Acquire(ctx, "examiner-2", win(t, 10, 0, 60), "claimant-b", time.Minute)
	assert.NoError(t, err, "other resource")
}

func TestStoreReleaseComparesSubject(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	w := win(t, 9, 0, 30)
	_, _, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", time.Minute)
	require.NoError(t, err)

	_, err = store.Release(ctx, "examiner-1", w, "claimant-b")
	assert.True(t, apperrors.IsNotFound(err))

	released, err := store.Release(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = store.Release(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)
	assert.False(t, released)

	active, err := store.ListActive(ctx, "examiner-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)
	w := win(t, 9, 0, 30)
	_, _, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", time.Minute)
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	_, ok, err := store.Get(ctx, "examiner-1", w)
	require.NoError(t, err)
	assert.False(t, ok)

	_, created, err := store.Acquire(ctx, "examiner-1", w, "claimant-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestStoreRedisDown(t *testing.T) {
	store, mr := newStore(t)
	mr.Close()
	_, _, err := store.Acquire(context.Background(), "examiner-1", win(t, 9, 0, 30), "claimant-a", time.Minute)
	var transient *apperrors.TransientInfraError
	assert.ErrorAs(t, err, &transient)
}

func TestManagerExpiryReleasesAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := newStore(t)
	pub := &recordingPublisher{}
	m := NewManager(ctx, store, pub, discardLogger(), ManagerConfig{TTL: 60 * time.Millisecond, Tick: 5 * time.Millisecond})
	w := win(t, 15, 0, 45)

	_, err := m.Acquire(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok, err := store.Get(ctx, "examiner-1", w)
	require.NoError(t, err)
	assert.False(t, ok, "expired hold must be released")
	assert.Equal(t, notify.TopicHoldExpired, pub.events[0].EventType)
	require.Eventually(t, func() bool { return m.activeTimers() == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pub.count())
}

func TestManagerReleaseStopsTimer(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	pub := &recordingPublisher{}
	m := NewManager(ctx, store, pub, discardLogger(), ManagerConfig{TTL: 80 * time.Millisecond, Tick: 5 * time.Millisecond})
	defer m.Shutdown()
	w := win(t, 15, 0, 45)

	_, err := m.Acquire(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, m.activeTimers())

	assert.True(t, apperrors.IsNotFound(m.Release(ctx, "examiner-1", w, "claimant-b")))
	assert.Equal(t, 1, m.activeTimers(), "foreign release must not touch the timer")

	require.NoError(t, m.Release(ctx, "examiner-1", w, "claimant-a"))
	require.NoError(t, m.Release(ctx, "examiner-1", w, "claimant-a"))
	assert.Equal(t, 0, m.activeTimers())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, pub.count(), "released hold must not publish expiry")
}

func TestManagerStatusAndHeldWindows(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	m := NewManager(ctx, store, &recordingPublisher{}, discardLogger(), ManagerConfig{TTL: 10 * time.Minute})
	defer m.Shutdown()

	a := win(t, 9, 0, 30)
	b := win(t, 13, 0, 60)
	_, err := m.Acquire(ctx, "examiner-1", a, "claimant-a")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "examiner-1", b, "claimant-b")
	require.NoError(t, err)

	st, err := m.Status(ctx, "examiner-1", a, "claimant-a")
	require.NoError(t, err)
	assert.Equal(t, holdtimer.StateActive, st.State)
	assert.InDelta(t, (10 * time.Minute).Seconds(), st.Remaining.Seconds(), 5)

	_, err = m.Status(ctx, "examiner-1", a, "claimant-b")
	assert.True(t, apperrors.IsNotFound(err))

	held, err := m.HeldWindows(ctx, "examiner-1", "claimant-a")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.True(t, held[0].Equal(b))
}

func TestStoreExpireOnlyRemovesItsOwnHold(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)
	w := win(t, 9, 0, 30)

	first, _, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", time.Minute)
	require.NoError(t, err)
	lapsed, err := store.Expire(ctx, first)
	require.NoError(t, err)
	assert.True(t, lapsed)
	_, ok, err := store.Get(ctx, "examiner-1", w)
	require.NoError(t, err)
	assert.False(t, ok)

	// Lapsed by TTL, then taken by someone else: the newer hold survives.
	old, _, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", time.Minute)
	require.NoError(t, err)
	mr.FastForward(61 * time.Second)
	newer, _, err := store.Acquire(ctx, "examiner-1", w, "claimant-b", time.Minute)
	require.NoError(t, err)
	lapsed, err = store.Expire(ctx, old)
	require.NoError(t, err)
	assert.True(t, lapsed)
	got, ok, err := store.Get(ctx, "examiner-1", w)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)
}

func TestStoreExpireAfterExplicitRelease(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	w := win(t, 9, 0, 30)

	first, _, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", time.Minute)
	require.NoError(t, err)
	released, err := store.Release(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)
	require.True(t, released)
	second, created, err := store.Acquire(ctx, "examiner-1", w, "claimant-a", time.Minute)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)

	lapsed, err := store.Expire(ctx, first)
	require.NoError(t, err)
	assert.False(t, lapsed)
	got, ok, err := store.Get(ctx, "examiner-1", w)
	require.NoError(t, err)
	require.True(t, ok, "same-subject replacement must survive")
	assert.Equal(t, second.ID, got.ID)
}

func TestManagerStaleTimerOnOtherInstanceLeavesNewHold(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := newStore(t)
	pubA, pubB := &recordingPublisher{}, &recordingPublisher{}
	a := NewManager(ctx, store, pubA, discardLogger(), ManagerConfig{TTL: 150 * time.Millisecond, Tick: 5 * time.Millisecond})
	b := NewManager(ctx, store, pubB, discardLogger(), ManagerConfig{TTL: 5 * time.Second, Tick: 5 * time.Millisecond})
	defer a.Shutdown()
	defer b.Shutdown()
	w := win(t, 11, 0, 30)

	_, err := a.Acquire(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, "examiner-1", w, "claimant-a"))
	renewed, err := b.Acquire(ctx, "examiner-1", w, "claimant-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.activeTimers() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, ok, err := store.Get(ctx, "examiner-1", w)
	require.NoError(t, err)
	require.True(t, ok, "the renewed hold must still be live")
	assert.Equal(t, renewed.ID, got.ID)
	assert.Equal(t, 0, pubA.count(), "released hold must not be reported as expired")
	assert.Equal(t, 0, pubB.count())
}
