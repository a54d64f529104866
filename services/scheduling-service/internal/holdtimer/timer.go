// Package holdtimer drives the countdown of a single reservation hold and fires its
// release exactly once when the hold runs out.
package holdtimer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StateActive   State = "ACTIVE"
	StateWarning  State = "WARNING"
	StateCritical State = "CRITICAL"
	StateExpired  State = "EXPIRED"
)

type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 2 * time.Minute, Critical: time.Minute}
}

// StateAt maps the remaining time of a hold to its state.
func StateAt(remaining time.Duration, th Thresholds) State {
	switch {
	case remaining <= 0:
		return StateExpired
	case remaining <= th.Critical:
		return StateCritical
	case remaining <= th.Warning:
		return StateWarning
	default:
		return StateActive
	}
}

type Config struct {
	ExpiresAt  time.Time
	Thresholds Thresholds
	// Tick is the evaluation interval. Defaults to one second.
	Tick time.Duration
	// Release frees the underlying hold. Called once, before OnExpired.
	Release func(ctx context.Context) error
	// OnExpired runs after Release, whether or not Release failed.
	OnExpired     func(ctx context.Context)
	OnStateChange func(State)
	Logger        *slog.Logger
	Now           func() time.Time
}

type Timer struct {
	cfg Config

	mu    sync.Mutex
	state State

	stop       chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
	expireOnce sync.Once
}

// Start evaluates the hold immediately and then on every tick until it expires, Cancel
// is called, or ctx is done.
func Start(ctx context.Context, cfg Config) *Timer {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Timer{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *Timer) run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Tick)
	defer func() {
		ticker.Stop()
		close(t.done)
	}()

	if t.evaluate(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if t.evaluate(ctx) {
				return
			}
		}
	}
}

// evaluate reports whether the timer has finished.
func (t *Timer) evaluate(ctx context.Context) bool {
	select {
	case <-t.stop:
		return true
	default:
	}

	next := StateAt(t.cfg.ExpiresAt.Sub(t.cfg.Now()), t.cfg.Thresholds)
	t.mu.Lock()
	changed := next != t.state
	t.state = next
	t.mu.Unlock()

	if changed && t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(next)
	}
	if next != StateExpired {
		return false
	}
	t.expireOnce.Do(func() { t.expire(ctx) })
	return true
}

func (t *Timer) expire(ctx context.Context) {
	if t.cfg.Release != nil {
		if err := t.cfg.Release(ctx); err != nil {
			t.cfg.Logger.Warn("hold release on expiry failed", "err", err)
		}
	}
	if t.cfg.OnExpired != nil {
		t.cfg.OnExpired(ctx)
	}
}

// Cancel stops the timer and waits for its goroutine to exit. No release or
// continuation runs after Cancel returns. Safe to call more than once, but not from
// inside the timer's own callbacks.
func (t *Timer) Cancel() {
	t.cancelOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Done is closed once the timer has torn down.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

// State is the last evaluated state. Empty until the first evaluation.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Timer) Remaining() time.Duration {
	if d := t.cfg.ExpiresAt.Sub(t.cfg.Now()); d > 0 {
		return d
	}
	return 0
}

func (t *Timer) ExpiresAt() time.Time {
	return t.cfg.ExpiresAt
}
