// Package alarm provides the single-slot alarm primitive used for async-op
// deadlines. Exactly one alarm may be armed at a time; the engine keeps it
// pointed at the earliest outstanding deadline and rearms it after each
// sweep.
package alarm

import (
	"sync"
	"time"
)

// Scheduler is the single-slot alarm.
type Scheduler interface {
	// Get returns the armed deadline; ok is false when no alarm is set.
	Get() (deadline time.Time, ok bool)
	// Set arms the alarm to fire at t, replacing any armed deadline.
	Set(t time.Time)
	// Clear disarms the alarm.
	Clear()
}

// ArmEarliest sets the alarm to t unless an earlier deadline is already
// armed. Reports whether the alarm was (re)armed.
func ArmEarliest(s Scheduler, t time.Time) bool {
	if current, ok := s.Get(); ok && !current.After(t) {
		return false
	}
	s.Set(t)
	return true
}

// Timer is a Scheduler backed by the runtime clock. When the armed deadline
// elapses the slot is cleared and the fire callback runs on a timer
// goroutine; callers route it through their actor inbox to preserve
// single-writer ordering.
type Timer struct {
	mu       sync.Mutex
	deadline time.Time
	armed    bool
	timer    *time.Timer
	fire     func()
	now      func() time.Time
}

// NewTimer constructs a timer-backed scheduler invoking fire on expiry.
func NewTimer(fire func()) *Timer {
	return &Timer{fire: fire, now: time.Now}
}

// Get returns the armed deadline.
func (t *Timer) Get() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, t.armed
}

// Set arms the alarm to fire at the given deadline.
func (t *Timer) Set(deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.deadline = deadline
	t.armed = true
	d := deadline.Sub(t.now())
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.armed = false
		t.timer = nil
		t.mu.Unlock()
		t.fire()
	})
}

// Clear disarms the alarm.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed = false
}

// Manual is a Scheduler driven explicitly by tests. Fire clears the slot and
// invokes the callback when armed.
type Manual struct {
	mu       sync.Mutex
	deadline time.Time
	armed    bool
	fire     func()
}

// NewManual constructs a manual scheduler invoking fire from Fire.
func NewManual(fire func()) *Manual {
	return &Manual{fire: fire}
}

// Get returns the armed deadline.
func (m *Manual) Get() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline, m.armed
}

// Set arms the alarm.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	m.armed = true
}

// Clear disarms the alarm.
func (m *Manual) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

// Fire simulates expiry: it clears the slot and invokes the callback. It is
// a no-op when nothing is armed.
func (m *Manual) Fire() {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return
	}
	m.armed = false
	fire := m.fire
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
}
