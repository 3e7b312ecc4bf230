// Package timer implements the one-callback-per-(session,kind) scheduler
// the engine uses for checkpoint, report, cancel-ack, ping, and stagnation
// timers. At most one live timer exists for a given Key at any time:
// arming a key that already has a live timer cancels the old one first, so
// callers never need to cancel-then-arm themselves.
package timer

import (
	"sync"
	"time"

	"github.com/deepspace-dtn/ltp"
)

// Kind names the purpose of a scheduled timer.
type Kind uint8

const (
	KindCheckpoint Kind = iota
	KindReport
	KindCancelAck
	KindPing
	KindStagnation
)

func (k Kind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindReport:
		return "report"
	case KindCancelAck:
		return "cancel-ack"
	case KindPing:
		return "ping"
	case KindStagnation:
		return "stagnation"
	default:
		return "unknown"
	}
}

// Key addresses exactly one scheduled timer. Serial disambiguates multiple
// in-flight checkpoints/reports of the same Kind within one session (the
// engine always arms with the serial of the checkpoint/report the timer
// watches, so stale fires can be told apart after a reschedule).
type Key struct {
	Session ltp.SessionID
	Kind    Kind
	Serial  uint64
}

// Canceler stops a scheduled callback. Stop returns false if the callback
// already fired or was already stopped.
type Canceler interface {
	Stop() bool
}

// Clock abstracts time.AfterFunc so tests can drive timers deterministically
// instead of sleeping through real light-time delays.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Canceler
}

// RealClock is the production Clock, backed by the runtime timer wheel.
type RealClock struct{}

type realCanceler struct{ t *time.Timer }

func (c realCanceler) Stop() bool { return c.t.Stop() }

// AfterFunc implements Clock.
func (RealClock) AfterFunc(d time.Duration, f func()) Canceler {
	return realCanceler{time.AfterFunc(d, f)}
}

// Manager schedules and cancels the engine's per-session timers. It is safe
// for concurrent use; the fire callback itself is invoked on whatever
// goroutine the Clock implementation uses (for RealClock, a runtime timer
// goroutine) — callers must post it onto the engine executor rather than
// touching session state directly from it.
type Manager struct {
	mu    sync.Mutex
	clock Clock
	live  map[Key]Canceler
}

// NewManager returns a Manager driven by clock.
func NewManager(clock Clock) *Manager {
	return &Manager{clock: clock, live: make(map[Key]Canceler)}
}

// Arm schedules fire to run after d, first cancelling any timer already
// live for key. This is the only way to (re)schedule a key, which gives the
// "at most one live token per key" invariant for free.
func (m *Manager) Arm(key Key, d time.Duration, fire func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.live[key]; ok {
		old.Stop()
	}
	var self Canceler
	self = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		if cur, ok := m.live[key]; ok && cur == self {
			delete(m.live, key)
		}
		m.mu.Unlock()
		fire()
	})
	m.live[key] = self
}

// Cancel stops the timer for key, if any. It reports whether a live timer
// was found and stopped.
func (m *Manager) Cancel(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.live[key]
	if !ok {
		return false
	}
	c.Stop()
	delete(m.live, key)
	return true
}

// CancelSession cancels every timer belonging to session, regardless of
// kind or serial. Used when a session is destroyed.
func (m *Manager) CancelSession(session ltp.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.live {
		if k.Session == session {
			c.Stop()
			delete(m.live, k)
		}
	}
}

// Live reports whether key currently has a scheduled timer.
func (m *Manager) Live(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[key]
	return ok
}

// Reset cancels every outstanding timer across all sessions. Used by the
// engine's test-only blocking reset.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.live {
		c.Stop()
		delete(m.live, k)
	}
}

// Count returns the number of currently live timers, for tests/metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
