// Package testing provides shared test utilities for lockerfleet.
package testing

import (
	"context"
	"sync"
	"time"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// TerminalInstruction is a captured terminal mode instruction.
type TerminalInstruction struct {
	StationCallsign string
	Mode            models.TerminalState
	At              time.Time
}

// LockerInstruction is a captured locker lock-state instruction.
type LockerInstruction struct {
	LockerCallsign string
	Desired        models.LockerState
	At             time.Time
}

// MockInstructor records hardware instructions instead of publishing them.
type MockInstructor struct {
	mu        sync.Mutex
	Terminals []TerminalInstruction
	Lockers   []LockerInstruction
	Err       error
}

// NewMockInstructor creates a new mock instruction sink.
func NewMockInstructor() *MockInstructor {
	return &MockInstructor{}
}

// InstructTerminal records a terminal mode instruction.
func (m *MockInstructor) InstructTerminal(ctx context.Context, stationCallsign string, mode models.TerminalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Terminals = append(m.Terminals, TerminalInstruction{
		StationCallsign: stationCallsign,
		Mode:            mode,
		At:              time.Now(),
	})
	return nil
}

// InstructLocker records a locker lock-state instruction.
func (m *MockInstructor) InstructLocker(ctx context.Context, lockerCallsign string, desired models.LockerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Lockers = append(m.Lockers, LockerInstruction{
		LockerCallsign: lockerCallsign,
		Desired:        desired,
		At:             time.Now(),
	})
	return nil
}

// TerminalInstructions returns the captured terminal instructions.
func (m *MockInstructor) TerminalInstructions() []TerminalInstruction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TerminalInstruction, len(m.Terminals))
	copy(out, m.Terminals)
	return out
}

// LockerInstructions returns the captured locker instructions.
func (m *MockInstructor) LockerInstructions() []LockerInstruction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LockerInstruction, len(m.Lockers))
	copy(out, m.Lockers)
	return out
}

// Notification is a captured session push notification.
type Notification struct {
	SessionID string
	State     models.SessionState
	At        time.Time
}

// MockNotifier records session notifications instead of publishing them.
type MockNotifier struct {
	mu            sync.Mutex
	Notifications []Notification
	Err           error
}

// NewMockNotifier creates a new mock notification sink.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// NotifySession records a session state notification.
func (m *MockNotifier) NotifySession(ctx context.Context, sessionID string, state models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Notifications = append(m.Notifications, Notification{
		SessionID: sessionID,
		State:     state,
		At:        time.Now(),
	})
	return nil
}

// SessionNotifications returns the captured notifications.
func (m *MockNotifier) SessionNotifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.Notifications))
	copy(out, m.Notifications)
	return out
}

// LastNotifiedState returns the most recent state notified for a session.
func (m *MockNotifier) LastNotifiedState(sessionID string) (models.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Notifications) - 1; i >= 0; i-- {
		if m.Notifications[i].SessionID == sessionID {
			return m.Notifications[i].State, true
		}
	}
	return "", false
}

// Clock is a manually advanced clock for deterministic time in tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given time.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an absolute time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
