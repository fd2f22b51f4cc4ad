// ABOUTME: Package testing provides shared test utilities and helper functions for lockerfleet.
//
// This package contains test helpers, factory functions for creating test data,
// and mock hardware/notification sinks that promote consistent testing patterns
// across the lockerfleet codebase.
//
// Key utilities:
//   - Model factories: NewTestStation, NewTestLocker, NewTestSession, NewTestTask
//   - Test helpers: TempFile, MkdirTempInDir, ParseTime
//   - Mocks: MockInstructor, MockNotifier, Clock
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestStationID       = "st-test-1"
	TestStationCallsign = "MUCODE"
	TestLockerID        = "lk-test-1"
	TestLockerCallsign  = "MUCODE-01"
	TestSessionID       = "se-test-1"
	TestUserID          = "user-test-1"
	TestLockerType      = "medium"
)

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// StationOpts holds optional parameters for creating test stations.
type StationOpts struct {
	ID            string
	Callsign      string
	Name          string
	State         models.StationState
	TerminalState models.TerminalState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewTestStation creates a test station with default values, applying optional overrides.
func NewTestStation(opts StationOpts) models.Station {
	if opts.ID == "" {
		opts.ID = TestStationID
	}
	if opts.Callsign == "" {
		opts.Callsign = TestStationCallsign
	}
	if opts.Name == "" {
		opts.Name = "Test Station"
	}
	if opts.State == "" {
		opts.State = models.StationAvailable
	}
	if opts.TerminalState == "" {
		opts.TerminalState = models.TerminalIdle
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}

	return models.Station{
		ID:            opts.ID,
		Callsign:      opts.Callsign,
		Name:          opts.Name,
		State:         opts.State,
		TerminalState: opts.TerminalState,
		CreatedAt:     opts.CreatedAt,
		UpdatedAt:     opts.UpdatedAt,
	}
}

// LockerOpts holds optional parameters for creating test lockers.
type LockerOpts struct {
	ID            string
	StationID     string
	Callsign      string
	StationIndex  int
	LockerType    string
	ReportedState models.LockerState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewTestLocker creates a test locker with default values, applying optional overrides.
func NewTestLocker(opts LockerOpts) models.Locker {
	if opts.ID == "" {
		opts.ID = TestLockerID
	}
	if opts.StationID == "" {
		opts.StationID = TestStationID
	}
	if opts.Callsign == "" {
		opts.Callsign = TestLockerCallsign
	}
	if opts.LockerType == "" {
		opts.LockerType = TestLockerType
	}
	if opts.ReportedState == "" {
		opts.ReportedState = models.LockerLocked
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}

	return models.Locker{
		ID:            opts.ID,
		StationID:     opts.StationID,
		Callsign:      opts.Callsign,
		StationIndex:  opts.StationIndex,
		LockerType:    opts.LockerType,
		ReportedState: opts.ReportedState,
		CreatedAt:     opts.CreatedAt,
		UpdatedAt:     opts.UpdatedAt,
	}
}

// SessionOpts holds optional parameters for creating test sessions.
type SessionOpts struct {
	ID             string
	UserID         string
	StationID      string
	LockerID       string
	State          models.SessionState
	PaymentMethod  *models.PaymentMethod
	WebsocketToken string
	TimeoutCount   int
	CreatedAt      time.Time
}

// NewTestSession creates a test session with default values, applying optional overrides.
func NewTestSession(opts SessionOpts) models.Session {
	if opts.ID == "" {
		opts.ID = TestSessionID
	}
	if opts.UserID == "" {
		opts.UserID = TestUserID
	}
	if opts.StationID == "" {
		opts.StationID = TestStationID
	}
	if opts.LockerID == "" {
		opts.LockerID = TestLockerID
	}
	if opts.State == "" {
		opts.State = models.SessionCreated
	}
	if opts.WebsocketToken == "" {
		opts.WebsocketToken = "token-" + opts.ID
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}

	return models.Session{
		ID:             opts.ID,
		UserID:         opts.UserID,
		StationID:      opts.StationID,
		LockerID:       opts.LockerID,
		State:          opts.State,
		PaymentMethod:  opts.PaymentMethod,
		WebsocketToken: opts.WebsocketToken,
		TimeoutCount:   opts.TimeoutCount,
		CreatedAt:      opts.CreatedAt,
	}
}

// TaskOpts holds optional parameters for creating test tasks.
type TaskOpts struct {
	ID               string
	TaskType         models.TaskType
	Target           models.TaskTarget
	State            models.TaskState
	SessionID        string
	StationID        string
	LockerID         *string
	QueuedState      *models.SessionState
	TimeoutStates    []models.SessionState
	ExpirationWindow time.Duration
	CreatedAt        time.Time
	ActivatedAt      time.Time
	ExpiresAt        time.Time
}

// NewTestTask creates a test task with default values, applying optional overrides.
func NewTestTask(opts TaskOpts) models.Task {
	if opts.ID == "" {
		opts.ID = "task-test-1"
	}
	if opts.TaskType == "" {
		opts.TaskType = models.TaskReport
	}
	if opts.Target == "" {
		opts.Target = models.TargetUser
	}
	if opts.State == "" {
		opts.State = models.TaskQueued
	}
	if opts.SessionID == "" {
		opts.SessionID = TestSessionID
	}
	if opts.StationID == "" {
		opts.StationID = TestStationID
	}
	if opts.ExpirationWindow == 0 {
		opts.ExpirationWindow = time.Minute
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}

	return models.Task{
		ID:               opts.ID,
		TaskType:         opts.TaskType,
		Target:           opts.Target,
		State:            opts.State,
		SessionID:        opts.SessionID,
		StationID:        opts.StationID,
		LockerID:         opts.LockerID,
		QueuedState:      opts.QueuedState,
		TimeoutStates:    opts.TimeoutStates,
		ExpirationWindow: opts.ExpirationWindow,
		CreatedAt:        opts.CreatedAt,
		ActivatedAt:      opts.ActivatedAt,
		ExpiresAt:        opts.ExpiresAt,
	}
}
