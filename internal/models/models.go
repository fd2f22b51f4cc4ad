// Package models provides data structures and constants for lockerfleet.
//
// This package contains the core domain models used throughout lockerfleet:
//   - Session: one complete locker usage cycle, from creation to payment
//   - Task: a queued expectation of a future confirmation or report
//   - Station: a physical locker station with a payment/verification terminal
//   - Locker: a single compartment at a station
//
// All models are designed for database persistence and JSON serialization.
package models

import "time"

// SessionState represents the current state of a session in its lifecycle.
//
// The happy path is linear:
//
//	CREATED → PAYMENT_SELECTED → VERIFICATION_QUEUED → VERIFICATION_PENDING →
//	STASHING → ACTIVE → (HOLD ⇄ ACTIVE)* → PAYMENT_QUEUED → PAYMENT_PENDING →
//	RETRIEVAL → COMPLETED
//
// Side branches: CANCELED (explicit user cancel before stashing), EXPIRED
// (a pending wait timed out with no retries left), STALE (the locker was left
// in the wrong physical state), ABORTED (hard terminal failure) and ABANDONED
// (an active session nobody resumed).
type SessionState string

const (
	// SessionCreated is the initial state: locker assigned, awaiting payment selection.
	SessionCreated SessionState = "CREATED"
	// SessionPaymentSelected indicates a payment method was chosen.
	SessionPaymentSelected SessionState = "PAYMENT_SELECTED"
	// SessionVerificationQueued indicates the terminal verification is waiting in the station queue.
	SessionVerificationQueued SessionState = "VERIFICATION_QUEUED"
	// SessionVerificationPending indicates the terminal is awaiting user verification.
	SessionVerificationPending SessionState = "VERIFICATION_PENDING"
	// SessionStashing indicates the locker is open for the user to stow items.
	SessionStashing SessionState = "STASHING"
	// SessionActive indicates the locker is closed and the session timer runs.
	SessionActive SessionState = "ACTIVE"
	// SessionHold indicates the locker was reopened mid-session (digital payment only).
	SessionHold SessionState = "HOLD"
	// SessionPaymentQueued indicates the terminal payment is waiting in the station queue.
	SessionPaymentQueued SessionState = "PAYMENT_QUEUED"
	// SessionPaymentPending indicates payment is pending at the terminal.
	SessionPaymentPending SessionState = "PAYMENT_PENDING"
	// SessionRetrieval indicates the locker is open a final time for retrieval.
	SessionRetrieval SessionState = "RETRIEVAL"
	// SessionCompleted indicates the session finished successfully.
	SessionCompleted SessionState = "COMPLETED"
	// SessionCanceled indicates the user canceled before stashing.
	SessionCanceled SessionState = "CANCELED"
	// SessionExpired indicates a time-boxed wait ran out with no retries left.
	SessionExpired SessionState = "EXPIRED"
	// SessionStale indicates the locker was left in the wrong physical state past timeout.
	SessionStale SessionState = "STALE"
	// SessionAborted indicates a hard failure reported by the terminal.
	SessionAborted SessionState = "ABORTED"
	// SessionAbandoned indicates an active session timed out with nobody resuming.
	SessionAbandoned SessionState = "ABANDONED"
)

// sessionStateFlow maps each non-terminal state to its happy-path successor.
var sessionStateFlow = map[SessionState]SessionState{
	SessionCreated:             SessionPaymentSelected,
	SessionPaymentSelected:     SessionVerificationQueued,
	SessionVerificationQueued:  SessionVerificationPending,
	SessionVerificationPending: SessionStashing,
	SessionStashing:            SessionActive,
	SessionActive:              SessionPaymentQueued,
	SessionHold:                SessionActive,
	SessionPaymentQueued:       SessionPaymentPending,
	SessionPaymentPending:      SessionRetrieval,
	SessionRetrieval:           SessionCompleted,
}

// sessionTransitions is the authoritative transition table. State mutations
// must consult it; a transition absent here is illegal.
var sessionTransitions = map[SessionState][]SessionState{
	SessionCreated: {
		SessionPaymentSelected, SessionCanceled, SessionExpired, SessionAborted,
	},
	SessionPaymentSelected: {
		SessionVerificationQueued, SessionVerificationPending,
		SessionCanceled, SessionExpired, SessionAborted,
	},
	SessionVerificationQueued: {
		SessionVerificationPending, SessionCanceled, SessionExpired, SessionAborted,
	},
	SessionVerificationPending: {
		SessionStashing, SessionPaymentSelected,
		SessionCanceled, SessionExpired, SessionAborted,
	},
	SessionStashing: {
		SessionActive, SessionStale, SessionAborted,
	},
	SessionActive: {
		SessionHold, SessionPaymentQueued, SessionPaymentPending,
		SessionAbandoned, SessionAborted,
	},
	SessionHold: {
		SessionActive, SessionPaymentQueued, SessionPaymentPending,
		SessionStale, SessionAborted,
	},
	SessionPaymentQueued: {
		SessionPaymentPending, SessionActive, SessionHold,
		SessionExpired, SessionAborted,
	},
	SessionPaymentPending: {
		SessionRetrieval, SessionActive, SessionHold,
		SessionExpired, SessionAborted,
	},
	SessionRetrieval: {
		SessionCompleted, SessionStale, SessionAbandoned, SessionAborted,
	},
}

// activeSessionStates are the states in which a session still owns its locker
// and may receive new tasks. Terminal states are everything else.
var activeSessionStates = map[SessionState]bool{
	SessionCreated:             true,
	SessionPaymentSelected:     true,
	SessionVerificationQueued:  true,
	SessionVerificationPending: true,
	SessionStashing:            true,
	SessionActive:              true,
	SessionHold:                true,
	SessionPaymentQueued:       true,
	SessionPaymentPending:      true,
	SessionRetrieval:           true,
}

// ActiveStates returns the non-terminal session states in happy-path order.
func ActiveStates() []SessionState {
	return []SessionState{
		SessionCreated,
		SessionPaymentSelected,
		SessionVerificationQueued,
		SessionVerificationPending,
		SessionStashing,
		SessionActive,
		SessionHold,
		SessionPaymentQueued,
		SessionPaymentPending,
		SessionRetrieval,
	}
}

// IsActive reports whether the state still permits new tasks and transitions.
func (s SessionState) IsActive() bool {
	return activeSessionStates[s]
}

// IsTerminal reports whether the state is final for the session.
func (s SessionState) IsTerminal() bool {
	return s != "" && !activeSessionStates[s]
}

// NextState returns the happy-path successor of the state, or empty when the
// state has none (terminal states).
func (s SessionState) NextState() SessionState {
	return sessionStateFlow[s]
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentMethod is how the user settles a session.
type PaymentMethod string

const (
	// PaymentTerminal settles at the station terminal.
	PaymentTerminal PaymentMethod = "TERMINAL"
	// PaymentApp settles digitally through the app; enables HOLD.
	PaymentApp PaymentMethod = "APP"
)

// Session represents one complete locker usage cycle at a station.
//
// Session holds references to its station, locker and user by id only; those
// records outlive the session. PaymentMethod is immutable once a verification
// or payment flow has started.
type Session struct {
	ID             string
	UserID         string
	StationID      string
	LockerID       string
	State          SessionState
	PaymentMethod  *PaymentMethod
	WebsocketToken string
	TimeoutCount   int
	CreatedAt      time.Time
	ConcludedAt    time.Time
	ActiveDuration time.Duration
	TotalDuration  time.Duration
}

// StationState represents the operational state of a station.
type StationState string

const (
	StationAvailable    StationState = "AVAILABLE"
	StationMaintenance  StationState = "MAINTENANCE"
	StationOutOfService StationState = "OUT_OF_SERVICE"
)

// TerminalState represents the mode of a station's payment/verification
// terminal. A non-idle terminal implies exactly one PENDING terminal task.
type TerminalState string

const (
	TerminalIdle         TerminalState = "IDLE"
	TerminalVerification TerminalState = "VERIFICATION"
	TerminalPayment      TerminalState = "PAYMENT"
	TerminalOutOfService TerminalState = "OUT_OF_SERVICE"
)

// Station represents a physical locker station and its terminal.
//
// Callsign is the stable hardware identifier used on the MQTT topics.
type Station struct {
	ID                   string
	Callsign             string
	Name                 string
	State                StationState
	TerminalState        TerminalState
	TotalSessionCount    int
	TotalSessionDuration time.Duration
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// LockerState is the last hardware-confirmed lock state of a locker, not a
// desired state. Only a report event may change it.
type LockerState string

const (
	LockerLocked   LockerState = "LOCKED"
	LockerUnlocked LockerState = "UNLOCKED"
)

// Locker represents a single compartment at a station.
//
// Lockers hold no session pointer; occupancy is tracked through sessions to
// avoid a back-reference cycle.
type Locker struct {
	ID                   string
	StationID            string
	Callsign             string
	StationIndex         int
	LockerType           string
	ReportedState        LockerState
	TotalSessionCount    int
	TotalSessionDuration time.Duration
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TaskType distinguishes bookkeeping from awaited proof.
//
// REPORT means the action already happened and the system is catching up;
// its session advance occurs at activation. CONFIRMATION means the system is
// waiting for proof that an instructed action occurred.
type TaskType string

const (
	TaskReport       TaskType = "REPORT"
	TaskConfirmation TaskType = "CONFIRMATION"
)

// TaskTarget is the entity a task awaits a response from.
type TaskTarget string

const (
	TargetUser     TaskTarget = "USER"
	TargetTerminal TaskTarget = "TERMINAL"
	TargetLocker   TaskTarget = "LOCKER"
)

// TaskState represents the current state of a task.
//
// Task state transitions:
//
//	QUEUED → PENDING → (COMPLETED|EXPIRED|CANCELED)
//
// QUEUED tasks may also be canceled before activation.
type TaskState string

const (
	TaskQueued    TaskState = "QUEUED"
	TaskPending   TaskState = "PENDING"
	TaskCompleted TaskState = "COMPLETED"
	TaskExpired   TaskState = "EXPIRED"
	TaskCanceled  TaskState = "CANCELED"
)

// Task represents one outstanding expectation tied to a session and station.
//
// Fields:
//   - QueuedState: session state to move to on activation (nil for tasks
//     that do not advance the session)
//   - TimeoutStates: ordered retry ladder; each expiration consumes the head
//     and a successor task carries the tail
//   - ExpiresAt: set only at activation, never before
type Task struct {
	ID               string
	TaskType         TaskType
	Target           TaskTarget
	State            TaskState
	SessionID        string
	StationID        string
	LockerID         *string
	QueuedState      *SessionState
	TimeoutStates    []SessionState
	ExpirationWindow time.Duration
	CreatedAt        time.Time
	ActivatedAt      time.Time
	ExpiresAt        time.Time
	CompletedAt      time.Time
}

// Snapshot records a session state at a point in time. Snapshots form the
// session history and drive active-duration accounting.
type Snapshot struct {
	ID        int64
	SessionID string
	State     SessionState
	Timestamp time.Time
}
