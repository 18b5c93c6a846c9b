package orchestrator

import (
	"time"

	"github.com/stocksync/stocksync/internal/merge"
)

// State is the session state machine:
//
//	Idle -> Pulling -> Idle                      (login)
//	Idle -> PushScheduled -> Pushing -> Idle | Error   (mutation, reconnect)
type State int

const (
	// StateIdle means nothing is running or scheduled.
	StateIdle State = iota
	// StatePulling means the login pull is in flight.
	StatePulling
	// StatePushScheduled means a coalesced push is waiting for its interval.
	StatePushScheduled
	// StatePushing means a push is in flight.
	StatePushing
	// StateError means the last pull or push failed terminally.
	StateError
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StatePushScheduled:
		return "push-scheduled"
	case StatePushing:
		return "pushing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the coarse sync status shown to users.
type Status int

const (
	// StatusSynced means local own records equal BASE.
	StatusSynced Status = iota
	// StatusPending means local changes are waiting to be pushed.
	StatusPending
	// StatusSyncing means a pull or push is in flight.
	StatusSyncing
	// StatusError means the last sync attempt failed.
	StatusError
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusPending:
		return "pending"
	case StatusSyncing:
		return "syncing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusInfo is a point-in-time view of the session, delivered to
// subscribers on every transition.
type StatusInfo struct {
	State        State            `json:"state"`
	Status       Status           `json:"status"`
	Identity     string           `json:"identity"`
	LastError    string           `json:"lastError,omitempty"`
	LastSyncedAt time.Time        `json:"lastSyncedAt,omitempty"`
	Token        string           `json:"token,omitempty"`
	PullPending  bool             `json:"pullPending,omitempty"`
	Dirty        bool             `json:"dirty"` // own records differ from BASE
	Conflicts    []merge.Conflict `json:"conflicts,omitempty"`
}
