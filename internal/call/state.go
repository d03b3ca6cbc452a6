package call

import (
	"time"

	"github.com/peerline/peerline/internal/media"
	"github.com/peerline/peerline/internal/signal"
)

// State is the visible lifecycle state of the call session. Terminal states
// (Rejected, Ended, Failed) are shown for a short grace period before the
// manager resets to Idle; device resources are released the moment a
// terminal state is entered, not when the grace period elapses.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnected
	StateRejected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s only transitions back to Idle.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateEnded || s == StateFailed
}

// Active reports whether a call attempt is in flight or established.
func (s State) Active() bool {
	return s == StateCalling || s == StateRinging || s == StateConnected
}

// Session is an immutable snapshot of the call session, safe to hand to a
// presentation layer. Stream fields are borrowed handles; the manager owns
// their lifecycle.
type Session struct {
	CallID   string
	State    State
	Type     signal.CallType
	Remote   signal.Participant
	IsCaller bool

	LocalStream  *media.Stream
	RemoteStream *media.Stream

	MicEnabled    bool
	CameraEnabled bool

	StartedAt time.Time
	Duration  time.Duration

	// EndReason is set from call:ended (remote hangup, disconnect, media
	// failure on the other side).
	EndReason string
	// FailureMessage is the user-facing text for a local Failed state.
	FailureMessage string
}
