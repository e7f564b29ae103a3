package session

import "fmt"

// State represents the lifecycle state of a call session.
type State int

const (
	// StateIdle means no call is in progress.
	StateIdle State = iota
	// StateDialing means an outbound call has been requested but the
	// provider has not reported progress yet.
	StateDialing
	// StateRingingOut means the provider reported the remote side is ringing.
	StateRingingOut
	// StateRingingIn means an accepted inbound call is being answered.
	StateRingingIn
	// StateConnected means media is up and the duration clock is running.
	StateConnected
	// StateEnding means teardown has begun but finalization has not completed.
	StateEnding
	// StateEnded is the terminal state; a fresh session must be created
	// for the next call.
	StateEnded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDialing:
		return "Dialing"
	case StateRingingOut:
		return "RingingOut"
	case StateRingingIn:
		return "RingingIn"
	case StateConnected:
		return "Connected"
	case StateEnding:
		return "Ending"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StateIdle:       {StateDialing, StateRingingIn},
	StateDialing:    {StateRingingOut, StateConnected, StateEnding},
	StateRingingOut: {StateConnected, StateEnding},
	StateRingingIn:  {StateConnected, StateEnding},
	StateConnected:  {StateEnding},
	StateEnding:     {StateEnded},
	StateEnded:      {}, // terminal, a new session is required
}

// CanTransitionTo checks if a transition from the current state to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateEnded
}

// Active returns true while the session occupies the line: any state that
// must block a second simultaneous call.
func (s State) Active() bool {
	return s != StateIdle && s != StateEnded
}

// Direction indicates who originated the call.
type Direction int

const (
	// DirectionOutbound is a call placed from this device.
	DirectionOutbound Direction = iota
	// DirectionInbound is a call received by this device.
	DirectionInbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "Outbound"
	case DirectionInbound:
		return "Inbound"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// EndReason explains why a session ended.
type EndReason int

const (
	// EndReasonNone indicates the session has not ended.
	EndReasonNone EndReason = iota
	// EndReasonHangup means the local user ended the call.
	EndReasonHangup
	// EndReasonDisconnect means the remote party or provider ended an
	// answered call normally.
	EndReasonDisconnect
	// EndReasonCancel means the call was abandoned before answer.
	EndReasonCancel
	// EndReasonReject means the remote party declined the call.
	EndReasonReject
	// EndReasonError means a provider transport error terminated the call.
	EndReasonError
)

// String returns the string representation of the end reason.
func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "None"
	case EndReasonHangup:
		return "Hangup"
	case EndReasonDisconnect:
		return "Disconnect"
	case EndReasonCancel:
		return "Cancel"
	case EndReasonReject:
		return "Reject"
	case EndReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// providerStatus maps an end reason to the provider status vocabulary the
// call log reconciler persists.
func (r EndReason) providerStatus(answered bool) string {
	switch r {
	case EndReasonHangup, EndReasonDisconnect:
		if answered {
			return "completed"
		}
		return "canceled"
	case EndReasonCancel:
		return "canceled"
	case EndReasonReject:
		if answered {
			return "completed"
		}
		return "busy"
	case EndReasonError:
		return "failed"
	default:
		return "failed"
	}
}
