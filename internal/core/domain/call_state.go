package domain

// CallState is the local, per-endpoint view of a call attempt.
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
	CallStateRejected  CallState = "rejected"
	CallStateMissed    CallState = "missed"
)

var stateTransitions = map[CallState][]CallState{
	CallStateIdle:      {CallStateRinging, CallStateEnded},
	CallStateRinging:   {CallStateConnected, CallStateEnded, CallStateRejected, CallStateMissed},
	CallStateConnected: {CallStateEnded},
}

func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateRejected || s == CallStateMissed
}

func CanEnterState(from, to CallState) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateForStatus maps a stored terminal status onto the local state that mirrors it.
func StateForStatus(s CallStatus) CallState {
	switch s {
	case CallStatusRinging:
		return CallStateRinging
	case CallStatusConnected:
		return CallStateConnected
	case CallStatusRejected:
		return CallStateRejected
	case CallStatusMissed:
		return CallStateMissed
	default:
		return CallStateEnded
	}
}
