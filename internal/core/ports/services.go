package ports

import (
	"time"

	"chatcall/internal/core/domain"
)

// CallView is everything a call screen needs to draw one call.
type CallView struct {
	CallID       domain.CallID
	Type         domain.CallType
	State        domain.CallState
	Incoming     bool
	Contact      domain.Contact
	LocalStream  LocalStream
	RemoteStream RemoteStream
	Elapsed      time.Duration
	MicEnabled   bool
	VideoEnabled bool
	// Reason explains how a terminal state was reached, if known.
	Reason string
}

// CallScreen is the presentation sink of a call controller. Methods are called
// with the call's state locked and must not call back into the controller
// synchronously.
type CallScreen interface {
	ShowIncoming(view CallView)
	Render(view CallView)
	Failed(callID domain.CallID, err error)
}

// CallMetrics receives call lifecycle measurements.
type CallMetrics interface {
	CallPlaced(callType domain.CallType)
	CallConnected(callType domain.CallType, setup time.Duration)
	// CallFinished is reported once per call attempt. duration is the connected
	// time and is only meaningful when wasConnected is set.
	CallFinished(state domain.CallState, wasConnected bool, duration time.Duration)
	SignalingError(op string)
}
