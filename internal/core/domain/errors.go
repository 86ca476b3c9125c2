package domain

import "errors"

// Media and negotiation errors.
var (
	ErrMediaAccessDenied  = errors.New("media access denied")
	ErrNoDeviceFound      = errors.New("no capture device found")
	ErrAlreadyAcquired    = errors.New("local media already acquired")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrMalformedOffer     = errors.New("malformed offer")
	ErrMalformedAnswer    = errors.New("malformed answer")
	ErrMalformedCandidate = errors.New("malformed ice candidate")
	ErrStaleSignal        = errors.New("signal for torn down call")
)

// Signaling transport errors.
var (
	ErrTransport         = errors.New("signaling transport error")
	ErrCallNotFound      = errors.New("call not found")
	ErrCallExists        = errors.New("call already exists")
	ErrStatusConflict    = errors.New("call status changed concurrently")
	ErrFieldAlreadySet   = errors.New("field already set")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrInvalidCall       = errors.New("invalid call record")
)
