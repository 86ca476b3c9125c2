package errors

import (
	stderrors "errors"
	"net/http"

	"chatcall/internal/core/domain"
)

// Codes for call failures surfaced to clients.
const (
	ErrCodeMediaDenied     ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeNoDevice        ErrorCode = "NO_DEVICE"
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"
	ErrCodeMalformedSignal ErrorCode = "MALFORMED_SIGNAL"
)

var domainMappings = []struct {
	target  error
	code    ErrorCode
	status  int
	message string
}{
	{domain.ErrMediaAccessDenied, ErrCodeMediaDenied, http.StatusForbidden, "media access denied"},
	{domain.ErrNoDeviceFound, ErrCodeNoDevice, http.StatusUnprocessableEntity, "no capture device found"},
	{domain.ErrAlreadyAcquired, ErrCodeInvalidState, http.StatusConflict, "local media already acquired"},
	{domain.ErrInvalidState, ErrCodeInvalidState, http.StatusConflict, "call is not in a state that allows this action"},
	{domain.ErrMalformedOffer, ErrCodeMalformedSignal, http.StatusBadRequest, "malformed offer"},
	{domain.ErrMalformedAnswer, ErrCodeMalformedSignal, http.StatusBadRequest, "malformed answer"},
	{domain.ErrMalformedCandidate, ErrCodeMalformedSignal, http.StatusBadRequest, "malformed ice candidate"},
	{domain.ErrInvalidCall, ErrCodeInvalidInput, http.StatusBadRequest, "invalid call"},
	{domain.ErrCallNotFound, ErrCodeNotFound, http.StatusNotFound, "call not found"},
	{domain.ErrCallExists, ErrCodeConflict, http.StatusConflict, "call already exists"},
	{domain.ErrStatusConflict, ErrCodeConflict, http.StatusConflict, "call changed concurrently"},
	{domain.ErrFieldAlreadySet, ErrCodeConflict, http.StatusConflict, "call field already set"},
	{domain.ErrInvalidTransition, ErrCodeConflict, http.StatusConflict, "invalid call status transition"},
	{domain.ErrTransport, ErrCodeServiceUnavailable, http.StatusServiceUnavailable, "signaling unavailable"},
}

// FromDomain maps a call error to an AppError. AppErrors pass through and
// unknown errors become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMappings {
		if stderrors.Is(err, m.target) {
			return WrapError(err, m.code, m.message, m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
