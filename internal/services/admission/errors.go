package admission

import (
	"errors"
)

const (
	ReasonRateLimit  = "rate_limit_exceeded"
	ReasonDuplicate  = "duplicate_message"
	ReasonSensitive  = "sensitive_content"
	ReasonValidation = "validation_error"
	ReasonProcessing = "processing_failure"
)

var (
	ErrSenderRateLimited = errors.New("sender rate limit exceeded")
	ErrRoomRateLimited   = errors.New("room rate limit exceeded")
	ErrDuplicateMessage  = errors.New("duplicate message")
	ErrSensitiveContent  = errors.New("sensitive content rejected")
	ErrValidation        = errors.New("invalid message")
	ErrProcessingFailure = errors.New("message processing failed")
)

// RejectError is returned by Admit for every message that must not be
// broadcast. Reason is the stable code sent back to the sender.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string { return e.Reason + ": " + e.Err.Error() }

func (e *RejectError) Unwrap() error { return e.Err }

func reject(reason string, err error) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}

// AsReject classifies any error from the admission path. Errors that are not a
// RejectError are reported as processing failures.
func AsReject(err error) *RejectError {
	var re *RejectError
	if errors.As(err, &re) {
		return re
	}
	return reject(ReasonProcessing, errors.Join(ErrProcessingFailure, err))
}
