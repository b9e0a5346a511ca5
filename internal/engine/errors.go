package engine

import (
	"errors"
	"fmt"
)

// DenyReason explains why an attempt was not admitted.
type DenyReason string

const (
	DenyPortalLocked     DenyReason = "PORTAL_LOCKED"
	DenyAlreadySubmitted DenyReason = "ALREADY_SUBMITTED"
	DenyExamUnavailable  DenyReason = "EXAM_UNAVAILABLE"
)

// AdmissionError is returned when Open or Create is refused by the guard.
type AdmissionError struct {
	Reason DenyReason
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Is matches any AdmissionError carrying the same reason.
func (e *AdmissionError) Is(target error) bool {
	var other *AdmissionError
	if errors.As(target, &other) {
		return other.Reason == e.Reason
	}
	return false
}

var (
	ErrPortalLocked     = &AdmissionError{Reason: DenyPortalLocked}
	ErrAlreadySubmitted = &AdmissionError{Reason: DenyAlreadySubmitted}
	ErrExamUnavailable  = &AdmissionError{Reason: DenyExamUnavailable}
)

// Validation errors. The call is rejected and the session is left untouched.
var (
	ErrInvalidQuestion = errors.New("question does not belong to this exam")
	ErrInvalidOption   = errors.New("option index out of range")
	ErrInvalidIndex    = errors.New("question index out of range")
	ErrNotActive       = errors.New("session is not active")
	ErrSessionExists   = errors.New("session already exists")
	ErrNoSession       = errors.New("no session to resume")
)

// ErrPersistence wraps store failures. The session keeps running.
var ErrPersistence = errors.New("session store unavailable")

// Fatal errors: the attempt cannot safely continue and needs an operator.
var (
	ErrCorruptSession    = errors.New("persisted session is inconsistent with its exam")
	ErrInvalidDefinition = errors.New("exam definition is invalid")
)

// ErrClosed is returned once the engine has shut down.
var ErrClosed = errors.New("session engine is shut down")

// errEvicted is reported by an actor that was unloaded from memory without
// completing; the caller reloads it from the store.
var errEvicted = errors.New("session actor evicted")
