package model

import "errors"

// Store errors shared by every repository implementation.
var (
	ErrExamNotFound    = errors.New("exam not found")
	ErrSessionNotFound = errors.New("exam session not found")
	// ErrSessionExists is returned by insert-only session writes when the pair
	// already has an in-flight session.
	ErrSessionExists  = errors.New("exam session already exists")
	ErrResultNotFound = errors.New("exam result not found")
	// ErrResultExists is returned when a result for the (user, exam) pair is
	// already stored. Saving a session snapshot for a finalized pair also
	// reports it.
	ErrResultExists = errors.New("exam result already exists")
	ErrUserNotFound = errors.New("user not found")
)
