package domain

import "errors"

// Ledger errors. Callers match them with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrInvariantViolation     = errors.New("invariant violation")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrLockTimeout            = errors.New("lock timeout")
	ErrExternalService        = errors.New("external service error")
	ErrNotFound               = errors.New("document not found")

	// ErrDuplicateEvent never reaches producers; the gateway turns it into a
	// successful no-op.
	ErrDuplicateEvent = errors.New("duplicate event")
)
