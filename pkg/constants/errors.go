package constants

import "errors"

// Errors
var (
	// ErrConfiguration is returned at construction for unrecognised or incomplete configuration.
	ErrConfiguration = errors.New("unrecognised configuration")
	// ErrEngineNotReady is returned when no backend can be resolved for an operation.
	ErrEngineNotReady = errors.New("engine not configured")
	// ErrUnsupportedOperation is returned when the resolved backend lacks the capability.
	ErrUnsupportedOperation = errors.New("method not configured")
	// ErrValidation is returned for malformed input before any backend is contacted.
	ErrValidation = errors.New("invalid input")
	// ErrConcurrencyConflict marks a rejected write because of a revision mismatch.
	ErrConcurrencyConflict = errors.New("document update conflict")
	// ErrNotFound is never returned by Get; it is normalised to a nil document.
	ErrNotFound = errors.New("not found")

	ErrClosed      = errors.New("connection closed")
	ErrFeedStopped = errors.New("feed stopped")
	ErrInvalidSeq  = errors.New("invalid sequence")
)
