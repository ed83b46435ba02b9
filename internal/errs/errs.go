package errs

import "errors"

// Domain sentinel errors, mapped to HTTP codes in handlers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrNotOwner            = errors.New("resource does not belong to caller")

	ErrValidation = errors.New("validation failed")

	// Configuration errors: rejected synchronously, never retried.
	ErrNoDeviceAssigned   = errors.New("no device of this kind is assigned to the environment")
	ErrInvalidSpeed       = errors.New("invalid speed")
	ErrInvalidKind        = errors.New("invalid device kind")
	ErrDeviceKindMismatch = errors.New("device kind does not match the slot it is assigned to")

	// State machine errors.
	ErrSessionAlreadyActive = errors.New("a session is already running for this environment and device kind")
	ErrInvalidTransition    = errors.New("invalid session status transition")
	ErrCannotResume         = errors.New("session cannot be resumed: it is not paused")
	ErrSessionNotActive     = errors.New("session is not active")
	ErrTickInProgress       = errors.New("another tick is already advancing this session")

	// External collaborators.
	ErrSchedulerUnavailable = errors.New("scheduler provider unavailable")
	ErrTelemetryRejected    = errors.New("telemetry endpoint rejected the reading")
)
