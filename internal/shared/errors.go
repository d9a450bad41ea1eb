package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates a credential that failed verification.
	// Signature, algorithm, expiry and purpose failures all collapse into it.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStoreUnavailable indicates the ephemeral or durable backend could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvariantViolation indicates a caller broke a contract of the engine.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrInactivePrincipal indicates the principal exists but has been deactivated.
	ErrInactivePrincipal = errors.New("principal inactive")
)
