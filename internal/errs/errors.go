package errs

import "errors"

// Common sentinel errors for cross-layer signaling.
var (
	ErrNotFound     = errors.New("not_found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalid      = errors.New("invalid")
	// ErrConflict indicates an optimistic concurrency failure: the stored
	// record version does not match the version the caller expected.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyExists indicates a unique constraint violation (e.g. username taken).
	ErrAlreadyExists = errors.New("already_exists")
	// ErrDuplicateOp indicates an operation id whose outcome is already
	// recorded in the idempotency ledger; the caller must answer from the
	// stored outcome instead of applying again.
	ErrDuplicateOp = errors.New("duplicate_op")
)
