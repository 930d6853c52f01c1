package taskerr

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the ledger and the processing loops. Callers match
// with errors.Is and never pattern-match on driver types.
var (
	// ErrInitialization is fatal: the ledger could not bind to its collection
	// or build its indexes. The host must terminate.
	ErrInitialization = errors.New("ledger initialization failed")

	// ErrDatabaseOperation wraps driver-level connection and timeout errors.
	ErrDatabaseOperation = errors.New("database operation failed")

	// ErrDatabaseUnavailable is returned by liveness probes when the server
	// is unreachable.
	ErrDatabaseUnavailable = errors.New("database unavailable")

	// ErrDuplicateKey signals an upsert race on taskId. Callers treat it as
	// success-equivalent.
	ErrDuplicateKey = errors.New("duplicate task id")

	// ErrTerminal marks a handler failure as unrecoverable. Tasks failing
	// with it skip the retry budget and go straight to Failed.
	ErrTerminal = errors.New("terminal failure")
)

// Initialization wraps err as a fatal startup error.
func Initialization(err error) error {
	return fmt.Errorf("%w: %w", ErrInitialization, err)
}

// Operation wraps a driver error as a database operation error.
func Operation(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDatabaseOperation, op, err)
}

// Terminal wraps err so the failure classifier routes it straight to Failed.
func Terminal(err error) error {
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// IsTerminal reports whether err carries an unrecoverable handler condition.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// IsTransient reports whether err counts toward the retry budget rather than
// terminating the task immediately.
func IsTransient(err error) bool {
	return !IsTerminal(err)
}
