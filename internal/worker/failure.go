package worker

import (
	"context"
	"errors"

	"taskledger/pkg/taskerr"
)

// FailureClass partitions handler failures for the retry decision.
type FailureClass int

const (
	// FailureTransient failures count toward the retry budget: database
	// unavailability, lost bus locks, timeouts within the processing budget.
	FailureTransient FailureClass = iota

	// FailureTerminal failures are unrecoverable domain conditions; the task
	// goes straight to Failed.
	FailureTerminal
)

// Classify decides how a handler failure is treated. Anything not explicitly
// marked terminal is assumed retryable.
func Classify(err error) FailureClass {
	if taskerr.IsTerminal(err) {
		return FailureTerminal
	}
	return FailureTransient
}

// isShutdown distinguishes process shutdown from a per-task deadline: both
// surface as context errors on the handler, but only the per-task deadline
// counts as a task failure.
func isShutdown(loopCtx context.Context, err error) bool {
	return loopCtx.Err() != nil && errors.Is(err, context.Canceled)
}
