package interfaces

import (
	"context"

	"taskledger/internal/model"
)

// TaskHandler is the user-supplied business logic invoked once per task
// execution attempt. Returning nil marks the attempt successful. Wrap errors
// with taskerr.Terminal to bypass the retry budget.
type TaskHandler func(ctx context.Context, task *model.Task) error
