package job

import (
	"context"
	"errors"
)

// ErrCancelled is returned by executors that observed a cancellation request
// and stopped. The scheduler releases the lease and leaves the persisted
// CANCELLED status untouched.
var ErrCancelled = errors.New("job: cancelled")

// Executor runs the body of one job type.
//
// The contract: cancelled is a cheap predicate the executor must poll at
// bounded intervals (at minimum before starting and between major sub-steps)
// and, when it reports true, abort promptly by returning ErrCancelled.
// Executors must be safe to re-invoke from scratch on retry — partial side
// effects have to be idempotent or upsert-style.
type Executor interface {
	Execute(ctx context.Context, j *Job, cancelled func() bool) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j *Job, cancelled func() bool) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, j *Job, cancelled func() bool) (map[string]any, error) {
	return f(ctx, j, cancelled)
}

// ExecutorRegistry maps job types to their executors. Implemented by the
// pipeline module and resolved by the scheduler through the service registry.
type ExecutorRegistry interface {
	// Executor returns the executor for the given job type, or false when
	// no handler is registered.
	Executor(t Type) (Executor, bool)
}
