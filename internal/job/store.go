package job

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the job ID does not exist.
	ErrNotFound = errors.New("job: not found")

	// ErrTerminal indicates a mutation was attempted on a job already in a
	// terminal state (completed, failed, or cancelled).
	ErrTerminal = errors.New("job: already in terminal state")

	// ErrNotRunning indicates a lease operation on a job that is not RUNNING.
	ErrNotRunning = errors.New("job: not running")

	// ErrNotCancellable indicates a cancellation request on a job that is
	// neither PENDING nor RUNNING.
	ErrNotCancellable = errors.New("job: not cancellable")

	// ErrRetriesExhausted indicates a retry transition was attempted with no
	// retry budget left.
	ErrRetriesExhausted = errors.New("job: retries exhausted")
)

// CreateParams are the caller-supplied fields of a new job.
type CreateParams struct {
	Type        Type
	Input       map[string]any
	Priority    int
	MaxRetries  int
	ScheduledAt *time.Time
}

// StatusChange carries the optional fields of a SetStatus transition.
type StatusChange struct {
	// Error is recorded as the job's error message (failed/retrying).
	Error string

	// Output is the job result (completed only).
	Output map[string]any

	// ScheduledAt delays the next claim when re-enqueueing to PENDING.
	ScheduledAt *time.Time
}

// Store is the durable record of jobs and the only component that mutates
// job rows. Every method is atomic with respect to concurrent callers, so
// multiple scheduler processes can share one store coordinated only through
// ClaimNext.
type Store interface {
	// Create inserts a new PENDING job and returns it.
	Create(ctx context.Context, p CreateParams) (*Job, error)

	// Get returns the job by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// ClaimNext atomically claims the highest-priority, oldest eligible
	// PENDING job whose ScheduledAt (if set) has passed, transitioning it to
	// RUNNING with a provisional lease deadline, so a claimer that dies
	// before AcquireLease still surfaces in FindZombies. At most one
	// concurrent caller obtains any given job. Returns (nil, nil) when no
	// eligible job exists.
	ClaimNext(ctx context.Context) (*Job, error)

	// AcquireLease binds the claimed job to workerID, stamps HeartbeatAt,
	// sets LeaseExpiresAt = now + leaseDuration, sets StartedAt if unset,
	// and clears the error message of a retry restart.
	AcquireLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) (*Job, error)

	// UpdateHeartbeat refreshes HeartbeatAt and extends LeaseExpiresAt to
	// now + leaseDuration. Returns ErrNotRunning once the job has left
	// RUNNING; the lease deadline never moves backwards.
	UpdateHeartbeat(ctx context.Context, id string, leaseDuration time.Duration) (*Job, error)

	// ReleaseLease clears WorkerID, HeartbeatAt, and LeaseExpiresAt without
	// touching the status.
	ReleaseLease(ctx context.Context, id string) error

	// SetStatus transitions the job to status, enforcing the terminal-state
	// invariant (ErrTerminal once final). RETRYING increments RetryCount and
	// fails with ErrRetriesExhausted when no budget remains. COMPLETED and
	// FAILED stamp CompletedAt; RUNNING stamps StartedAt if unset.
	SetStatus(ctx context.Context, id string, status Status, change StatusChange) (*Job, error)

	// RequestCancellation flips a PENDING or RUNNING job to CANCELLED and
	// stamps CompletedAt. Returns ErrNotCancellable otherwise. It never
	// stops a running task directly; cancellation is cooperative.
	RequestCancellation(ctx context.Context, id string) (*Job, error)

	// CancellationRequested is the cheap poll used by in-flight execution.
	// True iff the job's current status is CANCELLED.
	CancellationRequested(ctx context.Context, id string) (bool, error)

	// FindZombies returns RUNNING jobs whose lease expired more than grace
	// ago. A RUNNING job with a live lease is never returned.
	FindZombies(ctx context.Context, grace time.Duration) ([]*Job, error)

	// RecoverZombie clears the lease of an expired RUNNING job and either
	// re-enqueues it as PENDING (consuming one retry) when allowRetry and
	// budget remains, or finalises it as FAILED. Idempotent: recovering a
	// job that is no longer a zombie is a no-op.
	RecoverZombie(ctx context.Context, id string, allowRetry bool) (*Job, error)

	// ListByStatus returns jobs in the given status, newest first.
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Job, error)

	// Stats returns a count of jobs per status.
	Stats(ctx context.Context) (map[Status]int, error)

	// PurgeOlderThan deletes jobs in the given statuses created more than
	// age ago and returns the number deleted. Statuses defaults to the
	// terminal set when empty.
	PurgeOlderThan(ctx context.Context, age time.Duration, statuses []Status) (int, error)
}
