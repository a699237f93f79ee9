// Package job defines the durable job record, its state machine, and the
// contracts between the store, the scheduler, and task executors.
package job

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state. Terminal jobs admit no further
// status mutation, only retention cleanup.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Type is the kind of work a job carries. It selects the executor.
type Type string

const (
	TypeCrawl        Type = "crawl"
	TypeParse        Type = "parse"
	TypeChunk        Type = "chunk"
	TypeEmbed        Type = "embed"
	TypeFullPipeline Type = "full_pipeline"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeCrawl, TypeParse, TypeChunk, TypeEmbed, TypeFullPipeline:
		return true
	}
	return false
}

// Job is the unit of schedulable work. The store is the sole authority for
// persisted state transitions; the scheduler instance holding the lease is
// the sole authority for executing the job and renewing its lease.
type Job struct {
	ID     string
	Type   Type
	Status Status

	// Input is the opaque payload consumed by the executor. Output is set
	// only when the job completes.
	Input  map[string]any
	Output map[string]any

	// Priority orders claims: higher claims before lower, ties broken by
	// creation time (FIFO). ScheduledAt, when set, is a not-before gate.
	Priority    int
	ScheduledAt *time.Time

	RetryCount   int
	MaxRetries   int
	ErrorMessage string

	// Lease fields. LeaseExpiresAt is set for every RUNNING job — a
	// provisional window at claim time, the real lease once a worker binds.
	// WorkerID is non-empty iff that binding happened.
	WorkerID       string
	HeartbeatAt    *time.Time
	LeaseExpiresAt *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CanRetry reports whether the job has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Leased reports whether a worker currently holds this job's lease.
func (j *Job) Leased() bool {
	return j.WorkerID != "" && j.LeaseExpiresAt != nil
}

// LeaseExpired reports whether the lease deadline has passed at time now.
// A job without a lease is never expired.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && now.After(*j.LeaseExpiresAt)
}

// Cancellable reports whether a cancellation request is currently allowed.
func (j *Job) Cancellable() bool {
	return j.Status == StatusPending || j.Status == StatusRunning
}
