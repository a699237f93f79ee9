package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/job"
)

// RetentionJob deletes terminal jobs older than MaxAge so the queue database
// does not grow without bound.
type RetentionJob struct {
	Store        job.Store
	MaxAge       time.Duration
	Statuses     []job.Status // empty = all terminal statuses
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 * * * *"
}

// Compile-time interface check.
var _ Job = (*RetentionJob)(nil)

// Name implements Job.
func (j *RetentionJob) Name() string {
	return "job_retention"
}

// Schedule implements Job.
func (j *RetentionJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run purges terminal jobs older than MaxAge.
func (j *RetentionJob) Run(ctx context.Context) error {
	purged, err := j.Store.PurgeOlderThan(ctx, j.MaxAge, j.Statuses)
	if err != nil {
		return fmt.Errorf("cron: purge old jobs: %w", err)
	}
	if purged > 0 {
		j.Logger.Info("cron: purged old jobs", "count", purged, "max_age", j.MaxAge)
	}
	return nil
}

// QueueStatsJob logs per-status queue depth, giving operators a heartbeat in
// the logs even when nothing scrapes /metrics.
type QueueStatsJob struct {
	Store        job.Store
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/5 * * * *"
}

// Compile-time interface check.
var _ Job = (*QueueStatsJob)(nil)

// Name implements Job.
func (j *QueueStatsJob) Name() string {
	return "queue_stats"
}

// Schedule implements Job.
func (j *QueueStatsJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

// Run logs the current queue depth per status.
func (j *QueueStatsJob) Run(ctx context.Context) error {
	stats, err := j.Store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("cron: queue stats: %w", err)
	}

	j.Logger.Info("cron: queue depth",
		"pending", stats[job.StatusPending],
		"running", stats[job.StatusRunning],
		"retrying", stats[job.StatusRetrying],
		"completed", stats[job.StatusCompleted],
		"failed", stats[job.StatusFailed],
		"cancelled", stats[job.StatusCancelled],
	)
	return nil
}
