package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/job"
	"github.com/google/uuid"
)

// timeLayout is a fixed-width UTC timestamp format. Unlike RFC3339Nano it
// never trims trailing zeros, so stored values compare lexicographically in
// SQL exactly as they compare chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// jobColumns is the canonical column list for scanJob.
const jobColumns = `id, type, status, input, output, priority, scheduled_at,
	retry_count, max_retries, error_message, worker_id, heartbeat_at,
	lease_expires_at, created_at, started_at, completed_at`

// jobStore implements job.Store on a single SQLite database. SQLite
// serialises writes, so each guarded UPDATE is atomic with respect to
// concurrent claimers — the single-writer equivalent of a row-level
// skip-locked read.
type jobStore struct {
	db     *sql.DB
	logger *slog.Logger

	// now is injectable for testing lease expiry without sleeping.
	now func() time.Time
}

func newJobStore(db *sql.DB, logger *slog.Logger) *jobStore {
	return &jobStore{db: db, logger: logger, now: time.Now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Create inserts a new PENDING job.
func (s *jobStore) Create(ctx context.Context, p job.CreateParams) (*job.Job, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("sqlite: invalid job type %q", p.Type)
	}
	if p.MaxRetries < 0 {
		return nil, fmt.Errorf("sqlite: max_retries must be non-negative, got %d", p.MaxRetries)
	}

	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal input: %w", err)
	}

	id := uuid.NewString()
	now := s.now()

	var scheduledAt any
	if p.ScheduledAt != nil {
		scheduledAt = formatTime(*p.ScheduledAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, input, priority, scheduled_at, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(p.Type), string(job.StatusPending), string(inputJSON),
		p.Priority, scheduledAt, p.MaxRetries, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert job: %w", err)
	}

	return s.Get(ctx, id)
}

// Get returns the job by ID.
func (s *jobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job %s: %w", id, err)
	}
	return j, nil
}

// claimLease is the provisional lease window stamped at claim time, before
// AcquireLease binds a worker and opens the real lease. Without it a process
// dying between claim and lease would leave a RUNNING row with no
// lease_expires_at, invisible to FindZombies forever.
const claimLease = time.Minute

// ClaimNext atomically claims the best eligible PENDING job. The guarded
// single-statement UPDATE guarantees at most one claimant per job even with
// concurrent scheduler processes sharing the database file.
func (s *jobStore) ClaimNext(ctx context.Context) (*job.Job, error) {
	now := s.now()

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', lease_expires_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns,
		formatTime(now.Add(claimLease)), formatTime(now),
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim next job: %w", err)
	}
	return j, nil
}

// AcquireLease binds the claimed job to workerID and opens its lease window.
// The error message of a previous attempt is cleared on the retry restart.
func (s *jobStore) AcquireLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) (*job.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("sqlite: acquire lease: empty worker id")
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			worker_id = ?,
			heartbeat_at = ?,
			lease_expires_at = ?,
			started_at = COALESCE(started_at, ?),
			error_message = ''
		WHERE id = ? AND status = 'running'`,
		workerID, formatTime(now), formatTime(now.Add(leaseDuration)), formatTime(now), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire lease: %w", err)
	}

	if err := s.requireRunning(ctx, res, id); err != nil {
		return nil, fmt.Errorf("sqlite: acquire lease: %w", err)
	}
	return s.Get(ctx, id)
}

// UpdateHeartbeat refreshes liveness and extends the lease. The deadline is
// monotonic: a late heartbeat never shortens an already-extended lease.
func (s *jobStore) UpdateHeartbeat(ctx context.Context, id string, leaseDuration time.Duration) (*job.Job, error) {
	now := s.now()
	expires := formatTime(now.Add(leaseDuration))

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			heartbeat_at = ?1,
			lease_expires_at = CASE
				WHEN lease_expires_at IS NOT NULL AND lease_expires_at > ?2 THEN lease_expires_at
				ELSE ?2
			END
		WHERE id = ?3 AND status = 'running' AND worker_id != ''`,
		formatTime(now), expires, id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update heartbeat: %w", err)
	}

	if err := s.requireRunning(ctx, res, id); err != nil {
		return nil, fmt.Errorf("sqlite: update heartbeat: %w", err)
	}
	return s.Get(ctx, id)
}

// ReleaseLease clears the worker binding without touching the status.
func (s *jobStore) ReleaseLease(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET worker_id = '', heartbeat_at = NULL, lease_expires_at = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: release lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: release lease: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: job %s: %w", id, job.ErrNotFound)
	}
	return nil
}

// SetStatus performs a persisted state transition, enforcing the
// terminal-state invariant and the retry budget. The UPDATE is guarded on
// the status observed inside the transaction, so a concurrent transition
// surfaces as a conflict instead of a silent overwrite.
func (s *jobStore) SetStatus(ctx context.Context, id string, status job.Status, change job.StatusChange) (*job.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("sqlite: invalid status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin set status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("sqlite: job %s is %s: %w", id, cur.Status, job.ErrTerminal)
	}

	now := s.now()
	var res sql.Result

	switch status {
	case job.StatusRetrying:
		if !cur.CanRetry() {
			return nil, fmt.Errorf("sqlite: job %s (%d/%d): %w",
				id, cur.RetryCount, cur.MaxRetries, job.ErrRetriesExhausted)
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, retry_count = retry_count + 1, error_message = ?
			WHERE id = ? AND status = ?`,
			string(status), change.Error, id, string(cur.Status))

	case job.StatusPending:
		var scheduledAt any
		if change.ScheduledAt != nil {
			scheduledAt = formatTime(*change.ScheduledAt)
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, scheduled_at = ?
			WHERE id = ? AND status = ?`,
			string(status), scheduledAt, id, string(cur.Status))

	case job.StatusRunning:
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status = ?`,
			string(status), formatTime(now), id, string(cur.Status))

	case job.StatusCompleted:
		var outputJSON []byte
		outputJSON, err = json.Marshal(change.Output)
		if err != nil {
			return nil, fmt.Errorf("sqlite: marshal output: %w", err)
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, output = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(status), string(outputJSON), formatTime(now), id, string(cur.Status))

	case job.StatusFailed:
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(status), change.Error, formatTime(now), id, string(cur.Status))

	case job.StatusCancelled:
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(status), formatTime(now), id, string(cur.Status))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: set status %s: %w", status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: set status: rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("sqlite: job %s changed concurrently during %s transition", id, status)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit set status: %w", err)
	}

	return s.Get(ctx, id)
}

// RequestCancellation flips a PENDING or RUNNING job to CANCELLED. It never
// interrupts a running task; the executing worker observes the flip through
// CancellationRequested and releases its lease.
func (s *jobStore) RequestCancellation(ctx context.Context, id string) (*job.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		formatTime(s.now()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: request cancellation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: request cancellation: rows affected: %w", err)
	}
	if n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: job %s is %s: %w", id, cur.Status, job.ErrNotCancellable)
	}

	return s.Get(ctx, id)
}

// CancellationRequested is the cheap poll used by in-flight execution.
func (s *jobStore) CancellationRequested(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sqlite: job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: check cancellation: %w", err)
	}
	return job.Status(status) == job.StatusCancelled, nil
}

// FindZombies returns RUNNING jobs whose lease expired more than grace ago.
func (s *jobStore) FindZombies(ctx context.Context, grace time.Duration) ([]*job.Job, error) {
	cutoff := formatTime(s.now().Add(-grace))

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find zombies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// RecoverZombie clears the lease of an expired RUNNING job and either
// re-enqueues it (consuming one retry) or finalises it as FAILED. Both the
// status and the lease deadline are re-checked inside the UPDATE, so recovery
// is idempotent and a heartbeat renewal landing after the zombie scan aborts
// it atomically: a job that is no longer an expired RUNNING job is returned
// unchanged.
func (s *jobStore) RecoverZombie(ctx context.Context, id string, allowRetry bool) (*job.Job, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if cur.Status != job.StatusRunning || !cur.LeaseExpired(now) {
		return cur, nil
	}

	var res sql.Result
	if allowRetry && cur.CanRetry() {
		msg := fmt.Sprintf("zombie recovery: worker %q lease expired, re-enqueued for retry %d/%d",
			cur.WorkerID, cur.RetryCount+1, cur.MaxRetries)
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'pending',
				retry_count = retry_count + 1,
				error_message = ?,
				worker_id = '',
				heartbeat_at = NULL,
				lease_expires_at = NULL,
				scheduled_at = NULL
			WHERE id = ? AND status = 'running'
			  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
			msg, id, formatTime(now))
	} else {
		msg := fmt.Sprintf("zombie recovery: worker %q presumed crashed, retries exhausted (%d/%d)",
			cur.WorkerID, cur.RetryCount, cur.MaxRetries)
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET
				status = 'failed',
				error_message = ?,
				completed_at = ?,
				worker_id = '',
				heartbeat_at = NULL,
				lease_expires_at = NULL
			WHERE id = ? AND status = 'running'
			  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
			msg, formatTime(now), id, formatTime(now))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: recover zombie: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("sqlite: recover zombie: rows affected: %w", err)
	} else if n == 0 {
		s.logger.Debug("zombie recovery skipped, job changed concurrently", "job_id", id)
	}

	return s.Get(ctx, id)
}

// ListByStatus returns jobs in the given status, newest first.
func (s *jobStore) ListByStatus(ctx context.Context, status job.Status, limit, offset int) ([]*job.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("sqlite: invalid status %q", status)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		string(status), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// Stats returns a count of jobs per status. All statuses are present in the
// result, zero-valued when empty.
func (s *jobStore) Stats(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := map[job.Status]int{
		job.StatusPending:   0,
		job.StatusRunning:   0,
		job.StatusRetrying:  0,
		job.StatusCompleted: 0,
		job.StatusFailed:    0,
		job.StatusCancelled: 0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("sqlite: scan stats: %w", err)
		}
		stats[job.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats rows: %w", err)
	}
	return stats, nil
}

// PurgeOlderThan deletes old jobs in the given statuses. Statuses defaults
// to the terminal set when empty, so in-flight work is never purged by
// accident.
func (s *jobStore) PurgeOlderThan(ctx context.Context, age time.Duration, statuses []job.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCancelled}
	}

	args := make([]any, 0, len(statuses)+1)
	args = append(args, formatTime(s.now().Add(-age)))
	placeholders := ""
	for i, st := range statuses {
		if !st.Valid() {
			return 0, fmt.Errorf("sqlite: invalid status %q", st)
		}
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE created_at < ? AND status IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge jobs: rows affected: %w", err)
	}
	return int(n), nil
}

// requireRunning converts a zero-rows-affected lease update into ErrNotFound
// or ErrNotRunning depending on whether the job exists.
func (s *jobStore) requireRunning(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, status, job.ErrNotRunning)
}

func (s *jobStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*job.Job, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job %s: %w", id, err)
	}
	return j, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j            job.Job
		typ, status  string
		inputJSON    string
		outputJSON   sql.NullString
		scheduledAt  sql.NullString
		heartbeatAt  sql.NullString
		leaseExpires sql.NullString
		createdAt    string
		startedAt    sql.NullString
		completedAt  sql.NullString
	)

	err := row.Scan(
		&j.ID, &typ, &status, &inputJSON, &outputJSON, &j.Priority, &scheduledAt,
		&j.RetryCount, &j.MaxRetries, &j.ErrorMessage, &j.WorkerID, &heartbeatAt,
		&leaseExpires, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typ)
	j.Status = job.Status(status)

	if inputJSON != "" && inputJSON != "{}" && inputJSON != "null" {
		if err := json.Unmarshal([]byte(inputJSON), &j.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
		if err := json.Unmarshal([]byte(outputJSON.String), &j.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	j.CreatedAt = created

	for _, field := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{scheduledAt, &j.ScheduledAt},
		{heartbeatAt, &j.HeartbeatAt},
		{leaseExpires, &j.LeaseExpiresAt},
		{startedAt, &j.StartedAt},
		{completedAt, &j.CompletedAt},
	} {
		if !field.src.Valid || field.src.String == "" {
			continue
		}
		t, err := parseTime(field.src.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", field.src.String, err)
		}
		*field.dst = &t
	}

	return &j, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func scanJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs rows: %w", err)
	}
	return jobs, nil
}
