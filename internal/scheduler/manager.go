// Package scheduler claims pending jobs from the store, executes them with a
// bounded worker pool, keeps their leases alive, and recovers jobs abandoned
// by crashed workers. It is safe to run several scheduler processes against
// one store: the store's atomic claim is the only coordination point.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/backoff"
	"github.com/droverhq/drover/internal/core"
	"github.com/droverhq/drover/internal/eventlog"
	"github.com/droverhq/drover/internal/job"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

func init() {
	core.RegisterModule(&Manager{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Manager)(nil)
	_ core.Provisioner  = (*Manager)(nil)
	_ core.Validator    = (*Manager)(nil)
	_ core.Starter      = (*Manager)(nil)
	_ core.Stopper      = (*Manager)(nil)
)

// Manager is the scheduler module. One Manager owns one worker identity; all
// leases it acquires carry that identity.
type Manager struct {
	config Config
	logger *slog.Logger
	appCtx *core.AppContext

	store     job.Store
	executors job.ExecutorRegistry
	events    *eventlog.Log
	metrics   *metrics
	backoff   backoff.Policy
	workerID  string

	// now is injectable for testing.
	now func() time.Time

	mu         sync.Mutex
	cancelPoll context.CancelFunc
	cancelJobs context.CancelFunc
	loopDone   chan struct{}
	jobWG      sync.WaitGroup
	slots      chan struct{}

	// active tracks in-flight job IDs for the drain straggler pass.
	active sync.Map // job ID -> struct{}
}

// ModuleInfo implements core.Module.
func (m *Manager) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "scheduler",
		New: func() core.Module { return &Manager{} },
	}
}

// Configure implements core.Configurable.
func (m *Manager) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("scheduler: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner. The event log is created here and
// registered as "job.events" so the gateway can stream it.
func (m *Manager) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger
	m.appCtx = ctx

	if m.now == nil {
		m.now = time.Now
	}
	if m.events == nil {
		m.events = eventlog.New(m.config.EventLogSize)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(prometheus.DefaultRegisterer)
	}
	if m.workerID == "" {
		m.workerID = workerIdentity()
	}

	m.backoff = backoff.Default
	if m.config.Backoff.Base > 0 {
		m.backoff.Base = m.config.Backoff.Base
	}
	if m.config.Backoff.Factor > 0 {
		m.backoff.Factor = m.config.Backoff.Factor
	}
	if m.config.Backoff.Max > 0 {
		m.backoff.Max = m.config.Backoff.Max
	}

	ctx.RegisterService("job.events", m.events)

	m.logger.Info("scheduler provisioned",
		"worker_id", m.workerID,
		"max_concurrent", m.config.MaxConcurrent,
		"lease_duration", m.config.LeaseDuration,
	)
	return nil
}

// Validate implements core.Validator.
func (m *Manager) Validate() error {
	return m.config.validate()
}

// Start implements core.Starter. It recovers zombies left by a previous
// process before claiming anything, then runs the poll loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelPoll != nil {
		return errors.New("scheduler: already started")
	}

	if m.store == nil {
		svc, ok := m.appCtx.Service("job.store")
		if !ok {
			return errors.New("scheduler: job.store service not registered")
		}
		store, ok := svc.(job.Store)
		if !ok {
			return fmt.Errorf("scheduler: job.store service has type %T", svc)
		}
		m.store = store
	}
	if m.executors == nil {
		svc, ok := m.appCtx.Service("task.executors")
		if !ok {
			return errors.New("scheduler: task.executors service not registered")
		}
		registry, ok := svc.(job.ExecutorRegistry)
		if !ok {
			return fmt.Errorf("scheduler: task.executors service has type %T", svc)
		}
		m.executors = registry
	}

	runCtx, cancelJobs := context.WithCancel(context.Background())
	pollCtx, cancelPoll := context.WithCancel(runCtx)
	m.cancelJobs = cancelJobs
	m.cancelPoll = cancelPoll
	m.loopDone = make(chan struct{})
	m.slots = make(chan struct{}, m.config.MaxConcurrent)

	m.recoverZombies(pollCtx)

	go m.run(pollCtx, runCtx)

	m.logger.Info("scheduler started", "worker_id", m.workerID)
	return nil
}

// Stop implements core.Stopper: stop claiming, drain in-flight jobs for up to
// DrainTimeout, then cancel the rest and re-enqueue whatever still refuses to
// finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancelPoll, cancelJobs, loopDone := m.cancelPoll, m.cancelJobs, m.loopDone
	m.cancelPoll = nil
	m.cancelJobs = nil
	m.mu.Unlock()

	if cancelPoll == nil {
		return nil
	}

	cancelPoll()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		m.jobWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		m.logger.Info("scheduler drained cleanly")
	case <-time.After(m.config.DrainTimeout):
		m.logger.Warn("drain timeout, cancelling in-flight jobs")
		cancelJobs()
		select {
		case <-drained:
		case <-ctx.Done():
			m.releaseStragglers()
			return fmt.Errorf("scheduler: shutdown deadline exceeded: %w", ctx.Err())
		}
	case <-ctx.Done():
		cancelJobs()
		m.releaseStragglers()
		return fmt.Errorf("scheduler: shutdown deadline exceeded: %w", ctx.Err())
	}

	cancelJobs()
	m.logger.Info("scheduler stopped")
	return nil
}

// run is the poll loop: each tick recovers zombies and fills free slots with
// claimed jobs.
func (m *Manager) run(pollCtx, runCtx context.Context) {
	defer close(m.loopDone)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return
		case <-ticker.C:
			m.recoverZombies(pollCtx)
			m.claimEligible(pollCtx, runCtx)
		}
	}
}

// claimEligible claims jobs until the pool is full or the queue is empty.
func (m *Manager) claimEligible(pollCtx, runCtx context.Context) {
	for {
		select {
		case m.slots <- struct{}{}:
		default:
			return // pool full
		}

		j, err := m.store.ClaimNext(pollCtx)
		if err != nil {
			<-m.slots
			if pollCtx.Err() == nil {
				m.logger.Error("claim failed", "error", err)
			}
			return
		}
		if j == nil {
			<-m.slots
			return
		}

		m.metrics.claimed.Inc()
		m.jobWG.Add(1)
		go m.runJob(runCtx, j)
	}
}

// runJob executes one claimed job to a terminal or re-enqueued state. The
// claim already moved it to RUNNING; this acquires the lease, runs the
// executor with a live heartbeat, and persists the outcome.
func (m *Manager) runJob(runCtx context.Context, claimed *job.Job) {
	defer m.jobWG.Done()
	defer func() { <-m.slots }()

	logger := m.logger.With("job_id", claimed.ID, "type", string(claimed.Type))

	exec, ok := m.executors.Executor(claimed.Type)
	if !ok {
		logger.Error("no executor registered")
		m.failJob(claimed.ID, fmt.Sprintf("no executor registered for type %q", claimed.Type))
		return
	}

	leased, err := m.store.AcquireLease(runCtx, claimed.ID, m.workerID, m.config.LeaseDuration)
	if err != nil {
		// Most likely cancelled between claim and lease.
		logger.Warn("acquire lease failed", "error", err)
		return
	}

	m.active.Store(leased.ID, struct{}{})
	defer m.active.Delete(leased.ID)

	m.events.Record(eventlog.EventJobStarted, leased.ID, m.workerID, "", map[string]any{
		"type":    string(leased.Type),
		"attempt": leased.RetryCount,
	})
	m.metrics.active.Inc()
	defer m.metrics.active.Dec()

	jobCtx, cancelJob := context.WithCancel(runCtx)
	defer cancelJob()

	hbDone := make(chan struct{})
	go m.heartbeatLoop(jobCtx, leased.ID, cancelJob, hbDone)

	cancelled := func() bool {
		flagged, err := m.store.CancellationRequested(context.Background(), leased.ID)
		return err == nil && flagged
	}

	output, execErr := exec.Execute(jobCtx, leased, cancelled)

	cancelJob()
	<-hbDone
	m.events.Record(eventlog.EventHeartbeatStopped, leased.ID, m.workerID, "", nil)

	m.finishJob(logger, leased, output, execErr, runCtx.Err() != nil)

	if err := m.store.ReleaseLease(context.Background(), leased.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
		logger.Warn("release lease failed", "error", err)
	}
}

// heartbeatLoop renews the lease until the job context ends or the job is no
// longer RUNNING. Observing ErrNotRunning means the job was cancelled (or
// recovered) out from under us, so the executor's context is cancelled too.
func (m *Manager) heartbeatLoop(ctx context.Context, id string, cancelJob context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.store.UpdateHeartbeat(context.Background(), id, m.config.LeaseDuration); err != nil {
				if errors.Is(err, job.ErrNotRunning) || errors.Is(err, job.ErrNotFound) {
					m.logger.Info("job left running state, stopping heartbeat", "job_id", id)
					cancelJob()
					return
				}
				m.logger.Warn("heartbeat failed", "job_id", id, "error", err)
				continue
			}
			m.metrics.heartbeats.Inc()
			m.events.Record(eventlog.EventHeartbeat, id, m.workerID, "", nil)
			m.events.Record(eventlog.EventLeaseRenewed, id, m.workerID, "", nil)
		}
	}
}

// finishJob persists the execution outcome. The store's terminal-state guard
// gives cancellation precedence: a CANCELLED row rejects any late COMPLETED
// or FAILED write.
func (m *Manager) finishJob(logger *slog.Logger, j *job.Job, output map[string]any, execErr error, draining bool) {
	ctx := context.Background()

	switch {
	case execErr == nil:
		if _, err := m.store.SetStatus(ctx, j.ID, job.StatusCompleted, job.StatusChange{Output: output}); err != nil {
			if errors.Is(err, job.ErrTerminal) {
				logger.Info("job finished after cancellation, result discarded")
				m.recordCancelled(j.ID)
				return
			}
			logger.Error("persist completion failed", "error", err)
			return
		}
		logger.Info("job completed")
		m.metrics.completed.Inc()
		m.events.Record(eventlog.EventJobCompleted, j.ID, m.workerID, "", nil)

	case errors.Is(execErr, job.ErrCancelled), errors.Is(execErr, context.Canceled):
		if flagged, err := m.store.CancellationRequested(ctx, j.ID); err == nil && flagged {
			logger.Info("job cancelled")
			m.recordCancelled(j.ID)
			return
		}
		if draining {
			// Interrupted by shutdown, not by a user: put it back.
			m.retryOrFail(logger, j, "interrupted by scheduler shutdown")
			return
		}
		m.retryOrFail(logger, j, execErr.Error())

	default:
		m.retryOrFail(logger, j, execErr.Error())
	}
}

// retryOrFail re-enqueues the job with a backoff delay, or finalises it as
// FAILED once the budget is gone.
func (m *Manager) retryOrFail(logger *slog.Logger, j *job.Job, reason string) {
	ctx := context.Background()

	retried, err := m.store.SetStatus(ctx, j.ID, job.StatusRetrying, job.StatusChange{Error: reason})
	if err != nil {
		switch {
		case errors.Is(err, job.ErrRetriesExhausted):
			m.failJob(j.ID, reason)
		case errors.Is(err, job.ErrTerminal):
			logger.Info("job reached terminal state concurrently")
			m.recordCancelled(j.ID)
		default:
			logger.Error("persist retry failed", "error", err)
		}
		return
	}

	delay := m.backoff.NextDelay(retried.RetryCount)
	next := m.now().Add(delay)
	if _, err := m.store.SetStatus(ctx, j.ID, job.StatusPending, job.StatusChange{ScheduledAt: &next}); err != nil {
		logger.Error("re-enqueue failed", "error", err)
		return
	}

	logger.Warn("job retrying",
		"attempt", retried.RetryCount,
		"max_retries", retried.MaxRetries,
		"delay", delay,
		"reason", reason,
	)
	m.metrics.retried.Inc()
	m.events.Record(eventlog.EventJobRetrying, j.ID, m.workerID, reason, map[string]any{
		"attempt": retried.RetryCount,
		"delay":   delay.String(),
	})
}

func (m *Manager) failJob(id, reason string) {
	if _, err := m.store.SetStatus(context.Background(), id, job.StatusFailed, job.StatusChange{Error: reason}); err != nil {
		if errors.Is(err, job.ErrTerminal) {
			m.recordCancelled(id)
			return
		}
		m.logger.Error("persist failure failed", "job_id", id, "error", err)
		return
	}
	m.metrics.failed.Inc()
	m.events.Record(eventlog.EventJobFailed, id, m.workerID, reason, nil)
}

func (m *Manager) recordCancelled(id string) {
	m.metrics.cancelled.Inc()
	m.events.Record(eventlog.EventJobCancelled, id, m.workerID, "", nil)
}

// recoverZombies scans for RUNNING jobs whose lease expired past the grace
// window and puts each back in the queue (or fails it). Runs at startup and
// once per poll tick; the store guard makes concurrent recovery harmless.
func (m *Manager) recoverZombies(ctx context.Context) {
	zombies, err := m.store.FindZombies(ctx, m.config.ZombieGrace)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("zombie scan failed", "error", err)
		}
		return
	}

	for _, z := range zombies {
		m.events.Record(eventlog.EventRecoveryAttempt, z.ID, z.WorkerID, "", map[string]any{
			"lease_expired_at": z.LeaseExpiresAt,
		})

		recovered, err := m.store.RecoverZombie(ctx, z.ID, true)
		if err != nil {
			m.logger.Error("zombie recovery failed", "job_id", z.ID, "error", err)
			continue
		}

		m.logger.Warn("zombie job recovered",
			"job_id", z.ID,
			"abandoned_by", z.WorkerID,
			"outcome", string(recovered.Status),
			"attempt", recovered.RetryCount,
		)
		m.metrics.recovered.Inc()
		m.events.Record(eventlog.EventRecoveryOutcome, z.ID, z.WorkerID, "", map[string]any{
			"status":  string(recovered.Status),
			"attempt": recovered.RetryCount,
		})
	}
}

// releaseStragglers handles jobs whose executors ignored cancellation past
// the shutdown deadline: each is re-enqueued (or failed) and its lease
// released, so another process can pick it up without waiting for zombie
// recovery.
func (m *Manager) releaseStragglers() {
	ctx := context.Background()

	m.active.Range(func(key, _ any) bool {
		id := key.(string)
		m.logger.Warn("job did not stop before shutdown deadline, re-enqueueing", "job_id", id)

		if _, err := m.store.SetStatus(ctx, id, job.StatusRetrying, job.StatusChange{
			Error: "interrupted by scheduler shutdown",
		}); err != nil {
			if errors.Is(err, job.ErrRetriesExhausted) {
				m.failJob(id, "interrupted by scheduler shutdown, retries exhausted")
			}
		} else if _, err := m.store.SetStatus(ctx, id, job.StatusPending, job.StatusChange{}); err != nil {
			m.logger.Error("straggler re-enqueue failed", "job_id", id, "error", err)
		}

		if err := m.store.ReleaseLease(ctx, id); err != nil && !errors.Is(err, job.ErrNotFound) {
			m.logger.Warn("straggler lease release failed", "job_id", id, "error", err)
		}
		return true
	})
}

// workerIdentity builds the worker ID: hostname plus a short random suffix,
// so two processes on one host stay distinguishable.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "drover"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
