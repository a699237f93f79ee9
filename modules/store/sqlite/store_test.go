package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/core"
	"github.com/droverhq/drover/internal/job"
)

// fakeClock is a mutable time source shared with the store under test, so
// lease expiry can be exercised without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*jobStore, *fakeClock) {
	t.Helper()

	dir := t.TempDir()
	m := &Module{
		config: Config{
			Path:        filepath.Join(dir, "test.db"),
			BusyTimeout: defaultBusyTimeout,
		},
	}
	m.config.defaults()

	ctx := core.NewAppContext(slog.Default(), dir)

	if err := m.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})

	clock := newFakeClock()
	m.store.now = clock.Now
	return m.store, clock
}

func mustCreate(t *testing.T, s *jobStore, p job.CreateParams) *job.Job {
	t.Helper()
	j, err := s.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return j
}

func mustClaim(t *testing.T, s *jobStore) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil {
		t.Fatal("claim: no eligible job")
	}
	return j
}

// claimAndLease is the scheduler's claim sequence collapsed for tests.
func claimAndLease(t *testing.T, s *jobStore, workerID string, lease time.Duration) *job.Job {
	t.Helper()
	j := mustClaim(t, s)
	leased, err := s.AcquireLease(context.Background(), j.ID, workerID, lease)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	return leased
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, job.CreateParams{
		Type:       job.TypeCrawl,
		Input:      map[string]any{"url": "https://example.com"},
		Priority:   2,
		MaxRetries: 3,
	})

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.Type != job.TypeCrawl {
		t.Errorf("Type = %s, want crawl", got.Type)
	}
	if got.Input["url"] != "https://example.com" {
		t.Errorf("Input = %v", got.Input)
	}
	if got.Priority != 2 || got.MaxRetries != 3 || got.RetryCount != 0 {
		t.Errorf("got priority=%d max_retries=%d retry_count=%d",
			got.Priority, got.MaxRetries, got.RetryCount)
	}
	if got.WorkerID != "" || got.LeaseExpiresAt != nil || got.StartedAt != nil {
		t.Error("new job must not carry worker or lease state")
	}
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, job.CreateParams{Type: "bogus"}); err == nil {
		t.Error("expected error for invalid type")
	}
	if _, err := s.Create(ctx, job.CreateParams{Type: job.TypeParse, MaxRetries: -1}); err == nil {
		t.Error("expected error for negative max_retries")
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, job.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	s, clock := newTestStore(t)

	// Same-priority jobs are FIFO; higher priority always wins.
	low := mustCreate(t, s, job.CreateParams{Type: job.TypeParse, Priority: 1})
	clock.Advance(time.Second)
	high := mustCreate(t, s, job.CreateParams{Type: job.TypeParse, Priority: 5})
	clock.Advance(time.Second)
	midFirst := mustCreate(t, s, job.CreateParams{Type: job.TypeParse, Priority: 3})
	clock.Advance(time.Second)
	midSecond := mustCreate(t, s, job.CreateParams{Type: job.TypeParse, Priority: 3})

	want := []string{high.ID, midFirst.ID, midSecond.ID, low.ID}
	for i, id := range want {
		j := mustClaim(t, s)
		if j.ID != id {
			t.Fatalf("claim %d: got %s, want %s", i, j.ID, id)
		}
		if j.Status != job.StatusRunning {
			t.Fatalf("claim %d: status = %s, want running", i, j.Status)
		}
	}

	j, err := s.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil job on empty queue, got %s", j.ID)
	}
}

func TestClaimHonoursScheduledAt(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Minute)
	deferred := mustCreate(t, s, job.CreateParams{Type: job.TypeEmbed, ScheduledAt: &future})

	j, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j != nil {
		t.Fatalf("claimed %s before its scheduled time", j.ID)
	}

	clock.Advance(time.Minute)
	j = mustClaim(t, s)
	if j.ID != deferred.ID {
		t.Errorf("claimed %s, want %s", j.ID, deferred.ID)
	}
}

func TestClaimSkipsCancelledJobs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doomed := mustCreate(t, s, job.CreateParams{Type: job.TypeChunk, Priority: 9})
	survivor := mustCreate(t, s, job.CreateParams{Type: job.TypeChunk})

	if _, err := s.RequestCancellation(ctx, doomed.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	j := mustClaim(t, s)
	if j.ID != survivor.ID {
		t.Errorf("claimed %s, want %s", j.ID, survivor.ID)
	}
}

func TestConcurrentClaimsAreMutuallyExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const jobs = 20
	for range jobs {
		mustCreate(t, s, job.CreateParams{Type: job.TypeParse})
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestAcquireLease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	j := mustClaim(t, s)

	leased, err := s.AcquireLease(ctx, j.ID, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	if leased.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", leased.WorkerID)
	}
	if leased.LeaseExpiresAt == nil || !leased.LeaseExpiresAt.Equal(clock.Now().Add(30*time.Second)) {
		t.Errorf("LeaseExpiresAt = %v, want now+30s", leased.LeaseExpiresAt)
	}
	if leased.HeartbeatAt == nil || leased.StartedAt == nil {
		t.Error("expected heartbeat_at and started_at to be set")
	}

	// Leasing a job that is not RUNNING fails.
	other := mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	if _, err := s.AcquireLease(ctx, other.ID, "worker-1", 30*time.Second); !errors.Is(err, job.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
	if _, err := s.AcquireLease(ctx, "missing", "worker-1", 30*time.Second); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAcquireLeaseClearsPreviousError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, job.CreateParams{Type: job.TypeParse, MaxRetries: 2})
	_ = claimAndLease(t, s, "worker-1", 30*time.Second)

	if _, err := s.SetStatus(ctx, j.ID, job.StatusRetrying, job.StatusChange{Error: "boom"}); err != nil {
		t.Fatalf("set retrying: %v", err)
	}
	if _, err := s.SetStatus(ctx, j.ID, job.StatusPending, job.StatusChange{}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	leased := claimAndLease(t, s, "worker-2", 30*time.Second)
	if leased.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared on retry restart", leased.ErrorMessage)
	}
	if leased.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", leased.RetryCount)
	}
}

func TestHeartbeatExtendsLeaseMonotonically(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeEmbed})
	j := claimAndLease(t, s, "worker-1", time.Minute)

	clock.Advance(10 * time.Second)
	beat, err := s.UpdateHeartbeat(ctx, j.ID, time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !beat.LeaseExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("LeaseExpiresAt = %v, want now+60s", beat.LeaseExpiresAt)
	}

	// A heartbeat with a shorter duration never moves the deadline backwards.
	shorter, err := s.UpdateHeartbeat(ctx, j.ID, time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if shorter.LeaseExpiresAt.Before(*beat.LeaseExpiresAt) {
		t.Errorf("lease deadline moved backwards: %v -> %v",
			beat.LeaseExpiresAt, shorter.LeaseExpiresAt)
	}
}

func TestHeartbeatOnNonRunningJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, job.CreateParams{Type: job.TypeParse})
	if _, err := s.UpdateHeartbeat(ctx, j.ID, time.Minute); !errors.Is(err, job.ErrNotRunning) {
		t.Errorf("pending job: err = %v, want ErrNotRunning", err)
	}

	leased := claimAndLease(t, s, "worker-1", time.Minute)
	if _, err := s.RequestCancellation(ctx, leased.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.UpdateHeartbeat(ctx, leased.ID, time.Minute); !errors.Is(err, job.ErrNotRunning) {
		t.Errorf("cancelled job: err = %v, want ErrNotRunning", err)
	}

	if _, err := s.UpdateHeartbeat(ctx, "missing", time.Minute); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("missing job: err = %v, want ErrNotFound", err)
	}
}

func TestReleaseLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	j := claimAndLease(t, s, "worker-1", time.Minute)

	if err := s.ReleaseLease(ctx, j.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkerID != "" || got.HeartbeatAt != nil || got.LeaseExpiresAt != nil {
		t.Errorf("lease state not cleared: %+v", got)
	}
	if got.Status != job.StatusRunning {
		t.Errorf("release must not change status, got %s", got.Status)
	}

	if err := s.ReleaseLease(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetStatusCompleteAndTerminalInvariant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeChunk})
	j := claimAndLease(t, s, "worker-1", time.Minute)

	done, err := s.SetStatus(ctx, j.ID, job.StatusCompleted, job.StatusChange{
		Output: map[string]any{"chunks": float64(12)},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != job.StatusCompleted || done.CompletedAt == nil {
		t.Errorf("got status=%s completed_at=%v", done.Status, done.CompletedAt)
	}
	if done.Output["chunks"] != float64(12) {
		t.Errorf("Output = %v", done.Output)
	}

	// Terminal states are immutable.
	if _, err := s.SetStatus(ctx, j.ID, job.StatusFailed, job.StatusChange{Error: "late"}); !errors.Is(err, job.ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
}

func TestCancellationWinsOverLateCompletion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeFullPipeline})
	j := claimAndLease(t, s, "worker-1", time.Minute)

	if _, err := s.RequestCancellation(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The worker finishes its step anyway; the write must be rejected.
	if _, err := s.SetStatus(ctx, j.ID, job.StatusCompleted, job.StatusChange{}); !errors.Is(err, job.ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}

func TestRetryBudget(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, job.CreateParams{Type: job.TypeParse, MaxRetries: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		_ = claimAndLease(t, s, "worker-1", time.Minute)
		retried, err := s.SetStatus(ctx, j.ID, job.StatusRetrying, job.StatusChange{Error: "transient"})
		if err != nil {
			t.Fatalf("attempt %d: set retrying: %v", attempt, err)
		}
		if retried.RetryCount != attempt {
			t.Fatalf("attempt %d: RetryCount = %d", attempt, retried.RetryCount)
		}
		if _, err := s.SetStatus(ctx, j.ID, job.StatusPending, job.StatusChange{}); err != nil {
			t.Fatalf("attempt %d: re-enqueue: %v", attempt, err)
		}
	}

	// Budget exhausted: a third retry is refused, the job fails instead.
	_ = claimAndLease(t, s, "worker-1", time.Minute)
	if _, err := s.SetStatus(ctx, j.ID, job.StatusRetrying, job.StatusChange{Error: "transient"}); !errors.Is(err, job.ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}

	failed, err := s.SetStatus(ctx, j.ID, job.StatusFailed, job.StatusChange{Error: "transient"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != job.StatusFailed || failed.ErrorMessage != "transient" {
		t.Errorf("got status=%s error=%q", failed.Status, failed.ErrorMessage)
	}
}

func TestReEnqueueWithBackoffDelay(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, s, job.CreateParams{Type: job.TypeEmbed, MaxRetries: 3})
	_ = claimAndLease(t, s, "worker-1", time.Minute)

	if _, err := s.SetStatus(ctx, j.ID, job.StatusRetrying, job.StatusChange{Error: "rate limited"}); err != nil {
		t.Fatalf("set retrying: %v", err)
	}

	next := clock.Now().Add(20 * time.Second)
	requeued, err := s.SetStatus(ctx, j.ID, job.StatusPending, job.StatusChange{ScheduledAt: &next})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if requeued.ScheduledAt == nil || !requeued.ScheduledAt.Equal(next) {
		t.Errorf("ScheduledAt = %v, want %v", requeued.ScheduledAt, next)
	}

	if got, err := s.ClaimNext(ctx); err != nil || got != nil {
		t.Fatalf("claim before backoff elapsed: job=%v err=%v", got, err)
	}

	clock.Advance(20 * time.Second)
	claimed := mustClaim(t, s)
	if claimed.ID != j.ID {
		t.Errorf("claimed %s, want %s", claimed.ID, j.ID)
	}
}

func TestRequestCancellation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pending := mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	got, err := s.RequestCancellation(ctx, pending.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if got.Status != job.StatusCancelled || got.CompletedAt == nil {
		t.Errorf("got status=%s completed_at=%v", got.Status, got.CompletedAt)
	}

	// A second cancel, or cancelling any terminal job, is refused.
	if _, err := s.RequestCancellation(ctx, pending.ID); !errors.Is(err, job.ErrNotCancellable) {
		t.Errorf("err = %v, want ErrNotCancellable", err)
	}
	if _, err := s.RequestCancellation(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	cancelled, err := s.CancellationRequested(ctx, pending.ID)
	if err != nil {
		t.Fatalf("cancellation requested: %v", err)
	}
	if !cancelled {
		t.Error("CancellationRequested = false, want true")
	}

	live := mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	if flagged, err := s.CancellationRequested(ctx, live.ID); err != nil || flagged {
		t.Errorf("live job: flagged=%v err=%v", flagged, err)
	}
}

func TestFindZombiesAfterGracePeriod(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl, MaxRetries: 3})
	stale := claimAndLease(t, s, "worker-dead", 10*time.Second)

	mustCreate(t, s, job.CreateParams{Type: job.TypeParse})
	healthy := claimAndLease(t, s, "worker-live", 10*time.Second)

	// Worker stops heartbeating. At exactly lease+grace the deadline equals
	// the cutoff, which the strict comparison excludes.
	clock.Advance(70 * time.Second)
	if _, err := s.UpdateHeartbeat(ctx, healthy.ID, 10*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	zombies, err := s.FindZombies(ctx, time.Minute)
	if err != nil {
		t.Fatalf("find zombies: %v", err)
	}
	if len(zombies) != 0 {
		t.Fatalf("zombies at grace boundary = %v, want none", jobIDs(zombies))
	}

	// One tick past the boundary the stale job is a zombie; the renewed one
	// stays out.
	clock.Advance(time.Second)
	zombies, err = s.FindZombies(ctx, time.Minute)
	if err != nil {
		t.Fatalf("find zombies: %v", err)
	}
	if len(zombies) != 1 || zombies[0].ID != stale.ID {
		t.Fatalf("zombies = %v, want exactly %s", jobIDs(zombies), stale.ID)
	}
}

func TestRecoverZombieRetryPath(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl, MaxRetries: 3})
	stale := claimAndLease(t, s, "worker-dead", 10*time.Second)
	clock.Advance(2 * time.Minute)

	recovered, err := s.RecoverZombie(ctx, stale.ID, true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", recovered.Status)
	}
	if recovered.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", recovered.RetryCount)
	}
	if recovered.WorkerID != "" || recovered.LeaseExpiresAt != nil || recovered.HeartbeatAt != nil {
		t.Error("lease state not cleared on recovery")
	}
	if recovered.ErrorMessage == "" {
		t.Error("expected recovery provenance in error message")
	}

	// Recovery is idempotent: a second call is a no-op.
	again, err := s.RecoverZombie(ctx, stale.ID, true)
	if err != nil {
		t.Fatalf("recover again: %v", err)
	}
	if again.RetryCount != 1 || again.Status != job.StatusPending {
		t.Errorf("second recovery changed the job: %+v", again)
	}

	// The recovered job is claimable again.
	claimed := mustClaim(t, s)
	if claimed.ID != stale.ID {
		t.Errorf("claimed %s, want %s", claimed.ID, stale.ID)
	}
}

func TestRecoverZombieRetriesExhausted(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeEmbed, MaxRetries: 0})
	stale := claimAndLease(t, s, "worker-dead", 10*time.Second)
	clock.Advance(2 * time.Minute)

	recovered, err := s.RecoverZombie(ctx, stale.ID, true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != job.StatusFailed {
		t.Errorf("Status = %s, want failed", recovered.Status)
	}
	if recovered.CompletedAt == nil {
		t.Error("expected completed_at on failure")
	}
	if recovered.ErrorMessage == "" {
		t.Error("expected crash provenance in error message")
	}
}

func TestRecoverZombieSkipsLiveJob(t *testing.T) {
	s, _ := newTestStore(t)

	mustCreate(t, s, job.CreateParams{Type: job.TypeParse})
	live := claimAndLease(t, s, "worker-live", time.Minute)

	got, err := s.RecoverZombie(context.Background(), live.ID, true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.Status != job.StatusRunning || got.WorkerID != "worker-live" {
		t.Errorf("live job was touched: %+v", got)
	}
	if got.RetryCount != 0 || got.ErrorMessage != "" {
		t.Errorf("live job mutated: %+v", got)
	}
}

func TestRecoverZombieSkipsRenewedLease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeChunk, MaxRetries: 3})
	j := claimAndLease(t, s, "worker-slow", 10*time.Second)

	// The lease expires, then a late heartbeat lands before recovery runs —
	// the sequence of a worker that stalled but did not die.
	clock.Advance(2 * time.Minute)
	if _, err := s.UpdateHeartbeat(ctx, j.ID, 10*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, err := s.RecoverZombie(ctx, j.ID, true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got.Status != job.StatusRunning || got.WorkerID != "worker-slow" || got.RetryCount != 0 {
		t.Errorf("renewed job was recovered: %+v", got)
	}
}

func TestClaimStampsProvisionalLease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, job.CreateParams{Type: job.TypeEmbed, MaxRetries: 1})
	claimed := mustClaim(t, s)

	if claimed.LeaseExpiresAt == nil {
		t.Fatal("claimed job has no provisional lease")
	}
	if !claimed.LeaseExpiresAt.Equal(clock.Now().Add(claimLease)) {
		t.Errorf("LeaseExpiresAt = %v, want now+%s", claimed.LeaseExpiresAt, claimLease)
	}

	// The claimer dies before AcquireLease: once the provisional lease plus
	// the grace window pass, the job surfaces as a zombie and is re-enqueued.
	clock.Advance(claimLease + time.Minute + time.Second)

	zombies, err := s.FindZombies(ctx, time.Minute)
	if err != nil {
		t.Fatalf("find zombies: %v", err)
	}
	if len(zombies) != 1 || zombies[0].ID != claimed.ID {
		t.Fatalf("zombies = %v, want exactly %s", jobIDs(zombies), claimed.ID)
	}

	recovered, err := s.RecoverZombie(ctx, claimed.ID, true)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != job.StatusPending || recovered.RetryCount != 1 {
		t.Errorf("recovered = %+v, want pending with one retry consumed", recovered)
	}
}

func TestListByStatusAndStats(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for range 3 {
		mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
		clock.Advance(time.Second)
	}
	done := mustCreate(t, s, job.CreateParams{Type: job.TypeParse})
	_ = mustClaim(t, s) // one of the crawls
	if _, err := s.RequestCancellation(ctx, done.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pending, err := s.ListByStatus(ctx, job.StatusPending, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}

	page, err := s.ListByStatus(ctx, job.StatusPending, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("page = %d, want 1", len(page))
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := map[job.Status]int{
		job.StatusPending:   2,
		job.StatusRunning:   1,
		job.StatusCancelled: 1,
	}
	for status, n := range want {
		if stats[status] != n {
			t.Errorf("stats[%s] = %d, want %d", status, stats[status], n)
		}
	}
	if stats[job.StatusFailed] != 0 {
		t.Errorf("stats[failed] = %d, want 0", stats[job.StatusFailed])
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	old := mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	if _, err := s.RequestCancellation(ctx, old.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// An old but still-pending job must survive the default purge set.
	stuck := mustCreate(t, s, job.CreateParams{Type: job.TypeParse})

	clock.Advance(48 * time.Hour)
	fresh := mustCreate(t, s, job.CreateParams{Type: job.TypeCrawl})
	if _, err := s.RequestCancellation(ctx, fresh.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	n, err := s.PurgeOlderThan(ctx, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d jobs, want 1", n)
	}

	if _, err := s.Get(ctx, old.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("old job: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, stuck.ID); err != nil {
		t.Errorf("pending job purged: %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh job purged: %v", err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	open := func() *Module {
		m := &Module{config: Config{Path: path, BusyTimeout: defaultBusyTimeout}}
		m.config.defaults()
		if err := m.Provision(core.NewAppContext(slog.Default(), dir)); err != nil {
			t.Fatalf("provision: %v", err)
		}
		return m
	}

	m := open()
	created, err := m.store.Create(context.Background(), job.CreateParams{Type: job.TypeCrawl})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	m = open()
	defer func() { _ = m.Stop(context.Background()) }()

	got, err := m.store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != job.StatusPending || !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("job changed across reopen: %+v", got)
	}
}

func jobIDs(jobs []*job.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
