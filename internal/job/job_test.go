package job

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusRetrying, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusRetrying.Valid() {
		t.Error("retrying should be valid")
	}
	if Status("exploded").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeCrawl, TypeParse, TypeChunk, TypeEmbed, TypeFullPipeline} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if Type("teleport").Valid() {
		t.Error("unknown type should be invalid")
	}
}

func TestCanRetry(t *testing.T) {
	j := &Job{RetryCount: 0, MaxRetries: 2}
	if !j.CanRetry() {
		t.Error("fresh job should have retry budget")
	}

	j.RetryCount = 2
	if j.CanRetry() {
		t.Error("exhausted job should not retry")
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()

	j := &Job{}
	if j.LeaseExpired(now) {
		t.Error("job without lease should never be expired")
	}

	future := now.Add(time.Minute)
	j.LeaseExpiresAt = &future
	if j.LeaseExpired(now) {
		t.Error("live lease should not be expired")
	}

	past := now.Add(-time.Minute)
	j.LeaseExpiresAt = &past
	if !j.LeaseExpired(now) {
		t.Error("past deadline should be expired")
	}
}

func TestCancellable(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusRunning, true},
		{StatusRetrying, false},
		{StatusCompleted, false},
		{StatusFailed, false},
		{StatusCancelled, false},
	}

	for _, tt := range tests {
		j := &Job{Status: tt.status}
		if got := j.Cancellable(); got != tt.want {
			t.Errorf("%s: Cancellable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestLeased(t *testing.T) {
	j := &Job{}
	if j.Leased() {
		t.Error("unheld job should not be leased")
	}

	exp := time.Now().Add(time.Minute)
	j.WorkerID = "worker-1"
	j.LeaseExpiresAt = &exp
	if !j.Leased() {
		t.Error("job with worker and deadline should be leased")
	}
}
