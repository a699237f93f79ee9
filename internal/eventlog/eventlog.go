// Package eventlog keeps a bounded in-memory ring of job lifecycle events
// with an optional subscriber fan-out. It is a best-effort observability
// side-channel: appends never block and events may be dropped under
// back-pressure, so nothing in the scheduler depends on it for correctness.
package eventlog

import (
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventJobStarted       EventType = "job_started"
	EventHeartbeat        EventType = "heartbeat"
	EventHeartbeatStopped EventType = "heartbeat_stopped"
	EventLeaseRenewed     EventType = "lease_renewed"
	EventLeaseExpired     EventType = "lease_expired"
	EventCancelRequested  EventType = "cancel_requested"
	EventJobCancelled     EventType = "job_cancelled"
	EventRecoveryAttempt  EventType = "recovery_attempt"
	EventRecoveryOutcome  EventType = "recovery_outcome"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventJobRetrying      EventType = "job_retrying"
)

// Event is one structured lifecycle record.
type Event struct {
	Time     time.Time      `json:"time"`
	Type     EventType      `json:"type"`
	JobID    string         `json:"job_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

const defaultCapacity = 1000

// Log is a fixed-capacity ring buffer of events with subscriber fan-out.
// Safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	buf   []Event
	next  int // write position
	full  bool
	subs  map[int]chan Event
	subID int

	now func() time.Time // injectable for testing
}

// Option customises a Log.
type Option func(*Log)

// WithClock replaces the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log holding at most capacity events. A capacity below 1
// falls back to the default.
func New(capacity int, opts ...Option) *Log {
	if capacity < 1 {
		capacity = defaultCapacity
	}
	l := &Log{
		buf:  make([]Event, capacity),
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an event, evicting the oldest when the ring is full, and
// fans it out to subscribers. Slow subscribers miss events rather than
// blocking the caller.
func (l *Log) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = l.now()
	}

	l.buf[l.next] = ev
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full: drop.
		}
	}
}

// Record is shorthand for appending a typed event.
func (l *Log) Record(t EventType, jobID, workerID, message string, details map[string]any) {
	l.Append(Event{
		Type:     t,
		JobID:    jobID,
		WorkerID: workerID,
		Message:  message,
		Details:  details,
	})
}

// Snapshot returns the buffered events, oldest first.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Event, l.next)
		copy(out, l.buf[:l.next])
		return out
	}

	out := make([]Event, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}

// Len returns the number of buffered events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Subscribe registers a live event feed with the given channel buffer size
// and returns the channel plus an unsubscribe function. The channel is
// closed on unsubscribe.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}

	l.mu.Lock()
	id := l.subID
	l.subID++
	ch := make(chan Event, buffer)
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
