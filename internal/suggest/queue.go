// Package suggest implements the supervisor suggestion channel: a bounded,
// rate-limited FIFO of pending text guidance per session, the authenticated
// wire protocol through which operators inject into it, and the feeder that
// routes retrieved memory through the same path.
//
// Suggestions are queued as plain text and embedded lazily when the session
// loop consumes them, so entries that expire unconsumed cost no embedding
// work.
package suggest

import (
	"errors"
	"sync"
	"time"
)

// Rejection reasons, used verbatim on the wire and as metric labels.
const (
	ReasonQueueFull       = "queue_full"
	ReasonRateLimited     = "rate_limited"
	ReasonUnauthenticated = "unauthenticated"
)

var (
	// ErrQueueFull rejects an injection when the queue is at capacity.
	// Nothing is evicted.
	ErrQueueFull = errors.New("suggest: queue full")

	// ErrRateLimited rejects an injection arriving too soon after the last
	// accepted one. Queue occupancy does not matter.
	ErrRateLimited = errors.New("suggest: rate limited")

	// ErrQueueReleased rejects injections after the session has released the
	// queue during teardown.
	ErrQueueReleased = errors.New("suggest: queue released")
)

// Priority tags a suggestion. It is carried as metadata; consumption order
// stays strictly FIFO.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Suggestion is one pending piece of text guidance.
type Suggestion struct {
	Text       string
	Priority   Priority
	Source     string // "operator" or "memory"
	EnqueuedAt time.Time
}

// Queue is one session's bounded suggestion FIFO with an
// interval-since-last-accepted rate limiter.
//
// Safe for concurrent use. The lock is never held across anything blocking;
// consumers pop text and do the embedding work afterwards.
type Queue struct {
	max         int
	minInterval time.Duration
	now         func() time.Time

	mu           sync.Mutex
	items        []Suggestion
	lastAccepted time.Time
	hasAccepted  bool
	released     bool
}

// NewQueue creates a queue holding at most max entries, accepting at most
// one injection per minInterval. Non-positive values select the defaults
// (5 entries, 2s).
func NewQueue(max int, minInterval time.Duration) *Queue {
	if max <= 0 {
		max = 5
	}
	if minInterval <= 0 {
		minInterval = 2 * time.Second
	}
	return &Queue{
		max:         max,
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Push applies the admission rules in order: capacity, then rate limit. The
// first accepted injection is never rate limited.
func (q *Queue) Push(s Suggestion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return ErrQueueReleased
	}
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	now := q.now()
	if q.hasAccepted && now.Sub(q.lastAccepted) < q.minInterval {
		return ErrRateLimited
	}
	if s.EnqueuedAt.IsZero() {
		s.EnqueuedAt = now
	}
	q.items = append(q.items, s)
	q.lastAccepted = now
	q.hasAccepted = true
	return nil
}

// Pop removes and returns the oldest suggestion. Non-blocking.
func (q *Queue) Pop() (Suggestion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Suggestion{}, false
	}
	s := q.items[0]
	q.items = append(q.items[:0:0], q.items[1:]...)
	return s, true
}

// Len returns the number of pending suggestions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Release discards pending suggestions and rejects further pushes. Called
// when the session enters teardown.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.released = true
}
