package telemetry

import (
	"sync"

	"github.com/telemetria/telemetria/pkg/metrics"
)

// Queue is an unbounded FIFO of events. Enqueue never blocks on consumers
// and never fails; if persisters fall behind, the queue grows without limit.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends evt. Safe for concurrent use.
func (q *Queue) Enqueue(evt Event) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	metrics.QueueDepth.Inc()
	q.mu.Unlock()
}

// DrainAll removes and returns every queued event in FIFO order. Events
// enqueued while DrainAll runs are left for the next call.
func (q *Queue) DrainAll() []Event {
	q.mu.Lock()
	out := q.events
	q.events = nil
	metrics.QueueDepth.Sub(float64(len(out)))
	q.mu.Unlock()
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
