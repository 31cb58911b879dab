// Package queue implements C6, the Pending Queue: a FIFO of channels
// awaiting assignment to a Slave, with backpressure and lazy cancellation
// removal (spec.md §4.6).
package queue

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"go.vicodyn.dev/core/channel"
)

// Stats is a point-in-time snapshot of the queue's own counters. Accepted
// here counts only pushes onto this queue, not the Engine's directly
// assigned channels -- callers wanting the full requests.accepted figure
// across both paths should use the Engine's own counter instead.
type Stats struct {
	Accepted uint64
	Rejected uint64
	Depth    int
}

// Queue is a FIFO of *channel.Channel with O(1) Push/Pop. Safe for
// concurrent use.
type Queue struct {
	limit int

	depthGauge prometheus.Gauge
	rejectedC  prometheus.Counter

	mu       sync.Mutex
	entries  *list.List // of *channel.Channel
	accepted uint64
	rejected uint64
}

// Metrics is the set of prometheus collectors a Queue reports through;
// callers construct these once per app (labeled by app name) and share
// them across the Queue and Engine. Accepted enqueues are counted by the
// Engine itself, once per channel regardless of whether it was queued or
// assigned directly, so the queue only reports depth and rejections here.
type Metrics struct {
	Depth    prometheus.Gauge
	Rejected prometheus.Counter
}

// New returns an empty Queue that rejects pushes once it holds limit
// channels. A zero Metrics leaves the gauges as no-ops.
func New(limit int, m Metrics) *Queue {
	if m.Depth == nil {
		m.Depth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_queue_depth"})
	}
	if m.Rejected == nil {
		m.Rejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_queue_rejected"})
	}
	return &Queue{
		limit:      limit,
		entries:    list.New(),
		depthGauge: m.Depth,
		rejectedC:  m.Rejected,
	}
}

// Push appends ch to the tail of the queue, or rejects it with
// "queue is full" if the queue is already at limit. On rejection, the
// caller is responsible for surfacing the error synchronously on ch's
// backward stream.
func (q *Queue) Push(ch *channel.Channel) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() >= q.limit {
		q.rejected++
		q.rejectedC.Inc()
		return errQueueFull
	}
	q.entries.PushBack(ch)
	q.accepted++
	q.depthGauge.Set(float64(q.entries.Len()))
	return nil
}

// Pop removes and returns the head of the queue, skipping (and
// permanently dropping) any cancelled channels found along the way --
// the lazy-cancellation-removal behavior of spec.md §4.6. Returns nil if
// the queue holds no live channels.
func (q *Queue) Pop() *channel.Channel {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		var front = q.entries.Front()
		if front == nil {
			return nil
		}
		q.entries.Remove(front)
		q.depthGauge.Set(float64(q.entries.Len()))

		var ch = front.Value.(*channel.Channel)
		if ch.Cancelled() {
			continue
		}
		return ch
	}
}

// Peek returns the head of the queue without removing it, or nil if
// empty. Cancelled entries at the head are still skipped and removed,
// matching Pop's lazy-cleanup behavior.
func (q *Queue) Peek() *channel.Channel {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		var front = q.entries.Front()
		if front == nil {
			return nil
		}
		var ch = front.Value.(*channel.Channel)
		if !ch.Cancelled() {
			return ch
		}
		q.entries.Remove(front)
		q.depthGauge.Set(float64(q.entries.Len()))
	}
}

// Len reports the current (unfiltered -- may include cancelled entries
// not yet lazily swept) queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Stats returns a point-in-time snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Accepted: q.accepted, Rejected: q.rejected, Depth: q.entries.Len()}
}

var errQueueFull = queueFullError{}

type queueFullError struct{}

func (queueFullError) Error() string { return "queue is full" }

// IsFull reports whether err is the sentinel returned by Push when the
// queue is at its limit.
func IsFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}
