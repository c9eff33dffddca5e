package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Task is one queued allocation dispatch.
type Task struct {
	OrderID    uuid.UUID
	EnqueuedAt time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// Queue is a bounded in-memory dispatch buffer. It is a latency
// optimisation only: the recovery sweep re-dispatches anything dropped
// here, so overflow and TTL eviction are safe, observable events.
type Queue struct {
	mu      sync.Mutex
	tasks   taskRing
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// QueueOption adjusts queue behaviour.
type QueueOption func(*Queue)

// WithQueueCapacity sets the maximum number of pending dispatches.
func WithQueueCapacity(capacity int) QueueOption {
	return func(q *Queue) {
		if capacity > 0 {
			q.tasks = newTaskRing(capacity)
		}
	}
}

// WithQueueTTL configures how long queued dispatches remain deliverable.
func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock for TTL evaluation (test only).
func withQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		tasks:   newTaskRing(defaultQueueCapacity),
		ttl:     defaultQueueTTL,
		now:     time.Now,
		metrics: dispatchMetrics(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds an order dispatch. Oldest entries are overwritten on
// overflow and the drop is counted.
func (q *Queue) Enqueue(orderID uuid.UUID) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(Task{OrderID: orderID, EnqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Dequeue waits for the next dispatch. Returns false when ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		task, ok := q.tasks.pop()
		q.mu.Unlock()
		if ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Len reports the pending dispatch count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.size
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		task, ok := q.tasks.peek()
		if !ok || now.Sub(task.EnqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// taskRing is a fixed-size ring buffer that overwrites the oldest element
// on overflow.
type taskRing struct {
	buf  []Task
	head int
	size int
}

func newTaskRing(capacity int) taskRing {
	if capacity <= 0 {
		return taskRing{}
	}
	return taskRing{buf: make([]Task, capacity)}
}

func (r *taskRing) push(t Task) (Task, bool) {
	if len(r.buf) == 0 {
		return Task{}, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = t
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = t
	r.size++
	return Task{}, false
}

func (r *taskRing) pop() (Task, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		return Task{}, false
	}
	t := r.buf[r.head]
	r.buf[r.head] = Task{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return t, true
}

func (r *taskRing) peek() (Task, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		return Task{}, false
	}
	return r.buf[r.head], true
}

var (
	queueMetricsOnce sync.Once
	sharedQueueMeter *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func dispatchMetrics() *queueMetrics {
	queueMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("storagehub/orchestrator")
		counter, err := meter.Int64Counter("storagehub.allocations.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("storagehub/orchestrator")
			counter, _ = fallback.Int64Counter("storagehub.allocations.dropped")
		}
		sharedQueueMeter = &queueMetrics{dropped: counter}
	})
	return sharedQueueMeter
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
