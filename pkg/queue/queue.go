// Package queue is a bounded FIFO of processing tasks with a cap on
// in-flight work. Draining is edge-triggered: a completion or an enqueue
// starts as many pending tasks as capacity allows, so there is no polling.
// Failed tasks are re-inserted at the front after a linear backoff until
// their attempts are exhausted.
package queue

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"lukechampine.com/frand"

	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

var (
	// ErrFull is returned by Enqueue when the pending queue is at capacity.
	ErrFull = errors.New("queue: full")
	// ErrClosed is returned by Enqueue after Shutdown has begun.
	ErrClosed = errors.New("queue: closed")
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// Task is one unit of work. Run is called with a per-attempt deadline.
type Task struct {
	ID       string
	Run      func(ctx context.T) error
	attempts int
}

// Q is the work queue.
type Q struct {
	ctx           context.T
	maxQueue      int
	maxConcurrent int
	timeout       time.Duration
	maxAttempts   int
	retryDelay    time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*Task
	inflight map[string]struct{}
	closed   bool

	processed *atomic.Int64
	failed    *atomic.Int64
	retried   *atomic.Int64
	dropped   *atomic.Int64
	avgMs     float64 // exponential moving average, guarded by mu
}

// Stats is a snapshot for the status surface.
type Stats struct {
	Pending      int     `json:"pending"`
	InFlight     int     `json:"inFlight"`
	Processed    int64   `json:"processed"`
	Failed       int64   `json:"failed"`
	Retried      int64   `json:"retried"`
	Dropped      int64   `json:"dropped"`
	AvgProcessMs float64 `json:"avgProcessMs"`
}

// New creates a queue. timeout is the per-attempt deadline applied to each
// task run.
func New(ctx context.T, maxQueue, maxConcurrent int, timeout time.Duration) (q *Q) {
	q = &Q{
		ctx:           ctx,
		maxQueue:      maxQueue,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		maxAttempts:   defaultMaxAttempts,
		retryDelay:    defaultRetryDelay,
		inflight:      make(map[string]struct{}),
		processed:     atomic.NewInt64(0),
		failed:        atomic.NewInt64(0),
		retried:       atomic.NewInt64(0),
		dropped:       atomic.NewInt64(0),
	}
	q.cond = sync.NewCond(&q.mu)
	return
}

// Enqueue appends a task. ErrFull rejections also advance the dropped
// counter; the caller decides whether to notify the sender.
func (q *Q) Enqueue(t *Task) (err error) {
	if t.ID == "" {
		t.ID = hex.EncodeToString(frand.Bytes(8))
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.pending) >= q.maxQueue {
		q.mu.Unlock()
		q.dropped.Inc()
		return ErrFull
	}
	q.pending = append(q.pending, t)
	q.drainLocked()
	q.mu.Unlock()
	return
}

// drainLocked starts pending tasks until the queue is empty or concurrency
// is saturated. Caller holds q.mu.
func (q *Q) drainLocked() {
	for len(q.pending) > 0 && len(q.inflight) < q.maxConcurrent {
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight[t.ID] = struct{}{}
		go q.run(t)
	}
}

func (q *Q) run(t *Task) {
	started := time.Now()
	ctx, cancel := context.Timeout(q.ctx, q.timeout)
	err := t.Run(ctx)
	cancel()
	dur := time.Since(started)

	q.mu.Lock()
	delete(q.inflight, t.ID)
	if err == nil {
		q.observeLocked(dur)
	}
	if q.closed && len(q.inflight) == 0 {
		q.cond.Broadcast()
	}
	q.drainLocked()
	q.mu.Unlock()

	if err == nil {
		q.processed.Inc()
		return
	}
	t.attempts++
	if t.attempts >= q.maxAttempts {
		q.failed.Inc()
		log.W.F("task %s failed after %d attempts: %v", t.ID, t.attempts, err)
		return
	}
	q.retried.Inc()
	delay := q.retryDelay * time.Duration(t.attempts)
	log.D.F("task %s attempt %d failed, retrying in %v: %v", t.ID, t.attempts, delay, err)
	time.AfterFunc(delay, func() { q.requeueFront(t) })
}

// requeueFront gives a retry priority over fresh work.
func (q *Q) requeueFront(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.failed.Inc()
		return
	}
	q.pending = append([]*Task{t}, q.pending...)
	q.drainLocked()
}

func (q *Q) observeLocked(dur time.Duration) {
	ms := float64(dur.Milliseconds())
	if q.avgMs == 0 {
		q.avgMs = ms
		return
	}
	q.avgMs = q.avgMs*0.9 + ms*0.1
}

// Len returns the number of pending tasks.
func (q *Q) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a snapshot of the queue counters.
func (q *Q) Stats() Stats {
	q.mu.Lock()
	pending, inflight, avg := len(q.pending), len(q.inflight), q.avgMs
	q.mu.Unlock()
	return Stats{
		Pending:      pending,
		InFlight:     inflight,
		Processed:    q.processed.Load(),
		Failed:       q.failed.Load(),
		Retried:      q.retried.Load(),
		Dropped:      q.dropped.Load(),
		AvgProcessMs: avg,
	}
}

// Shutdown stops accepting work and blocks until no task is in flight.
// Pending tasks that never started are abandoned.
func (q *Q) Shutdown() {
	q.mu.Lock()
	q.closed = true
	for len(q.inflight) > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}
