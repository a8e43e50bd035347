package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"zapai.dev/pkg/utils/context"
)

func TestQueueProcessesInOrderWithinConcurrencyOne(t *testing.T) {
	q := New(context.Bg(), 10, 1, time.Second)
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	for _, id := range []string{"a", "b", "c"} {
		id := id
		require.NoError(t, q.Enqueue(&Task{ID: id, Run: func(context.T) error {
			mu.Lock()
			order = append(order, id)
			last := len(order) == 3
			mu.Unlock()
			if last {
				close(done)
			}
			return nil
		}}))
	}
	<-done
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	mu.Unlock()
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := New(context.Bg(), 1, 1, time.Second)
	block := make(chan struct{})
	require.NoError(t, q.Enqueue(&Task{ID: "running", Run: func(context.T) error {
		<-block
		return nil
	}}))
	// give the first task time to leave the pending list
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(&Task{ID: "pending", Run: func(context.T) error { return nil }}))
	err := q.Enqueue(&Task{ID: "overflow", Run: func(context.T) error { return nil }})
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, int64(1), q.Stats().Dropped)
	close(block)
}

func TestQueueRetriesUntilExhausted(t *testing.T) {
	q := New(context.Bg(), 10, 2, time.Second)
	q.retryDelay = 5 * time.Millisecond
	attempts := atomic.NewInt64(0)
	require.NoError(t, q.Enqueue(&Task{ID: "flaky", Run: func(context.T) error {
		attempts.Inc()
		return errors.New("nope")
	}}))
	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(defaultMaxAttempts), attempts.Load())
	assert.Equal(t, int64(defaultMaxAttempts-1), q.Stats().Retried)
}

func TestQueueRetrySucceedsSecondAttempt(t *testing.T) {
	q := New(context.Bg(), 10, 2, time.Second)
	q.retryDelay = 5 * time.Millisecond
	attempts := atomic.NewInt64(0)
	require.NoError(t, q.Enqueue(&Task{ID: "once", Run: func(context.T) error {
		if attempts.Inc() == 1 {
			return errors.New("first time hurts")
		}
		return nil
	}}))
	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestQueueConcurrencyCap(t *testing.T) {
	q := New(context.Bg(), 100, 3, time.Second)
	running := atomic.NewInt64(0)
	peak := atomic.NewInt64(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, q.Enqueue(&Task{Run: func(context.T) error {
			defer wg.Done()
			n := running.Inc()
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Dec()
			return nil
		}}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestQueueShutdownWaitsForInflight(t *testing.T) {
	q := New(context.Bg(), 10, 2, time.Second)
	finished := atomic.NewBool(false)
	require.NoError(t, q.Enqueue(&Task{Run: func(context.T) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}}))
	time.Sleep(10 * time.Millisecond)
	q.Shutdown()
	assert.True(t, finished.Load())
	assert.ErrorIs(t, q.Enqueue(&Task{Run: func(context.T) error { return nil }}), ErrClosed)
}
