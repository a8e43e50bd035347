package ai

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/utils/context"
)

var errDownstream = errors.New("downstream broken")

func failing(context.T) error { return errDownstream }
func succeeding(context.T) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 1, 50*time.Millisecond, time.Second)
	ctx := context.Bg()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(ctx, failing), errDownstream)
	}
	assert.Equal(t, StateOpen, b.State())
	// rejected without touching the downstream
	err := b.Call(ctx, func(context.T) error {
		t.Fatal("downstream called while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int64(1), b.Rejections())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(3, 1, 20*time.Millisecond, time.Second)
	ctx := context.Bg()
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())
	time.Sleep(30 * time.Millisecond)
	// first call after the reset deadline is the probe
	require.NoError(t, b.Call(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(3, 1, 20*time.Millisecond, time.Second)
	ctx := context.Bg()
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, failing)
	}
	time.Sleep(30 * time.Millisecond)
	require.ErrorIs(t, b.Call(ctx, failing), errDownstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerClosedResetsFailureRunOnSuccess(t *testing.T) {
	b := NewBreaker(3, 1, time.Second, time.Second)
	ctx := context.Bg()
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	require.NoError(t, b.Call(ctx, succeeding))
	// the run of failures was broken, two more should not trip it
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCallTimeout(t *testing.T) {
	b := NewBreaker(3, 1, time.Second, 10*time.Millisecond)
	err := b.Call(context.Bg(), func(ctx context.T) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
