package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"zapai.dev/pkg/utils/context"
)

// breakerOnlyClient skips the backend dial; while the breaker is open
// Reply never reaches it.
func breakerOnlyClient() *Client {
	return &Client{
		opts:      Options{Model: "test", BotName: "test"},
		breaker:   NewBreaker(3, 1, 10*time.Second, time.Second),
		calls:     atomic.NewInt64(0),
		failures:  atomic.NewInt64(0),
		fallback:  atomic.NewInt64(0),
		cacheHits: atomic.NewInt64(0),
	}
}

func tripBreaker(b *Breaker) {
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Bg(), failing)
	}
}

func TestReplyFallsBackImmediatelyWhileBreakerOpen(t *testing.T) {
	c := breakerOnlyClient()
	tripBreaker(c.breaker)
	require.Equal(t, StateOpen, c.breaker.State())
	start := time.Now()
	text, err := c.Reply(context.Bg(), &Request{Text: "hi"})
	require.NoError(t, err)
	// a rejection must not sit through the retry backoffs
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Contains(t, fallbacks, text)
	assert.Equal(t, int64(1), c.fallback.Load())
	assert.Equal(t, int64(1), c.breaker.Rejections())
}

func TestReplyReturnsContextErrorWhenCanceled(t *testing.T) {
	c := breakerOnlyClient()
	tripBreaker(c.breaker)
	ctx, cancel := context.Cancel(context.Bg())
	cancel()
	text, err := c.Reply(ctx, &Request{Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, text)
	assert.Equal(t, int64(0), c.fallback.Load())
}
