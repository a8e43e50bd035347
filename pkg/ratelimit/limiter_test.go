package ratelimit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"zapai.dev/pkg/utils/context"
)

func TestLimiterAllowsWithinCapacity(t *testing.T) {
	l := New(context.Bg(), 5, 1)
	defer l.Stop()
	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("alice", 1)
		assert.True(t, ok, "request %d should pass", i)
	}
}

func TestLimiterDeniesWhenBucketEmpty(t *testing.T) {
	// global bucket is large enough that the per-user bucket denies first
	l := New(context.Bg(), 2, 0.5)
	defer l.Stop()
	// two users share the global bucket but have their own buckets
	ok, _ := l.Allow("alice", 1)
	assert.True(t, ok)
	ok, _ = l.Allow("alice", 1)
	assert.True(t, ok)
	ok, retryAfter := l.Allow("alice", 1)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, int64(1))
	stats := l.Stats()
	assert.Equal(t, int64(1), stats.DeniedUser)
}

func TestLimiterGlobalGateBeforeUserGate(t *testing.T) {
	l := New(context.Bg(), 2, 0.1)
	defer l.Stop()
	// drain the global bucket across many principals
	var denied bool
	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(fmt.Sprintf("user%d", i), 1)
		if !ok {
			denied = true
		}
	}
	assert.True(t, denied)
	assert.Positive(t, l.Stats().DeniedGlobal)
}

func TestLimiterTracksBucketsPerPrincipal(t *testing.T) {
	l := New(context.Bg(), 10, 1)
	defer l.Stop()
	l.Allow("alice", 1)
	l.Allow("bob", 1)
	l.Allow("alice", 1)
	assert.Equal(t, 2, l.Stats().ActiveBuckets)
}
