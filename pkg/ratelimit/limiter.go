// Package ratelimit implements the two-tier token bucket gate: one global
// bucket and one lazily-created bucket per principal, with idle buckets
// swept once a minute.
package ratelimit

import (
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

const (
	sweepInterval = time.Minute
	idleAfter     = time.Hour
)

type userBucket struct {
	lim      *rate.Limiter
	lastSeen *atomic.Int64
}

// L is the two-tier limiter. All methods are safe for concurrent use.
type L struct {
	maxTokens float64
	refill    float64
	global    *rate.Limiter
	users     *xsync.MapOf[string, *userBucket]

	allowed      *atomic.Int64
	deniedGlobal *atomic.Int64
	deniedUser   *atomic.Int64

	stop context.F
}

// Stats is a snapshot for the status surface.
type Stats struct {
	ActiveBuckets int   `json:"activeBuckets"`
	Allowed       int64 `json:"allowed"`
	DeniedGlobal  int64 `json:"deniedGlobal"`
	DeniedUser    int64 `json:"deniedUser"`
}

// New creates a limiter with the given bucket capacity and refill rate
// (tokens per second) and starts the idle-bucket sweeper. Cancel ctx or
// call Stop to halt the sweeper.
func New(ctx context.T, maxTokens, refill float64) (l *L) {
	ctx, stop := context.Cancel(ctx)
	l = &L{
		maxTokens:    maxTokens,
		refill:       refill,
		global:       rate.NewLimiter(rate.Limit(refill), int(maxTokens)),
		users:        xsync.NewMapOf[string, *userBucket](),
		allowed:      atomic.NewInt64(0),
		deniedGlobal: atomic.NewInt64(0),
		deniedUser:   atomic.NewInt64(0),
		stop:         stop,
	}
	go l.sweep(ctx)
	return
}

// Stop halts the sweeper.
func (l *L) Stop() { l.stop() }

// Allow consumes cost tokens for the principal. On denial it returns the
// number of seconds after which a retry can succeed (minimum 1). The global
// bucket is consulted before the per-principal one.
func (l *L) Allow(principal string, cost int) (ok bool, retryAfter int64) {
	now := time.Now()
	if !l.global.AllowN(now, cost) {
		l.deniedGlobal.Inc()
		return false, l.retryAfter(l.global.Tokens(), cost)
	}
	b, _ := l.users.LoadOrCompute(principal, func() *userBucket {
		return &userBucket{
			lim:      rate.NewLimiter(rate.Limit(l.refill), int(l.maxTokens)),
			lastSeen: atomic.NewInt64(now.UnixMilli()),
		}
	})
	b.lastSeen.Store(now.UnixMilli())
	if !b.lim.AllowN(now, cost) {
		l.deniedUser.Inc()
		return false, l.retryAfter(b.lim.Tokens(), cost)
	}
	l.allowed.Inc()
	return true, 0
}

// retryAfter computes ceil((cost - tokens) / refill) seconds, minimum 1.
func (l *L) retryAfter(tokens float64, cost int) (secs int64) {
	secs = int64(math.Ceil((float64(cost) - tokens) / l.refill))
	if secs < 1 {
		secs = 1
	}
	return
}

// Stats returns a snapshot of the limiter counters.
func (l *L) Stats() Stats {
	return Stats{
		ActiveBuckets: l.users.Size(),
		Allowed:       l.allowed.Load(),
		DeniedGlobal:  l.deniedGlobal.Load(),
		DeniedUser:    l.deniedUser.Load(),
	}
}

func (l *L) sweep(ctx context.T) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleAfter).UnixMilli()
			var swept int
			l.users.Range(func(k string, b *userBucket) bool {
				if b.lastSeen.Load() < cutoff {
					l.users.Delete(k)
					swept++
				}
				return true
			})
			if swept > 0 {
				log.T.F("rate limiter swept %d idle buckets", swept)
			}
		}
	}
}
