// Package ai wraps the Gemini completion backend behind a circuit breaker,
// a bounded retry loop and a cache of reusable per-conversation chat
// sessions.
package ai

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

// ErrBreakerOpen is returned without invoking the downstream while the
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the three-state failure gate position.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Breaker gates calls to a single downstream. Consecutive failures trip it
// open; after resetTimeout one probe is let through and a success closes it
// again.
type Breaker struct {
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	callTimeout      time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	nextAttempt time.Time

	rejections *atomic.Int64
}

// NewBreaker constructs a breaker. callTimeout is the per-call deadline
// applied inside Call.
func NewBreaker(
	failureThreshold, successThreshold int,
	resetTimeout, callTimeout time.Duration,
) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		callTimeout:      callTimeout,
		rejections:       atomic.NewInt64(0),
	}
}

// Call runs fn under the breaker with the per-call deadline. While open and
// before the reset deadline it returns ErrBreakerOpen immediately.
func (b *Breaker) Call(ctx context.T, fn func(ctx context.T) error) (err error) {
	if !b.allow() {
		b.rejections.Inc()
		return ErrBreakerOpen
	}
	cctx, cancel := context.Timeout(ctx, b.callTimeout)
	err = fn(cctx)
	cancel()
	b.record(err == nil)
	return
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejections returns how many calls were refused while open.
func (b *Breaker) Rejections() int64 { return b.rejections.Load() }

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Now().Before(b.nextAttempt) {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		log.D.F("breaker half-open, probing downstream")
		return true
	}
	return false
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			log.I.F("breaker closed, downstream recovered")
		}
	case StateOpen:
		// a call that started in half-open may report after another
		// failure re-opened the breaker; nothing to update
	}
}

// trip moves to OPEN and arms the reset deadline. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.successes = 0
	b.nextAttempt = time.Now().Add(b.resetTimeout)
	log.W.F("breaker open, rejecting calls for %v", b.resetTimeout)
}
