// Package relay maintains the pool of relay connections: one supervised
// subscribe loop per configured relay with exponential reconnect backoff,
// and a parallel publisher that fans events out to every live connection.
package relay

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

const (
	// reconnect backoff bounds
	backoffInitial = 5 * time.Second
	backoffMax     = 60 * time.Second
	// a relay that fails this many reconnects in a row is abandoned
	maxConsecutiveFailures = 5
)

// Handler receives every event delivered by any subscription, together
// with the relay it arrived from. It must not block.
type Handler func(ctx context.T, ev *nostr.Event, relayURL string)

// S supervises the relay pool.
type S struct {
	ctx            context.T
	urls           []string
	filters        nostr.Filters
	handler        Handler
	publishTimeout time.Duration

	conns    *xsync.MapOf[string, *nostr.Relay]
	health   *xsync.MapOf[string, *Health]
	draining *atomic.Bool
}

// New prepares a supervisor. The subscription filters ask each relay for
// events addressed to botPub of the given kinds, from now on; stored
// history is not replayed.
func New(
	ctx context.T, urls []string, botPub string, kinds []int,
	publishTimeout time.Duration, handler Handler,
) (s *S) {
	since := nostr.Now()
	s = &S{
		ctx:  ctx,
		urls: urls,
		filters: nostr.Filters{{
			Kinds: kinds,
			Tags:  nostr.TagMap{"p": []string{botPub}},
			Since: &since,
		}},
		handler:        handler,
		publishTimeout: publishTimeout,
		conns:          xsync.NewMapOf[string, *nostr.Relay](),
		health:         xsync.NewMapOf[string, *Health](),
		draining:       atomic.NewBool(false),
	}
	for _, u := range urls {
		s.health.Store(u, &Health{URL: u})
	}
	return
}

// Start launches one supervised loop per relay.
func (s *S) Start() {
	for _, u := range s.urls {
		go s.loop(u)
	}
}

// Quiesce stops handing subscription events to the handler while leaving
// the connections usable for publishing, so in-flight work can still send
// its replies during a drain.
func (s *S) Quiesce() {
	s.draining.Store(true)
	log.I.F("relay pool quiesced, dropping incoming events")
}

// Healths returns a snapshot of every relay's health record, in the
// configured order.
func (s *S) Healths() (out []HealthSnapshot) {
	for _, u := range s.urls {
		if h, ok := s.health.Load(u); ok {
			out = append(out, h.snapshot())
		}
	}
	return
}

// ConnectedCount returns how many relays currently hold a live connection.
func (s *S) ConnectedCount() (n int) {
	s.conns.Range(func(string, *nostr.Relay) bool { n++; return true })
	return
}

// loop owns the connection to a single relay: connect, subscribe, stream,
// reconnect with backoff, give up after too many consecutive failures.
func (s *S) loop(url string) {
	h, _ := s.health.Load(url)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		if !s.connectAndStream(url, h, bo) {
			return
		}
		if n := h.failed(nil); n >= maxConsecutiveFailures {
			h.permanent()
			log.E.F("relay %s failed %d times in a row, giving up", url, n)
			return
		}
		wait := bo.NextBackOff()
		log.D.F("relay %s reconnecting in %v", url, wait)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectAndStream runs one connection lifetime. It returns false when the
// supervisor context is done and the loop should exit.
func (s *S) connectAndStream(url string, h *Health, bo *backoff.ExponentialBackOff) bool {
	relay, err := nostr.RelayConnect(s.ctx, url)
	if err != nil {
		log.W.F("relay %s connect failed: %v", url, err)
		h.publishError(err)
		return s.ctx.Err() == nil
	}
	sub, err := relay.Subscribe(s.ctx, s.filters)
	if err != nil {
		log.W.F("relay %s subscribe failed: %v", url, err)
		h.publishError(err)
		relay.Close()
		return s.ctx.Err() == nil
	}
	s.conns.Store(url, relay)
	h.connected(true)
	log.I.F("relay %s connected", url)

	eose := sub.EndOfStoredEvents
	for {
		select {
		case <-s.ctx.Done():
			s.conns.Delete(url)
			h.connected(false)
			relay.Close()
			return false
		case <-eose:
			eose = nil
		case reason := <-sub.ClosedReason:
			log.W.F("relay %s closed subscription: %s", url, reason)
			s.teardown(url, h, relay)
			return true
		case <-relay.Context().Done():
			log.W.F("relay %s connection lost: %v", url, relay.ConnectionError)
			s.teardown(url, h, relay)
			return true
		case ev, ok := <-sub.Events:
			if !ok {
				s.teardown(url, h, relay)
				return true
			}
			if ev == nil || s.draining.Load() {
				continue
			}
			// delivery proves the relay is healthy again
			h.sawEvent()
			bo.Reset()
			s.handler(s.ctx, ev, url)
		}
	}
}

func (s *S) teardown(url string, h *Health, relay *nostr.Relay) {
	s.conns.Delete(url)
	h.connected(false)
	relay.Close()
}
