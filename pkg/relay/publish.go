package relay

import (
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

// PublishResult is the outcome of sending one event to one relay.
type PublishResult struct {
	URL string
	OK  bool
	Err error
}

// Publish fans the signed event out to every live connection in parallel,
// each under its own deadline. The event counts as delivered when at least
// one relay accepted it.
func (s *S) Publish(ctx context.T, ev *nostr.Event) (results []PublishResult, delivered bool) {
	type target struct {
		url   string
		relay *nostr.Relay
	}
	var targets []target
	s.conns.Range(func(url string, r *nostr.Relay) bool {
		targets = append(targets, target{url, r})
		return true
	})
	if len(targets) == 0 {
		log.W.F("publish %s: no live relay connections", ev.ID)
		return
	}
	results = make([]PublishResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			pctx, cancel := context.Timeout(ctx, s.publishTimeout)
			defer cancel()
			err := t.relay.Publish(pctx, *ev)
			results[i] = PublishResult{URL: t.url, OK: err == nil, Err: err}
			h, _ := s.health.Load(t.url)
			if err == nil {
				h.sent()
				return
			}
			h.publishError(err)
			// relays that refuse an event by policy are noise, not faults
			if isPolicyRejection(err) {
				log.D.F("publish %s to %s rejected by policy: %v", ev.ID, t.url, err)
				return
			}
			log.W.F("publish %s to %s failed: %v", ev.ID, t.url, err)
		}(i, t)
	}
	wg.Wait()
	for _, r := range results {
		if r.OK {
			delivered = true
			break
		}
	}
	if !delivered {
		log.W.F("publish %s: no relay accepted the event", ev.ID)
	}
	return
}

// FetchOne asks the live relays for a single event matching the filter and
// returns the first hit.
func (s *S) FetchOne(ctx context.T, filter nostr.Filter) (ev *nostr.Event) {
	var targets []*nostr.Relay
	s.conns.Range(func(_ string, r *nostr.Relay) bool {
		targets = append(targets, r)
		return true
	})
	for _, r := range targets {
		evs, err := r.QuerySync(ctx, filter)
		if err != nil || len(evs) == 0 {
			continue
		}
		// prefer the newest copy
		for _, cand := range evs {
			if ev == nil || cand.CreatedAt > ev.CreatedAt {
				ev = cand
			}
		}
		if ev != nil {
			return
		}
	}
	return
}

// isPolicyRejection recognizes the machine-readable NIP-20 prefixes relays
// use when declining an event on purpose.
func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, prefix := range []string{"pow:", "blocked:", "restricted:", "invalid:", "rate-limited:"} {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}
