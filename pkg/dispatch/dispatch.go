// Package dispatch routes events arriving from the relay pool: it drops
// the bot's own events and relay-level duplicates, settles receipts and
// balance queries inline, and pushes everything else through the rate
// limiter into the work queue.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/atomic"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/processor"
	"zapai.dev/pkg/profile"
	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/queue"
	"zapai.dev/pkg/ratelimit"
	"zapai.dev/pkg/signer"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

// seenCapacity bounds the in-memory event-id window. Relays re-deliver the
// same event id within seconds of each other, so a small window catches
// nearly all of it; the store's processed markers catch the rest.
const seenCapacity = 1000

// D is the dispatcher.
type D struct {
	botPub   string
	q        *queue.Q
	limiter  *ratelimit.L
	acct     *accounting.A
	proc     *processor.P
	sign     *signer.S
	pub      accounting.Publisher
	profiles *profile.C

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	received    *atomic.Int64
	queued      *atomic.Int64
	duplicates  *atomic.Int64
	rateLimited *atomic.Int64
	overflowed  *atomic.Int64
}

// Stats is a snapshot for the status surface.
type Stats struct {
	Received    int64 `json:"received"`
	Queued      int64 `json:"queued"`
	Duplicates  int64 `json:"duplicates"`
	RateLimited int64 `json:"rateLimited"`
	Overflowed  int64 `json:"overflowed"`
}

// New wires a dispatcher.
func New(
	botPub string, q *queue.Q, limiter *ratelimit.L, acct *accounting.A,
	proc *processor.P, sign *signer.S, pub accounting.Publisher,
) *D {
	return &D{
		botPub:      botPub,
		q:           q,
		limiter:     limiter,
		acct:        acct,
		proc:        proc,
		sign:        sign,
		pub:         pub,
		seen:        make(map[string]struct{}, seenCapacity),
		received:    atomic.NewInt64(0),
		queued:      atomic.NewInt64(0),
		duplicates:  atomic.NewInt64(0),
		rateLimited: atomic.NewInt64(0),
		overflowed:  atomic.NewInt64(0),
	}
}

// SetPublisher late-binds the relay pool.
func (d *D) SetPublisher(pub accounting.Publisher) { d.pub = pub }

// SetProfiles late-binds the profile cache used for pre-warming.
func (d *D) SetProfiles(profiles *profile.C) { d.profiles = profiles }

// Stats returns a snapshot of the dispatcher counters.
func (d *D) Stats() Stats {
	return Stats{
		Received:    d.received.Load(),
		Queued:      d.queued.Load(),
		Duplicates:  d.duplicates.Load(),
		RateLimited: d.rateLimited.Load(),
		Overflowed:  d.overflowed.Load(),
	}
}

// Handle is the relay pool's delivery callback. It must return quickly, so
// everything that can block runs in a goroutine or behind the queue.
func (d *D) Handle(ctx context.T, ev *nostr.Event, relayURL string) {
	if ev.PubKey == d.botPub {
		return
	}
	if d.alreadySeen(ev.ID) {
		d.duplicates.Inc()
		return
	}
	d.received.Inc()
	log.T.F("event %s kind %d from %s via %s", ev.ID, ev.Kind, ev.PubKey, relayURL)
	// start the metadata fetch now so it is cached by the time a queue slot
	// picks the message up
	if d.profiles != nil {
		d.profiles.Warm(ev.PubKey)
	}
	switch ev.Kind {
	case kind.Receipt:
		go func() { chk.E(d.acct.HandleReceipt(ctx, ev)) }()
		return
	case kind.BalanceQuery:
		go func() { chk.E(d.acct.HandleBalanceQuery(ctx, ev)) }()
		return
	case kind.PrivateMessage:
		d.enqueue(ctx, ev, store.OriginDM)
	case kind.PublicPost:
		d.enqueue(ctx, ev, store.OriginPublic)
	default:
		log.D.F("ignoring event %s of kind %d", ev.ID, ev.Kind)
	}
}

// enqueue applies the rate limit and hands the event to the queue. Both
// refusals send the user a private notice saying what to do.
func (d *D) enqueue(ctx context.T, ev *nostr.Event, origin string) {
	if ok, retryAfter := d.limiter.Allow(ev.PubKey, 1); !ok {
		d.rateLimited.Inc()
		log.D.F("rate limited %s, retry after %ds", ev.PubKey, retryAfter)
		// public mentions are dropped silently, a public scolding helps nobody
		if origin == store.OriginDM {
			d.notify(ctx, ev.PubKey, fmt.Sprintf(
				"You're sending messages faster than I can answer. "+
					"Please wait about %d second(s) and try again.", retryAfter,
			))
		}
		return
	}
	job := &processor.Job{Event: ev, Origin: origin}
	err := d.q.Enqueue(&queue.Task{
		ID:  ev.ID,
		Run: func(tctx context.T) error { return d.proc.Process(tctx, job) },
	})
	if err != nil {
		d.overflowed.Inc()
		log.W.F("queue rejected event %s: %v", ev.ID, err)
		if origin == store.OriginDM {
			d.notify(ctx, ev.PubKey, "I'm overloaded right now and had to drop "+
				"your message. Please try again in a little while.")
		}
		return
	}
	d.queued.Inc()
}

// alreadySeen records the event id in the bounded FIFO window and reports
// whether it was already there.
func (d *D) alreadySeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > seenCapacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return false
}

// notify sends a best-effort private notice.
func (d *D) notify(ctx context.T, principal, text string) {
	go func() {
		ev := &nostr.Event{
			Kind:      kind.PrivateMessage,
			CreatedAt: nostr.Now(),
			Tags:      nostr.Tags{{"p", principal}},
		}
		var err error
		if ev.Content, err = d.sign.Encrypt(text, principal); chk.E(err) {
			return
		}
		if err = d.sign.Sign(ev); chk.E(err) {
			return
		}
		d.pub.Publish(ctx, ev)
	}()
}
