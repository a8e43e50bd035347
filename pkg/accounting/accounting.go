// Package accounting turns zap receipts into balance credits and answers
// balance queries. Receipts and queries bypass the work queue: they never
// touch the AI backend, so they are settled inline on the dispatch path.
package accounting

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/atomic"

	"zapai.dev/pkg/profile"
	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/relay"
	"zapai.dev/pkg/signer"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

// Pricing in sats per answered message.
const (
	CostDM     int64 = 1
	CostPublic int64 = 2
)

// Publisher is the slice of the relay pool the accountant needs.
type Publisher interface {
	Publish(ctx context.T, ev *nostr.Event) ([]relay.PublishResult, bool)
}

// A is the accountant.
type A struct {
	db       *store.D
	sign     *signer.S
	pub      Publisher
	profiles *profile.C
	thanks   bool

	receipts    *atomic.Int64
	creditedSat *atomic.Int64
	queries     *atomic.Int64
}

// Stats is a snapshot for the status surface.
type Stats struct {
	Receipts     int64 `json:"receipts"`
	CreditedSats int64 `json:"creditedSats"`
	Queries      int64 `json:"balanceQueries"`
}

// New creates an accountant. thankYou enables the public acknowledgement
// post after each credit.
func New(db *store.D, sign *signer.S, pub Publisher, thankYou bool) *A {
	return &A{
		db:          db,
		sign:        sign,
		pub:         pub,
		thanks:      thankYou,
		receipts:    atomic.NewInt64(0),
		creditedSat: atomic.NewInt64(0),
		queries:     atomic.NewInt64(0),
	}
}

// SetPublisher late-binds the relay pool; the pool cannot exist before its
// delivery callback does.
func (a *A) SetPublisher(pub Publisher) { a.pub = pub }

// SetProfiles late-binds the profile cache used to personalize thank-you
// posts.
func (a *A) SetProfiles(profiles *profile.C) { a.profiles = profiles }

// Stats returns a snapshot of the accountant counters.
func (a *A) Stats() Stats {
	return Stats{
		Receipts:     a.receipts.Load(),
		CreditedSats: a.creditedSat.Load(),
		Queries:      a.queries.Load(),
	}
}

// Cost returns the price in sats of answering a message of the given kind.
func Cost(evKind int) int64 {
	if evKind == kind.PublicPost {
		return CostPublic
	}
	return CostDM
}

// HandleReceipt settles one receipt event: parse, credit exactly once,
// persist, announce the new balance, and optionally thank the payer in
// public. Duplicates and unusable receipts are dropped.
func (a *A) HandleReceipt(ctx context.T, ev *nostr.Event) (err error) {
	if err = a.db.MarkProcessedOnce(ev.ID); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			log.D.F("receipt %s already settled, dropping", ev.ID)
			return nil
		}
		return
	}
	var rec *store.ZapReceipt
	if rec, err = ParseReceipt(ev); err != nil {
		log.W.F("dropping receipt %s: %v", ev.ID, err)
		return nil
	}
	var balance int64
	if balance, err = a.db.Credit(rec.Sender, rec.Amount); chk.E(err) {
		return
	}
	if err = a.db.SaveZapReceipt(rec); chk.E(err) {
		return
	}
	a.receipts.Inc()
	a.creditedSat.Add(rec.Amount)
	log.I.F("credited %d sats to %s, balance now %d", rec.Amount, rec.Sender, balance)
	a.Announce(ctx, rec.Sender, balance, rec.Amount)
	if a.thanks {
		a.thank(ctx, rec.Sender, rec.Amount)
	}
	return
}

// HandleBalanceQuery answers an ephemeral balance query with an ephemeral
// balance announcement addressed to the asker.
func (a *A) HandleBalanceQuery(ctx context.T, ev *nostr.Event) (err error) {
	a.queries.Inc()
	var rec *store.BalanceRecord
	if rec, err = a.db.Balance(ev.PubKey); chk.E(err) {
		return
	}
	a.Announce(ctx, ev.PubKey, rec.Balance, 0)
	return
}

// Announce publishes the ephemeral balance announcement for a principal.
// credited is non-zero right after a zap settles.
func (a *A) Announce(ctx context.T, principal string, balance, credited int64) {
	payload, err := json.Marshal(struct {
		Balance   int64  `json:"balance"`
		Credited  int64  `json:"credited,omitempty"`
		Currency  string `json:"currency"`
		Timestamp int64  `json:"timestamp"`
	}{balance, credited, "sats", time.Now().UnixMilli()})
	if chk.E(err) {
		return
	}
	ev := &nostr.Event{
		Kind:      kind.BalanceAnnouncement,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"p", principal},
			{"balance", strconv.FormatInt(balance, 10)},
		},
		Content: string(payload),
	}
	if err = a.sign.Sign(ev); chk.E(err) {
		return
	}
	a.pub.Publish(ctx, ev)
}

// thank posts a public acknowledgement mentioning the payer, by profile
// name when the cache knows them.
func (a *A) thank(ctx context.T, payer string, sats int64) {
	mention := payer
	if npub, err := nip19.EncodePublicKey(payer); err == nil {
		mention = "nostr:" + npub
	}
	if a.profiles != nil {
		if prof := a.profiles.Get(ctx, payer); prof != nil {
			if name := prof.DisplayName; name != "" {
				mention = name
			} else if prof.Name != "" {
				mention = prof.Name
			}
		}
	}
	ev := &nostr.Event{
		Kind:      kind.PublicPost,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", payer}},
		Content: fmt.Sprintf(
			"Thank you for the %d sat zap, %s! ⚡", sats, mention,
		),
	}
	if err := a.sign.Sign(ev); chk.E(err) {
		return
	}
	a.pub.Publish(ctx, ev)
}
