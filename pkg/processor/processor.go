// Package processor runs the per-message pipeline: decrypt, resolve the
// session, gate on the balance, call the model, and publish the reply. One
// Job is processed per queue slot; retries of the same Job skip the steps
// that already committed.
package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/atomic"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/ai"
	"zapai.dev/pkg/profile"
	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/signer"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

const (
	historyLimit   = 100
	fingerprintTTL = 5 * time.Minute
)

// Job is one message moving through the pipeline. The queue retries the
// same Job value, so commit points are recorded on it and not repeated.
type Job struct {
	Event  *nostr.Event
	Origin string // store.OriginDM | store.OriginPublic

	// retry bookkeeping
	plaintext     string
	session       string
	tagged        bool
	fingerprinted bool
	appended      bool
	userRecID     string
	debited       bool
	cost          int64
}

// Options configures the processor.
type Options struct {
	ResponseDelay time.Duration
}

// Model is the slice of the AI client the pipeline needs.
type Model interface {
	Reply(ctx context.T, req *ai.Request) (text string, err error)
}

// P is the processor.
type P struct {
	db       *store.D
	model    Model
	profiles *profile.C
	sign     *signer.S
	pub      accounting.Publisher
	acct     *accounting.A
	opts     Options
	prints   *fingerprints

	replies       *atomic.Int64
	balanceQs     *atomic.Int64
	refusals      *atomic.Int64
	decryptErrors *atomic.Int64
	storeErrors   *atomic.Int64
	publishErrors *atomic.Int64
}

// Stats is a snapshot for the status surface.
type Stats struct {
	Replies        int64 `json:"replies"`
	BalanceQueries int64 `json:"balanceQueries"`
	Refusals       int64 `json:"insufficientFunds"`
	DecryptErrors  int64 `json:"decryptErrors"`
	StoreErrors    int64 `json:"storeErrors"`
	PublishErrors  int64 `json:"publishErrors"`
}

// New wires a processor.
func New(
	ctx context.T, db *store.D, model Model, profiles *profile.C,
	sign *signer.S, pub accounting.Publisher, acct *accounting.A,
	opts Options,
) *P {
	return &P{
		db:            db,
		model:         model,
		profiles:      profiles,
		sign:          sign,
		pub:           pub,
		acct:          acct,
		opts:          opts,
		prints:        newFingerprints(ctx, fingerprintTTL),
		replies:       atomic.NewInt64(0),
		balanceQs:     atomic.NewInt64(0),
		refusals:      atomic.NewInt64(0),
		decryptErrors: atomic.NewInt64(0),
		storeErrors:   atomic.NewInt64(0),
		publishErrors: atomic.NewInt64(0),
	}
}

// SetPublisher late-binds the relay pool.
func (p *P) SetPublisher(pub accounting.Publisher) { p.pub = pub }

// SetProfiles late-binds the profile cache, which needs the relay pool.
func (p *P) SetProfiles(profiles *profile.C) { p.profiles = profiles }

// Stats returns a snapshot of the processor counters.
func (p *P) Stats() Stats {
	return Stats{
		Replies:        p.replies.Load(),
		BalanceQueries: p.balanceQs.Load(),
		Refusals:       p.refusals.Load(),
		DecryptErrors:  p.decryptErrors.Load(),
		StoreErrors:    p.storeErrors.Load(),
		PublishErrors:  p.publishErrors.Load(),
	}
}

// Process runs the pipeline for one job. Errors returned here put the job
// back on the queue; anything user-visible has already been attempted as a
// best-effort apology.
func (p *P) Process(ctx context.T, job *Job) (err error) {
	ev := job.Event
	principal := ev.PubKey

	// 1. plaintext
	if job.plaintext == "" {
		if job.plaintext, err = p.plaintext(ev, job.Origin); err != nil {
			p.decryptErrors.Inc()
			log.W.F("dropping undecryptable event %s from %s: %v", ev.ID, principal, err)
			return nil
		}
	}
	if strings.TrimSpace(job.plaintext) == "" {
		return nil
	}

	// 2. session resolution
	if job.session == "" {
		job.session, job.tagged = resolveSession(ev, job.Origin)
	}

	// 3. profile, bounded by the fast-path timeout inside the cache
	prof := p.profiles.Get(ctx, principal)

	// 4. cross-relay content dedup; recording is a commit point, or a
	// retried job would collide with its own first attempt
	if !job.fingerprinted {
		if p.prints.seen(principal, job.plaintext) {
			log.D.F("dropping duplicate content from %s", principal)
			return nil
		}
		job.fingerprinted = true
	}

	// 5. commit the user message and the processed marker atomically
	userRec := &store.MessageRecord{
		Text:      job.plaintext,
		Class:     store.ClassQuestion,
		EventID:   ev.ID,
		EventKind: ev.Kind,
		Profile:   prof,
	}
	if !job.appended {
		err = p.db.AppendUserMessage(principal, job.session, ev.ID, job.Origin, userRec)
		if err == store.ErrDuplicateEvent {
			log.D.F("event %s already processed, dropping", ev.ID)
			return nil
		}
		if chk.E(err) {
			p.storeErrors.Inc()
			return
		}
		job.appended = true
		job.userRecID = userRec.ID
	}

	// 6. balance questions are answered from the ledger, free of charge
	if IsBalanceQuery(job.plaintext) {
		p.balanceQs.Inc()
		return p.replyBalance(ctx, job, prof)
	}

	// 7. charge for the answer
	if !job.debited {
		job.cost = accounting.Cost(ev.Kind)
		var balance int64
		if balance, err = p.db.Debit(principal, job.cost); err != nil {
			if err == store.ErrInsufficientFunds {
				p.refusals.Inc()
				return p.replyBroke(ctx, job, balance)
			}
			p.storeErrors.Inc()
			return
		}
		job.debited = true
	}

	// 8. conversation history: the tagged session alone, or everything the
	// user ever said when the thread is synthetic
	var history []store.MessageRecord
	if job.tagged {
		history, err = p.db.SessionHistory(principal, job.session, historyLimit)
	} else {
		history, err = p.db.AllHistory(principal, historyLimit)
	}
	if chk.E(err) {
		p.storeErrors.Inc()
		return
	}

	// 9. the model call; fallback strings surface as a normal reply
	var answer string
	if answer, err = p.model.Reply(ctx, &ai.Request{
		Text:            job.plaintext,
		History:         history,
		Profile:         prof,
		ConversationKey: principal + ":" + job.session,
	}); err != nil {
		// a canceled task aborts quietly; the retry or the operator
		// deals with it
		if ctx.Err() == nil {
			p.apologize(ctx, job)
		}
		return
	}

	// 10. pacing
	if p.opts.ResponseDelay > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-time.After(p.opts.ResponseDelay):
		}
	}

	// 11. the reply event
	if err = p.reply(ctx, job, answer); err != nil {
		p.publishErrors.Inc()
		p.apologize(ctx, job)
		return
	}

	// 12. balance announcement after the debit
	if rec, berr := p.db.Balance(principal); berr == nil {
		p.acct.Announce(ctx, principal, rec.Balance, 0)
	}

	// 13. remember the answer
	if err = p.db.AppendBotMessage(principal, job.session, &store.MessageRecord{
		Text:    answer,
		Class:   store.ClassResponse,
		ReplyTo: job.userRecID,
	}); chk.E(err) {
		p.storeErrors.Inc()
		err = nil // the reply is out, do not redo the pipeline
	}
	p.replies.Inc()
	return
}

// plaintext recovers the message text: nip04 decryption for private
// messages, mention stripping for public ones.
func (p *P) plaintext(ev *nostr.Event, origin string) (text string, err error) {
	if origin == store.OriginDM {
		return p.sign.Decrypt(ev.Content, ev.PubKey)
	}
	return stripMentions(ev.Content), nil
}

// stripMentions removes nostr: URI mentions so the model sees the question
// and not the addressing.
func stripMentions(content string) string {
	fields := strings.Fields(content)
	kept := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "nostr:npub") || strings.HasPrefix(f, "nostr:nprofile") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// resolveSession picks the session id: an explicit session tag wins,
// otherwise the stable synthetic thread for the origin. Oversized session
// tags are treated as absent.
func resolveSession(ev *nostr.Event, origin string) (session string, tagged bool) {
	if tag := ev.Tags.GetFirst([]string{"session"}); tag != nil {
		if v := tag.Value(); v != "" && len(v) <= 120 {
			return v, true
		}
	}
	return store.SynthesizeSessionID(origin), false
}

// replyBalance answers a balance question from the ledger.
func (p *P) replyBalance(ctx context.T, job *Job, prof *store.ProfileSnapshot) (err error) {
	rec, berr := p.db.Balance(job.Event.PubKey)
	if chk.E(berr) {
		p.storeErrors.Inc()
		return berr
	}
	name := ""
	if prof != nil {
		if name = prof.DisplayName; name == "" {
			name = prof.Name
		}
	}
	var text string
	if name != "" {
		text = fmt.Sprintf("%s, your balance is %d sats. ⚡ Zap me to top up!", name, rec.Balance)
	} else {
		text = fmt.Sprintf("Your balance is %d sats. ⚡ Zap me to top up!", rec.Balance)
	}
	if err = p.reply(ctx, job, text); err != nil {
		p.publishErrors.Inc()
		return
	}
	p.acct.Announce(ctx, job.Event.PubKey, rec.Balance, 0)
	return p.db.AppendBotMessage(job.Event.PubKey, job.session, &store.MessageRecord{
		Text:  text,
		Class: store.ClassBalanceInfo,
	})
}

// replyBroke tells the user the answer costs more than they have.
func (p *P) replyBroke(ctx context.T, job *Job, balance int64) (err error) {
	text := fmt.Sprintf(
		"Insufficient balance: you have %d sats. Required: %d sats. "+
			"⚡ Zap this account any amount to top up, then ask again.",
		balance, job.cost,
	)
	if err = p.reply(ctx, job, text); err != nil {
		p.publishErrors.Inc()
		return
	}
	if rec, berr := p.db.Balance(job.Event.PubKey); berr == nil {
		p.acct.Announce(ctx, job.Event.PubKey, rec.Balance, 0)
	}
	return p.db.AppendBotMessage(job.Event.PubKey, job.session, &store.MessageRecord{
		Text:  text,
		Class: store.ClassSystem,
	})
}

// apologize sends a best-effort failure notice; its own errors are only
// logged.
func (p *P) apologize(ctx context.T, job *Job) {
	notice := "Sorry, something went wrong while handling your message. Please try again."
	if aerr := p.reply(ctx, job, notice); aerr != nil {
		log.D.F("failure notice to %s not delivered: %v", job.Event.PubKey, aerr)
	}
}

// reply builds, signs and publishes the answer event: an encrypted private
// message back to the sender, or a public threaded reply.
func (p *P) reply(ctx context.T, job *Job, text string) (err error) {
	ev := job.Event
	out := &nostr.Event{
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", ev.PubKey}},
	}
	if job.Origin == store.OriginDM {
		out.Kind = kind.PrivateMessage
		if job.tagged {
			out.Tags = append(out.Tags, nostr.Tag{"session", job.session})
		}
		if out.Content, err = p.sign.Encrypt(text, ev.PubKey); chk.E(err) {
			return
		}
	} else {
		out.Kind = kind.PublicPost
		out.Tags = append(out.Tags, nostr.Tag{"e", ev.ID, "", "reply"})
		out.Content = text
	}
	if err = p.sign.Sign(out); chk.E(err) {
		return
	}
	if _, delivered := p.pub.Publish(ctx, out); !delivered {
		err = fmt.Errorf("reply %s not accepted by any relay", out.ID)
	}
	return
}
