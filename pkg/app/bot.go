// Package app assembles the bot: store, signer, model client, relay pool,
// rate limiter, work queue, accountant, processor and dispatcher, plus the
// status web surface.
package app

import (
	"time"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/ai"
	"zapai.dev/pkg/app/config"
	"zapai.dev/pkg/dispatch"
	"zapai.dev/pkg/processor"
	"zapai.dev/pkg/profile"
	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/queue"
	"zapai.dev/pkg/ratelimit"
	"zapai.dev/pkg/relay"
	"zapai.dev/pkg/signer"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
	"zapai.dev/pkg/version"
)

// subscribedKinds is what the bot asks relays to deliver: private messages,
// public mentions, zap receipts and balance queries, all addressed to it.
var subscribedKinds = []int{
	kind.PrivateMessage, kind.PublicPost, kind.Receipt, kind.BalanceQuery,
}

// Bot is the assembled application.
type Bot struct {
	Ctx    context.T
	Cancel context.F
	Config *config.C

	DB       *store.D
	Sign     *signer.S
	Model    *ai.Client
	Profiles *profile.C
	Relays   *relay.S
	Limiter  *ratelimit.L
	Queue    *queue.Q
	Acct     *accounting.A
	Proc     *processor.P
	Disp     *dispatch.D

	started time.Time
}

// New wires every component together. The caller owns ctx; cancelling it
// stops the relay loops and background sweepers.
func New(
	ctx context.T, cancel context.F, cfg *config.C, db *store.D,
) (b *Bot, err error) {
	b = &Bot{
		Ctx:     ctx,
		Cancel:  cancel,
		Config:  cfg,
		DB:      db,
		started: time.Now(),
	}
	if b.Sign, err = signer.New(cfg.BotPrivateKey); chk.E(err) {
		return
	}
	if b.Model, err = ai.New(ctx, ai.Options{
		APIKey:         cfg.APIKey(),
		Model:          cfg.GeminiModel,
		BotName:        cfg.BotName,
		SessionReuse:   cfg.ChatSessionReuse,
		SessionTTL:     cfg.ChatSessionTTL(),
		MaxSessions:    cfg.MaxChatSessions,
		MemorySummary:  cfg.MemorySummary,
		MemorySummaryN: cfg.MemorySummaryMin,
	}); chk.E(err) {
		return
	}
	b.Limiter = ratelimit.New(ctx, cfg.RateLimitMaxTokens, cfg.RateLimitRefillRate)
	b.Queue = queue.New(ctx, cfg.MaxQueueSize, cfg.MaxConcurrent, cfg.QueueTimeout())
	b.Acct = accounting.New(db, b.Sign, nil, true)
	// the dispatcher is the relay pool's delivery callback, and the pool is
	// every publisher's transport, so the pool is built once the handler
	// exists and patched into the components that publish
	b.Proc = processor.New(
		ctx, db, b.Model, nil, b.Sign, nil, b.Acct,
		processor.Options{ResponseDelay: cfg.ResponseDelay()},
	)
	b.Disp = dispatch.New(
		b.Sign.Pub(), b.Queue, b.Limiter, b.Acct, b.Proc, b.Sign, nil,
	)
	b.Relays = relay.New(
		ctx, cfg.Relays, b.Sign.Pub(), subscribedKinds,
		cfg.PublishTimeout(), b.Disp.Handle,
	)
	b.Profiles = profile.New(
		ctx, b.Relays, cfg.MetadataCacheTTL(), cfg.MetadataFastTimeoutDur(),
	)
	b.Acct.SetPublisher(b.Relays)
	b.Proc.SetPublisher(b.Relays)
	b.Proc.SetProfiles(b.Profiles)
	b.Disp.SetPublisher(b.Relays)
	b.Disp.SetProfiles(b.Profiles)
	b.Acct.SetProfiles(b.Profiles)
	return
}

// Start opens the relay connections and the status web surface.
func (b *Bot) Start() {
	log.I.F(
		"%s %s starting as %s on %d relay(s)",
		b.Config.AppName, version.V, b.Sign.Npub(), len(b.Config.Relays),
	)
	b.Relays.Start()
	go b.serveWeb()
}

// Shutdown stops deliveries first, drains the queue while the store and
// relay connections are still usable, then tears down the sweepers and
// closes the store last.
func (b *Bot) Shutdown() {
	log.I.F("shutting down")
	b.Relays.Quiesce()
	b.Queue.Shutdown()
	b.Cancel()
	b.Limiter.Stop()
	chk.E(b.Model.Close())
	chk.E(b.DB.Close())
}
