package ai

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/atomic"
	"google.golang.org/api/option"
	"lukechampine.com/frand"

	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

const (
	// historyWindow is the maximum number of prior messages seeded into a
	// fresh chat session.
	historyWindow = 40
	// retry loop around the breaker-protected call: one initial attempt
	// plus two extras with capped exponential backoff.
	maxCallAttempts = 3
	maxBackoff      = 5 * time.Second
)

// fallbacks are the fixed user-facing apologies returned when the backend
// is unreachable after all retries.
var fallbacks = []string{
	"Sorry, I'm having trouble thinking right now. Please try again in a moment.",
	"My brain is briefly offline — give me a minute and ask again.",
	"I couldn't reach my language model just now. Please retry shortly.",
}

// Options configures the client from the environment table.
type Options struct {
	APIKey         string
	Model          string
	BotName        string
	SessionReuse   bool
	SessionTTL     time.Duration
	MaxSessions    int
	MemorySummary  bool
	MemorySummaryN int
	CallTimeout    time.Duration
}

// Request is one completion request from the processor.
type Request struct {
	Text    string
	History []store.MessageRecord
	Profile *store.ProfileSnapshot
	// ConversationKey is principal:session-id; empty disables session
	// reuse for this call.
	ConversationKey string
}

type chatSession struct {
	cs        *genai.ChatSession
	createdAt time.Time
	lastUsed  time.Time
}

// Client talks to the Gemini backend. One Client serves all conversations;
// chat sessions are cached per conversation key in a TTL'd LRU.
type Client struct {
	ai      *genai.Client
	opts    Options
	breaker *Breaker

	sessions *expirable.LRU[string, *chatSession]

	calls     *atomic.Int64
	failures  *atomic.Int64
	fallback  *atomic.Int64
	cacheHits *atomic.Int64
}

// Stats is a snapshot for the status surface.
type Stats struct {
	Calls          int64  `json:"calls"`
	Failures       int64  `json:"failures"`
	Fallbacks      int64  `json:"fallbacks"`
	CacheHits      int64  `json:"cacheHits"`
	CachedSessions int    `json:"cachedSessions"`
	BreakerState   string `json:"breakerState"`
}

// New dials the Gemini API and prepares the session cache and breaker.
func New(ctx context.T, opts Options) (c *Client, err error) {
	var ac *genai.Client
	if ac, err = genai.NewClient(ctx, option.WithAPIKey(opts.APIKey)); chk.E(err) {
		return
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 60 * time.Second
	}
	c = &Client{
		ai:   ac,
		opts: opts,
		// failureThreshold 3, one probe success closes, 10s reset
		breaker:   NewBreaker(3, 1, 10*time.Second, opts.CallTimeout),
		sessions:  expirable.NewLRU[string, *chatSession](opts.MaxSessions, nil, opts.SessionTTL),
		calls:     atomic.NewInt64(0),
		failures:  atomic.NewInt64(0),
		fallback:  atomic.NewInt64(0),
		cacheHits: atomic.NewInt64(0),
	}
	return
}

// Close releases the underlying API client.
func (c *Client) Close() (err error) { return c.ai.Close() }

// Breaker exposes the failure gate for the status surface.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Calls:          c.calls.Load(),
		Failures:       c.failures.Load(),
		Fallbacks:      c.fallback.Load(),
		CacheHits:      c.cacheHits.Load(),
		CachedSessions: c.sessions.Len(),
		BreakerState:   c.breaker.State().String(),
	}
}

// Reply produces the bot's answer to req. The call is wrapped in the
// breaker and retried with capped exponential backoff; an open breaker
// skips the retries entirely. When the backend stays unreachable a fixed
// apology string is returned with a nil error so the caller still answers
// the user. Cancellation surfaces as the context error instead.
func (c *Client) Reply(ctx context.T, req *Request) (text string, err error) {
	c.calls.Inc()
	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		err = c.breaker.Call(ctx, func(cctx context.T) (cerr error) {
			text, cerr = c.complete(cctx, req)
			return
		})
		if err == nil {
			return
		}
		// an open breaker rejects without a network call and stays open
		// far longer than any backoff here, so retrying is pointless
		if errors.Is(err, ErrBreakerOpen) {
			break
		}
		c.failures.Inc()
		if attempt == maxCallAttempts {
			break
		}
		backoff := time.Duration(1000*(1<<(attempt-1))) * time.Millisecond
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		log.D.F("ai call attempt %d failed (%v), backing off %v", attempt, err, backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		text = ""
		err = ctx.Err()
		return
	}
	log.W.F("ai call failed: %v", err)
	c.fallback.Inc()
	return fallbacks[frand.Intn(len(fallbacks))], nil
}

// complete runs one attempt against the backend.
func (c *Client) complete(ctx context.T, req *Request) (text string, err error) {
	cs := c.session(ctx, req)
	var resp *genai.GenerateContentResponse
	if resp, err = cs.cs.SendMessage(ctx, genai.Text(req.Text)); err != nil {
		// a dead remote conversation should not poison later calls
		if req.ConversationKey != "" {
			c.sessions.Remove(req.ConversationKey)
		}
		return
	}
	cs.lastUsed = time.Now()
	if text = responseText(resp); text == "" {
		err = fmt.Errorf("empty completion response")
	}
	return
}

// session returns the cached chat for the conversation key, or seeds a new
// one from the primer and recent history.
func (c *Client) session(ctx context.T, req *Request) (cs *chatSession) {
	reuse := c.opts.SessionReuse && req.ConversationKey != ""
	if reuse {
		if cached, ok := c.sessions.Get(req.ConversationKey); ok {
			c.cacheHits.Inc()
			// re-add so the TTL counts from last use, not insertion
			c.sessions.Add(req.ConversationKey, cached)
			return cached
		}
	}
	model := c.ai.GenerativeModel(c.opts.Model)
	primer := c.primer(req)
	if c.opts.MemorySummary && len(req.History) >= c.opts.MemorySummaryN {
		if summary, serr := c.summarize(ctx, req.History); serr == nil && summary != "" {
			primer += "\n\nWhat you remember about this user:\n" + summary
		}
	}
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(primer)},
	}
	chat := model.StartChat()
	chat.History = historyContents(req.History)
	cs = &chatSession{cs: chat, createdAt: time.Now(), lastUsed: time.Now()}
	if reuse {
		c.sessions.Add(req.ConversationKey, cs)
	}
	return
}

// primer builds the system instruction: identity, date, and whatever is
// known about the user.
func (c *Client) primer(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"You are %s, a helpful AI assistant living on the Nostr network. "+
			"Users pay small amounts of sats for your answers, so be useful "+
			"and concise. Today's date is %s.",
		c.opts.BotName, time.Now().Format("2006-01-02"),
	)
	if p := req.Profile; p != nil {
		name := p.DisplayName
		if name == "" {
			name = p.Name
		}
		if name != "" {
			fmt.Fprintf(&b, " You are talking to %s.", name)
		}
		if p.About != "" {
			fmt.Fprintf(&b, " Their profile says: %q.", p.About)
		}
	}
	return b.String()
}

// historyContents converts the most recent stored messages into chat turns.
func historyContents(history []store.MessageRecord) (out []*genai.Content) {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, m := range history {
		role := "user"
		if m.Direction == "bot" {
			role = "model"
		}
		// balance notices and system lines are bookkeeping, not
		// conversation
		if m.Class == store.ClassBalanceInfo || m.Class == store.ClassSystem {
			continue
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Text)},
		})
	}
	return
}

// summarize asks the model for a compact JSON memory of the conversation
// with low-temperature settings.
func (c *Client) summarize(ctx context.T, history []store.MessageRecord) (
	summary string, err error,
) {
	model := c.ai.GenerativeModel(c.opts.Model)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"
	var b strings.Builder
	b.WriteString(
		"Summarize this conversation as JSON with keys \"summary\", " +
			"\"facts\" and \"preferences\". Be brief.\n\n",
	)
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Direction, m.Text)
	}
	var resp *genai.GenerateContentResponse
	if resp, err = model.GenerateContent(ctx, genai.Text(b.String())); err != nil {
		return
	}
	summary = responseText(resp)
	return
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}
