// Package profile resolves user metadata (kind 0) from the relay pool and
// caches it. Lookups on the request path use a short deadline and fall
// back to an empty profile; a background warm finishes the fetch so the
// next request hits the cache.
package profile

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

const maxCached = 4096

// Fetcher is the slice of the relay pool the cache needs.
type Fetcher interface {
	FetchOne(ctx context.T, filter nostr.Filter) *nostr.Event
}

// C is the metadata cache.
type C struct {
	ctx     context.T
	fetcher Fetcher
	ttl     time.Duration
	fastTO  time.Duration

	cache  *expirable.LRU[string, *store.ProfileSnapshot]
	flight singleflight.Group

	hits   *atomic.Int64
	misses *atomic.Int64
}

// Stats is a snapshot for the status surface.
type Stats struct {
	Cached int   `json:"cached"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// New creates a cache. ttl bounds how long a fetched profile is trusted;
// fastTimeout bounds how long the request path waits before answering
// without a profile.
func New(ctx context.T, fetcher Fetcher, ttl, fastTimeout time.Duration) *C {
	return &C{
		ctx:     ctx,
		fetcher: fetcher,
		ttl:     ttl,
		fastTO:  fastTimeout,
		cache:   expirable.NewLRU[string, *store.ProfileSnapshot](maxCached, nil, ttl),
		hits:    atomic.NewInt64(0),
		misses:  atomic.NewInt64(0),
	}
}

// Get returns the profile for pubkey, waiting at most the fast timeout for
// a relay round trip. A miss returns nil immediately after the deadline and
// leaves the fetch running in the background.
func (c *C) Get(ctx context.T, pubkey string) (p *store.ProfileSnapshot) {
	if cached, ok := c.cache.Get(pubkey); ok {
		c.hits.Inc()
		return cached
	}
	c.misses.Inc()
	done := make(chan *store.ProfileSnapshot, 1)
	go func() {
		res, _, _ := c.flight.Do(pubkey, func() (any, error) {
			return c.fetch(pubkey), nil
		})
		snap, _ := res.(*store.ProfileSnapshot)
		done <- snap
	}()
	select {
	case p = <-done:
	case <-time.After(c.fastTO):
		log.T.F("profile %s not ready within %v, continuing without", pubkey, c.fastTO)
	case <-ctx.Done():
	}
	return
}

// Warm fetches the profile in the background so a later Get hits the cache.
func (c *C) Warm(pubkey string) {
	if _, ok := c.cache.Get(pubkey); ok {
		return
	}
	go c.flight.Do(pubkey, func() (any, error) {
		return c.fetch(pubkey), nil
	})
}

// Stats returns a snapshot of the cache counters.
func (c *C) Stats() Stats {
	return Stats{Cached: c.cache.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// fetch performs the relay round trip and caches the result. Failures are
// not cached so the next request retries.
func (c *C) fetch(pubkey string) (p *store.ProfileSnapshot) {
	fctx, cancel := context.Timeout(c.ctx, 10*time.Second)
	defer cancel()
	ev := c.fetcher.FetchOne(fctx, nostr.Filter{
		Kinds:   []int{kind.Metadata},
		Authors: []string{pubkey},
		Limit:   1,
	})
	if ev == nil {
		return
	}
	if p = parseMetadata(ev.Content); p != nil {
		p.FetchedAt = time.Now().UnixMilli()
		c.cache.Add(pubkey, p)
	}
	return
}

// parseMetadata decodes the kind-0 content JSON, tolerating both camelCase
// and snake_case display name fields.
func parseMetadata(content string) (p *store.ProfileSnapshot) {
	var raw struct {
		Name         string `json:"name"`
		DisplayName  string `json:"display_name"`
		DisplayName2 string `json:"displayName"`
		About        string `json:"about"`
		Picture      string `json:"picture"`
		Nip05        string `json:"nip05"`
		Lud16        string `json:"lud16"`
		Lud06        string `json:"lud06"`
		Website      string `json:"website"`
		Banner       string `json:"banner"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		log.T.F("unparseable profile metadata: %v", err)
		return
	}
	display := raw.DisplayName
	if display == "" {
		display = raw.DisplayName2
	}
	return &store.ProfileSnapshot{
		Name:        raw.Name,
		DisplayName: display,
		About:       raw.About,
		Picture:     raw.Picture,
		Nip05:       raw.Nip05,
		Lud16:       raw.Lud16,
		Lud06:       raw.Lud06,
		Website:     raw.Website,
		Banner:      raw.Banner,
	}
}
