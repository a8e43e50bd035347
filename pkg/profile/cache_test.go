package profile

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/utils/context"
)

type fakeFetcher struct {
	ev    *nostr.Event
	delay time.Duration
	calls int
}

func (f *fakeFetcher) FetchOne(ctx context.T, _ nostr.Filter) *nostr.Event {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil
		}
	}
	return f.ev
}

func metadataEvent(content string) *nostr.Event {
	return &nostr.Event{Kind: 0, Content: content}
}

func TestParseMetadata(t *testing.T) {
	p := parseMetadata(`{"name":"alice","display_name":"Alice","about":"dev","lud16":"alice@wallet.com"}`)
	require.NotNil(t, p)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "dev", p.About)
	assert.Equal(t, "alice@wallet.com", p.Lud16)
}

func TestParseMetadataCamelCaseDisplayName(t *testing.T) {
	p := parseMetadata(`{"displayName":"Bob"}`)
	require.NotNil(t, p)
	assert.Equal(t, "Bob", p.DisplayName)
}

func TestParseMetadataGarbage(t *testing.T) {
	assert.Nil(t, parseMetadata("not json"))
}

func TestGetCachesAfterFirstFetch(t *testing.T) {
	f := &fakeFetcher{ev: metadataEvent(`{"name":"alice"}`)}
	c := New(context.Bg(), f, time.Minute, 500*time.Millisecond)
	p := c.Get(context.Bg(), "pub1")
	require.NotNil(t, p)
	assert.Equal(t, "alice", p.Name)
	p = c.Get(context.Bg(), "pub1")
	require.NotNil(t, p)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestGetReturnsNilPastFastTimeout(t *testing.T) {
	f := &fakeFetcher{
		ev:    metadataEvent(`{"name":"slow"}`),
		delay: 200 * time.Millisecond,
	}
	c := New(context.Bg(), f, time.Minute, 20*time.Millisecond)
	assert.Nil(t, c.Get(context.Bg(), "pub1"))
	// the background fetch finishes and populates the cache
	assert.Eventually(t, func() bool {
		return c.Get(context.Bg(), "pub1") != nil
	}, 2*time.Second, 25*time.Millisecond)
}
