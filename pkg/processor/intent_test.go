package processor

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/context"
)

func TestIsBalanceQuery(t *testing.T) {
	positive := []string{
		"balance",
		"balance?",
		"What is my balance?",
		"check my balance",
		"chek my balnce?",
		"show my wallet",
		"how much credit do I have?",
		"how many sats do i have left",
		"sats?",
	}
	for _, text := range positive {
		assert.True(t, IsBalanceQuery(text), "expected balance intent: %q", text)
	}
	negative := []string{
		"",
		"tell me about my profile",
		"what is my name?",
		"who am i",
		"do you have information about me?",
		"what is my nip05 identity?",
		"explain the lightning network",
		"wallet software recommendations please",
		"balance the equation 2x + 3 = 7",
		"show me stats",
		"what are your stats?",
	}
	for _, text := range negative {
		assert.False(t, IsBalanceQuery(text), "expected no balance intent: %q", text)
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("balance", "balance"))
	assert.Equal(t, 1, levenshtein("balnce", "balance"))
	assert.Equal(t, 2, levenshtein("blnce", "balance"))
	assert.Equal(t, 7, levenshtein("", "balance"))
}

func TestStripMentions(t *testing.T) {
	in := "nostr:npub1xyz hello there nostr:nprofile1abc how are you"
	assert.Equal(t, "hello there how are you", stripMentions(in))
}

func TestResolveSession(t *testing.T) {
	untagged := &nostr.Event{}
	s, tagged := resolveSession(untagged, store.OriginDM)
	assert.Equal(t, "dm", s)
	assert.False(t, tagged)
	s, tagged = resolveSession(untagged, store.OriginPublic)
	assert.Equal(t, "pub", s)
	assert.False(t, tagged)
	withTag := &nostr.Event{Tags: nostr.Tags{{"session", "abc123"}}}
	s, tagged = resolveSession(withTag, store.OriginDM)
	assert.Equal(t, "abc123", s)
	assert.True(t, tagged)
}

func TestFingerprintsSuppressRepeatsUntilTTL(t *testing.T) {
	ctx, cancel := context.Cancel(context.Bg())
	defer cancel()
	f := newFingerprints(ctx, 30*time.Millisecond)
	assert.False(t, f.seen("alice", "hello"))
	assert.True(t, f.seen("alice", "hello"))
	// different principal, same text
	assert.False(t, f.seen("bob", "hello"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, f.seen("alice", "hello"))
}
