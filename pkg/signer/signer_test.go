package signer

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignProducesVerifiableEvent(t *testing.T) {
	s, err := New(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	ev := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Content:   "hello",
	}
	require.NoError(t, s.Sign(ev))
	assert.Equal(t, s.Pub(), ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := New(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	bob, err := New(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	cipher, err := alice.Encrypt("the sats are in the wallet", bob.Pub())
	require.NoError(t, err)
	plain, err := bob.Decrypt(cipher, alice.Pub())
	require.NoError(t, err)
	assert.Equal(t, "the sats are in the wallet", plain)
}

func TestNpubEncoding(t *testing.T) {
	s, err := New(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	assert.Contains(t, s.Npub(), "npub1")
}
