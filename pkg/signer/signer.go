// Package signer holds the bot keypair, signs outbound events and performs
// the nip04 envelope encryption used by private messages.
package signer

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapai.dev/pkg/utils/chk"
)

// S owns the bot's secret key. Construct with New; the secret never leaves
// the package.
type S struct {
	sec string
	pub string
}

// New derives the public key from a hex secret key and returns the signer.
func New(secHex string) (s *S, err error) {
	var pub string
	if pub, err = nostr.GetPublicKey(secHex); chk.E(err) {
		return
	}
	s = &S{sec: secHex, pub: pub}
	return
}

// Pub returns the bot's public key in hex.
func (s *S) Pub() string { return s.pub }

// Npub returns the bot's public key in bech32 form.
func (s *S) Npub() (npub string) {
	npub, _ = nip19.EncodePublicKey(s.pub)
	return
}

// Sign computes the id and signature of ev in place.
func (s *S) Sign(ev *nostr.Event) (err error) {
	ev.PubKey = s.pub
	return ev.Sign(s.sec)
}

// Encrypt seals plaintext for the peer under the nip04 envelope scheme.
func (s *S) Encrypt(plain, peerPub string) (cipher string, err error) {
	var shared []byte
	if shared, err = nip04.ComputeSharedSecret(peerPub, s.sec); chk.E(err) {
		return
	}
	return nip04.Encrypt(plain, shared)
}

// Decrypt opens a nip04 envelope from the peer.
func (s *S) Decrypt(cipher, peerPub string) (plain string, err error) {
	var shared []byte
	if shared, err = nip04.ComputeSharedSecret(peerPub, s.sec); chk.E(err) {
		return
	}
	return nip04.Decrypt(cipher, shared)
}
