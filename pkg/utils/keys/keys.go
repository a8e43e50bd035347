// Package keys decodes the bech32 and hex key forms accepted in
// configuration.
package keys

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapai.dev/pkg/utils/chk"
)

// DecodeNsecOrHex accepts either an nsec1… bech32 string or a 64-character
// hex secret key and returns the hex form.
func DecodeNsecOrHex(v string) (sk string, err error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "nsec1") {
		var prefix string
		var value any
		if prefix, value, err = nip19.Decode(v); chk.E(err) {
			return
		}
		if prefix != "nsec" {
			err = fmt.Errorf("unexpected bech32 prefix %q", prefix)
			return
		}
		sk = value.(string)
		return
	}
	if !nostr.IsValid32ByteHex(v) {
		err = fmt.Errorf("secret key is neither bech32 nsec nor 64 char hex")
		return
	}
	sk = v
	return
}

// DecodeNpubOrHex accepts either an npub1… bech32 string or a 64-character
// hex public key and returns the hex form.
func DecodeNpubOrHex(v string) (pk string, err error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "npub1") {
		var prefix string
		var value any
		if prefix, value, err = nip19.Decode(v); chk.E(err) {
			return
		}
		if prefix != "npub" {
			err = fmt.Errorf("unexpected bech32 prefix %q", prefix)
			return
		}
		pk = value.(string)
		return
	}
	if !nostr.IsValidPublicKey(v) {
		err = fmt.Errorf("public key is neither bech32 npub nor 64 char hex")
		return
	}
	pk = v
	return
}
