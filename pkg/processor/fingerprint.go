package processor

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

// fingerprints suppresses re-delivery of identical plaintext from the same
// principal across relays, where the event ids differ but the content does
// not. Entries live for a short TTL and are swept in the background.
type fingerprints struct {
	ttl     time.Duration
	entries *xsync.MapOf[string, int64] // fingerprint -> expiry unix ms
}

const fingerprintSweep = time.Minute

func newFingerprints(ctx context.T, ttl time.Duration) (f *fingerprints) {
	f = &fingerprints{ttl: ttl, entries: xsync.NewMapOf[string, int64]()}
	go f.sweep(ctx)
	return
}

// seen records principal+text and reports whether it was already present
// and unexpired.
func (f *fingerprints) seen(principal, text string) bool {
	key := principal + ":" + text
	now := time.Now()
	expiry := now.Add(f.ttl).UnixMilli()
	prev, loaded := f.entries.LoadOrStore(key, expiry)
	if !loaded {
		return false
	}
	if prev < now.UnixMilli() {
		f.entries.Store(key, expiry)
		return false
	}
	return true
}

func (f *fingerprints) sweep(ctx context.T) {
	ticker := time.NewTicker(fingerprintSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			var swept int
			f.entries.Range(func(k string, expiry int64) bool {
				if expiry < now {
					f.entries.Delete(k)
					swept++
				}
				return true
			})
			if swept > 0 {
				log.T.F("swept %d expired content fingerprints", swept)
			}
		}
	}
}
