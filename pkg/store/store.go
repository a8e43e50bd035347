// Package store is the bot's durable state: session metadata and message
// logs, the processed-event set, per-user balances and zap receipts, all in
// a badger key/value store with msgpack-encoded records.
//
// Key layout:
//
//	session:meta:<principal>:<session-id>     session metadata
//	session:messages:<principal>:<session-id> message log, most recent 1000
//	user:sessions:<principal>                 session-id index, insertion order
//	event:processed:<event-id>                exactly-once marker
//	balance:<principal>                       balance record
//	zap:<principal>:<timestamp-ms>            zap receipt record
package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
)

var (
	// ErrDuplicateEvent is returned when an event-id already has a processed
	// marker; the caller must treat the event as already handled.
	ErrDuplicateEvent = errors.New("event already processed")
	// ErrInsufficientFunds is returned by Debit when the balance cannot
	// cover the cost.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// maxSessionMessages is the tail cap on each session's message log.
const maxSessionMessages = 1000

// txnRetries bounds the retry loop around badger's serializable-snapshot
// conflict errors. Conflicts occur when two workers race on the same
// principal's balance or session; retrying re-reads current state.
const txnRetries = 8

type D struct {
	ctx     context.T
	cancel  context.F
	dataDir string
	*badger.DB
}

// New opens (or creates) the store at dataDir. The caller owns the
// lifecycle: Close is explicit and must come after in-flight work has
// drained, so canceling ctx does not close the store.
func New(ctx context.T, cancel context.F, dataDir, logLevel string) (
	d *D, err error,
) {
	d = &D{ctx: ctx, cancel: cancel, dataDir: dataDir}
	if err = os.MkdirAll(dataDir, 0755); chk.E(err) {
		return
	}
	opts := badger.DefaultOptions(dataDir)
	opts.CompactL0OnClose = true
	opts.Logger = newBadgerLogger(logLevel)
	if d.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	log.D.F("store open at %s", dataDir)
	return
}

// Path returns the directory holding the store files.
func (d *D) Path() string { return d.dataDir }

// Sync flushes the store to disk.
func (d *D) Sync() (err error) {
	_ = d.DB.RunValueLogGC(0.5)
	return d.DB.Sync()
}

// Close releases the store.
func (d *D) Close() (err error) {
	if d.DB != nil {
		if err = d.DB.Close(); chk.E(err) {
			return
		}
	}
	return
}

// update runs fn in a read-write transaction, retrying on badger's conflict
// sentinel so racing read-modify-writes (concurrent credits on the same
// principal from two relays) serialize instead of losing updates.
func (d *D) update(fn func(txn *badger.Txn) error) (err error) {
	for i := 0; i < txnRetries; i++ {
		if err = d.DB.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return
		}
	}
	return
}

func nowMs() int64 { return time.Now().UnixMilli() }

func sessionMetaKey(principal, session string) []byte {
	return []byte(fmt.Sprintf("session:meta:%s:%s", principal, session))
}

func sessionMessagesKey(principal, session string) []byte {
	return []byte(fmt.Sprintf("session:messages:%s:%s", principal, session))
}

func userSessionsKey(principal string) []byte {
	return []byte(fmt.Sprintf("user:sessions:%s", principal))
}

func processedKey(eventID string) []byte {
	return []byte(fmt.Sprintf("event:processed:%s", eventID))
}

func balanceKey(principal string) []byte {
	return []byte(fmt.Sprintf("balance:%s", principal))
}

func zapKey(principal string, tsMs int64) []byte {
	return []byte(fmt.Sprintf("zap:%s:%d", principal, tsMs))
}
