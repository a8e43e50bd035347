package store

import (
	"encoding/hex"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/frand"
)

// Message classifications.
const (
	ClassQuestion    = "question"
	ClassResponse    = "response"
	ClassBalanceInfo = "balance_info"
	ClassSystem      = "system"
)

// Session origins.
const (
	OriginDM     = "dm"
	OriginPublic = "public"
)

// SessionMeta is the metadata record for one (principal, session-id).
type SessionMeta struct {
	ID            string `msgpack:"id"`
	CreatedAt     int64  `msgpack:"created_at"`
	LastMessageAt int64  `msgpack:"last_message_at"`
	MessageCount  int    `msgpack:"message_count"`
	Origin        string `msgpack:"origin"`
	Label         string `msgpack:"label,omitempty"`
}

// ProfileSnapshot is a user profile as fetched from their metadata event.
type ProfileSnapshot struct {
	Name        string `msgpack:"name,omitempty"`
	DisplayName string `msgpack:"display_name,omitempty"`
	About       string `msgpack:"about,omitempty"`
	Picture     string `msgpack:"picture,omitempty"`
	Nip05       string `msgpack:"nip05,omitempty"`
	Lud16       string `msgpack:"lud16,omitempty"`
	Lud06       string `msgpack:"lud06,omitempty"`
	Website     string `msgpack:"website,omitempty"`
	Banner      string `msgpack:"banner,omitempty"`
	FetchedAt   int64  `msgpack:"fetched_at,omitempty"`
}

// MessageRecord is one entry in a session's append-only log.
type MessageRecord struct {
	ID        string           `msgpack:"id"`
	Direction string           `msgpack:"direction"` // user | bot
	Text      string           `msgpack:"text"`
	Timestamp int64            `msgpack:"timestamp"` // unix ms
	Class     string           `msgpack:"class"`
	ReplyTo   string           `msgpack:"reply_to,omitempty"`
	EventID   string           `msgpack:"event_id,omitempty"`
	EventKind int              `msgpack:"event_kind,omitempty"`
	Profile   *ProfileSnapshot `msgpack:"profile,omitempty"`
}

// ProcessedMarker records that an event-id has been consumed.
type ProcessedMarker struct {
	SessionID string `msgpack:"session_id"`
	Timestamp int64  `msgpack:"timestamp"`
}

// NewMessageID returns a fresh opaque message identifier.
func NewMessageID() string { return hex.EncodeToString(frand.Bytes(8)) }

// SynthesizeSessionID returns the stable session id used when a message
// carries no session tag: one synthetic thread per (principal, origin), so
// untagged follow-ups keep their conversational context.
func SynthesizeSessionID(origin string) string {
	if origin == OriginPublic {
		return "pub"
	}
	return "dm"
}

// AppendUserMessage stores rec in the session log, creates the session
// lazily, maintains the user-session index, and writes the processed-event
// marker for eventID — all in one transaction. If the marker already exists
// the transaction aborts with ErrDuplicateEvent and nothing is written.
// The record's ID and Timestamp are assigned here when empty.
func (d *D) AppendUserMessage(
	principal, session, eventID string, origin string, rec *MessageRecord,
) (err error) {
	if rec.ID == "" {
		rec.ID = NewMessageID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = nowMs()
	}
	rec.Direction = "user"
	err = d.update(func(txn *badger.Txn) (err error) {
		if eventID != "" {
			if _, err = txn.Get(processedKey(eventID)); err == nil {
				return ErrDuplicateEvent
			} else if err != badger.ErrKeyNotFound {
				return
			}
			var marker []byte
			if marker, err = msgpack.Marshal(&ProcessedMarker{
				SessionID: session, Timestamp: rec.Timestamp,
			}); err != nil {
				return
			}
			if err = txn.Set(processedKey(eventID), marker); err != nil {
				return
			}
		}
		return d.appendLocked(txn, principal, session, origin, rec)
	})
	return
}

// AppendBotMessage stores a bot-direction record in the session log.
func (d *D) AppendBotMessage(
	principal, session string, rec *MessageRecord,
) (err error) {
	if rec.ID == "" {
		rec.ID = NewMessageID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = nowMs()
	}
	rec.Direction = "bot"
	return d.update(func(txn *badger.Txn) error {
		return d.appendLocked(txn, principal, session, "", rec)
	})
}

// appendLocked appends rec inside txn, creating session metadata and the
// index entry as needed and truncating the log to its tail cap.
func (d *D) appendLocked(
	txn *badger.Txn, principal, session, origin string, rec *MessageRecord,
) (err error) {
	// session metadata, created lazily on first message
	meta := &SessionMeta{}
	metaKey := sessionMetaKey(principal, session)
	item, gerr := txn.Get(metaKey)
	switch gerr {
	case nil:
		if err = item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, meta)
		}); err != nil {
			return
		}
	case badger.ErrKeyNotFound:
		meta.ID = session
		meta.CreatedAt = rec.Timestamp
		meta.Origin = origin
	default:
		return gerr
	}
	// message log
	var msgs []MessageRecord
	msgsKey := sessionMessagesKey(principal, session)
	if item, gerr = txn.Get(msgsKey); gerr == nil {
		if err = item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &msgs)
		}); err != nil {
			return
		}
	} else if gerr != badger.ErrKeyNotFound {
		return gerr
	}
	msgs = append(msgs, *rec)
	if len(msgs) > maxSessionMessages {
		msgs = msgs[len(msgs)-maxSessionMessages:]
	}
	var buf []byte
	if buf, err = msgpack.Marshal(msgs); err != nil {
		return
	}
	if err = txn.Set(msgsKey, buf); err != nil {
		return
	}
	meta.LastMessageAt = rec.Timestamp
	meta.MessageCount = len(msgs)
	if buf, err = msgpack.Marshal(meta); err != nil {
		return
	}
	if err = txn.Set(metaKey, buf); err != nil {
		return
	}
	// user-session index, insertion order, de-duplicated
	var sessions []string
	idxKey := userSessionsKey(principal)
	if item, gerr = txn.Get(idxKey); gerr == nil {
		if err = item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &sessions)
		}); err != nil {
			return
		}
	} else if gerr != badger.ErrKeyNotFound {
		return gerr
	}
	present := false
	for _, s := range sessions {
		if s == session {
			present = true
			break
		}
	}
	if !present {
		sessions = append(sessions, session)
		if buf, err = msgpack.Marshal(sessions); err != nil {
			return
		}
		if err = txn.Set(idxKey, buf); err != nil {
			return
		}
	}
	return
}

// MarkProcessedOnce writes the processed marker for an event that is
// consumed outside a session log, such as a receipt. A second call for the
// same event-id returns ErrDuplicateEvent.
func (d *D) MarkProcessedOnce(eventID string) (err error) {
	return d.update(func(txn *badger.Txn) (err error) {
		if _, err = txn.Get(processedKey(eventID)); err == nil {
			return ErrDuplicateEvent
		} else if err != badger.ErrKeyNotFound {
			return
		}
		var marker []byte
		if marker, err = msgpack.Marshal(&ProcessedMarker{
			Timestamp: nowMs(),
		}); err != nil {
			return
		}
		return txn.Set(processedKey(eventID), marker)
	})
}

// IsProcessed reports whether an event-id already has a processed marker.
func (d *D) IsProcessed(eventID string) (processed bool, err error) {
	err = d.DB.View(func(txn *badger.Txn) error {
		_, gerr := txn.Get(processedKey(eventID))
		if gerr == nil {
			processed = true
			return nil
		}
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		return gerr
	})
	return
}

// SessionMeta returns the metadata for a session, or nil when it does not
// exist.
func (d *D) SessionMeta(principal, session string) (
	meta *SessionMeta, err error,
) {
	err = d.DB.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(sessionMetaKey(principal, session))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			meta = &SessionMeta{}
			return msgpack.Unmarshal(val, meta)
		})
	})
	return
}

// Sessions returns the session-id index for a principal in insertion order.
func (d *D) Sessions(principal string) (sessions []string, err error) {
	err = d.DB.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(userSessionsKey(principal))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &sessions)
		})
	})
	return
}

// SessionHistory returns up to limit most recent messages of one session in
// chronological order.
func (d *D) SessionHistory(principal, session string, limit int) (
	msgs []MessageRecord, err error,
) {
	err = d.DB.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(sessionMessagesKey(principal, session))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &msgs)
		})
	})
	if err != nil {
		return
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return
}

// AllHistory unions the message logs of every session of a principal,
// sorted by timestamp, truncated to the most recent limit entries.
func (d *D) AllHistory(principal string, limit int) (
	msgs []MessageRecord, err error,
) {
	var sessions []string
	if sessions, err = d.Sessions(principal); err != nil {
		return
	}
	for _, s := range sessions {
		var part []MessageRecord
		if part, err = d.SessionHistory(principal, s, 0); err != nil {
			return
		}
		msgs = append(msgs, part...)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return
}
