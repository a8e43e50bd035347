package accounting

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"zapai.dev/pkg/store"
)

// ErrUnusableReceipt marks receipts that carry no creditable amount or no
// attributable sender. They are logged and dropped, never credited.
var ErrUnusableReceipt = errors.New("receipt carries no usable amount or sender")

// zapRequest is the part of the embedded zap request (NIP-57 description
// tag) the accountant cares about.
type zapRequest struct {
	Pubkey string     `json:"pubkey"`
	Tags   nostr.Tags `json:"tags"`
}

// ParseReceipt extracts the creditable facts from a receipt event: who paid
// and how many whole sats. The amount comes from the millisat amount tag of
// the zap request embedded in the description tag, falling back to the
// receipt's own amount tag, truncated to sats; the sender is the request
// author, falling back to the receipt author. Zero-amount receipts return
// ErrUnusableReceipt.
func ParseReceipt(ev *nostr.Event) (rec *store.ZapReceipt, err error) {
	rec = &store.ZapReceipt{
		ReceiptID: ev.ID,
		Timestamp: ev.CreatedAt.Time().UnixMilli(),
	}
	if tag := ev.Tags.GetFirst([]string{"bolt11"}); tag != nil {
		rec.Invoice = tag.Value()
	}
	var req zapRequest
	if tag := ev.Tags.GetFirst([]string{"description"}); tag != nil {
		rec.Description = tag.Value()
		if jerr := json.Unmarshal([]byte(tag.Value()), &req); jerr == nil {
			rec.Sender = req.Pubkey
			if amt := req.Tags.GetFirst([]string{"amount"}); amt != nil {
				rec.Amount = millisatsToSats(amt.Value())
			}
		}
	}
	// some wallets put the amount tag on the receipt itself
	if rec.Amount == 0 {
		if tag := ev.Tags.GetFirst([]string{"amount"}); tag != nil {
			rec.Amount = millisatsToSats(tag.Value())
		}
	}
	if rec.Sender == "" {
		rec.Sender = ev.PubKey
	}
	if rec.Amount <= 0 || !nostr.IsValidPublicKey(rec.Sender) {
		return nil, ErrUnusableReceipt
	}
	return
}

// millisatsToSats truncates a decimal millisat string to whole sats;
// unparseable input yields zero.
func millisatsToSats(msats string) int64 {
	n, err := strconv.ParseInt(msats, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n / 1000
}
