package store

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// BalanceRecord is the per-principal balance in sats.
type BalanceRecord struct {
	Pubkey      string `msgpack:"pubkey"`
	Balance     int64  `msgpack:"balance"`
	LastUpdated int64  `msgpack:"last_updated"` // unix ms
}

// ZapReceipt is the persisted form of a parsed receipt event.
type ZapReceipt struct {
	Sender      string `msgpack:"sender"`
	Amount      int64  `msgpack:"amount"` // sats
	RequestID   string `msgpack:"request_id,omitempty"`
	ReceiptID   string `msgpack:"receipt_id"`
	Invoice     string `msgpack:"invoice,omitempty"`
	Description string `msgpack:"description,omitempty"`
	Timestamp   int64  `msgpack:"timestamp"` // unix ms
}

// Balance returns the current balance record for a principal; a principal
// never seen before has a zero balance.
func (d *D) Balance(principal string) (rec *BalanceRecord, err error) {
	rec = &BalanceRecord{Pubkey: principal}
	err = d.DB.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(balanceKey(principal))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, rec)
		})
	})
	return
}

// Credit atomically adds sats to a principal's balance and returns the new
// balance. Racing credits serialize through the conflict-retrying update.
func (d *D) Credit(principal string, sats int64) (balance int64, err error) {
	err = d.update(func(txn *badger.Txn) (err error) {
		var rec BalanceRecord
		if err = readBalance(txn, principal, &rec); err != nil {
			return
		}
		rec.Pubkey = principal
		rec.Balance += sats
		rec.LastUpdated = nowMs()
		balance = rec.Balance
		return writeBalance(txn, principal, &rec)
	})
	return
}

// Debit atomically subtracts cost from a principal's balance. When the
// balance cannot cover the cost, nothing is written and
// ErrInsufficientFunds is returned along with the unchanged balance.
func (d *D) Debit(principal string, cost int64) (balance int64, err error) {
	err = d.update(func(txn *badger.Txn) (err error) {
		var rec BalanceRecord
		if err = readBalance(txn, principal, &rec); err != nil {
			return
		}
		if rec.Balance < cost {
			balance = rec.Balance
			return ErrInsufficientFunds
		}
		rec.Pubkey = principal
		rec.Balance -= cost
		rec.LastUpdated = nowMs()
		balance = rec.Balance
		return writeBalance(txn, principal, &rec)
	})
	return
}

// SaveZapReceipt persists a parsed receipt under the sender's key space.
func (d *D) SaveZapReceipt(rec *ZapReceipt) (err error) {
	if rec.Timestamp == 0 {
		rec.Timestamp = nowMs()
	}
	var buf []byte
	if buf, err = msgpack.Marshal(rec); err != nil {
		return
	}
	return d.update(func(txn *badger.Txn) error {
		return txn.Set(zapKey(rec.Sender, rec.Timestamp), buf)
	})
}

// ZapReceipts scans the receipts stored for a principal in time order.
func (d *D) ZapReceipts(principal string) (recs []ZapReceipt, err error) {
	prefix := []byte("zap:" + principal + ":")
	err = d.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec ZapReceipt
			if gerr := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); gerr != nil {
				return gerr
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return
}

func readBalance(txn *badger.Txn, principal string, rec *BalanceRecord) error {
	item, gerr := txn.Get(balanceKey(principal))
	if gerr == badger.ErrKeyNotFound {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, rec)
	})
}

func writeBalance(txn *badger.Txn, principal string, rec *BalanceRecord) error {
	buf, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(balanceKey(principal), buf)
}
