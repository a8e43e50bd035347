package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/utils/context"
)

func testStore(t *testing.T) *D {
	t.Helper()
	ctx, cancel := context.Cancel(context.Bg())
	d, err := New(ctx, cancel, t.TempDir(), "off")
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, d.Close())
	})
	return d
}

func TestCancelDoesNotCloseStore(t *testing.T) {
	ctx, cancel := context.Cancel(context.Bg())
	d, err := New(ctx, cancel, t.TempDir(), "off")
	require.NoError(t, err)
	cancel()
	// in-flight work keeps writing while a shutdown drains the queue;
	// only the explicit Close releases the store
	require.NoError(t, d.AppendUserMessage(
		"alice", "dm", "ev-late", OriginDM, &MessageRecord{Text: "late write"},
	))
	msgs, err := d.SessionHistory("alice", "dm", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	require.NoError(t, d.Close())
}

func TestAppendUserMessageIsIdempotentPerEvent(t *testing.T) {
	d := testStore(t)
	rec := &MessageRecord{Text: "hello", Class: ClassQuestion}
	require.NoError(t, d.AppendUserMessage("alice", "dm", "ev1", OriginDM, rec))
	dup := &MessageRecord{Text: "hello", Class: ClassQuestion}
	err := d.AppendUserMessage("alice", "dm", "ev1", OriginDM, dup)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	msgs, err := d.SessionHistory("alice", "dm", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	processed, err := d.IsProcessed("ev1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSessionMetadataTracksMessages(t *testing.T) {
	d := testStore(t)
	require.NoError(t, d.AppendUserMessage(
		"alice", "s1", "ev1", OriginDM, &MessageRecord{Text: "q1"},
	))
	require.NoError(t, d.AppendBotMessage(
		"alice", "s1", &MessageRecord{Text: "a1", Class: ClassResponse},
	))
	meta, err := d.SessionMeta("alice", "s1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "s1", meta.ID)
	assert.Equal(t, OriginDM, meta.Origin)
	assert.Equal(t, 2, meta.MessageCount)
	assert.GreaterOrEqual(t, meta.LastMessageAt, meta.CreatedAt)
}

func TestSessionIndexKeepsInsertionOrderWithoutDuplicates(t *testing.T) {
	d := testStore(t)
	for i, s := range []string{"s1", "s2", "s1", "s3"} {
		require.NoError(t, d.AppendUserMessage(
			"alice", s, fmt.Sprintf("ev%d", i), OriginDM,
			&MessageRecord{Text: "hi"},
		))
	}
	sessions, err := d.Sessions("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, sessions)
}

func TestAllHistoryUnionsSortedByTime(t *testing.T) {
	d := testStore(t)
	require.NoError(t, d.AppendUserMessage("alice", "s1", "ev1", OriginDM,
		&MessageRecord{Text: "first", Timestamp: 100}))
	require.NoError(t, d.AppendUserMessage("alice", "s2", "ev2", OriginDM,
		&MessageRecord{Text: "second", Timestamp: 200}))
	require.NoError(t, d.AppendUserMessage("alice", "s1", "ev3", OriginDM,
		&MessageRecord{Text: "third", Timestamp: 300}))
	msgs, err := d.AllHistory("alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
	assert.Equal(t, "third", msgs[2].Text)
	// tail cap
	msgs, err = d.AllHistory("alice", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Text)
}

func TestBalanceStartsAtZero(t *testing.T) {
	d := testStore(t)
	rec, err := d.Balance("nobody")
	require.NoError(t, err)
	assert.Zero(t, rec.Balance)
}

func TestCreditThenDebit(t *testing.T) {
	d := testStore(t)
	balance, err := d.Credit("alice", 21)
	require.NoError(t, err)
	assert.Equal(t, int64(21), balance)
	balance, err = d.Debit("alice", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(19), balance)
}

func TestDebitRefusesOverdraft(t *testing.T) {
	d := testStore(t)
	_, err := d.Credit("alice", 1)
	require.NoError(t, err)
	balance, err := d.Debit("alice", 2)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(1), balance)
	// nothing was written
	rec, err := d.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Balance)
}

func TestConcurrentCreditsAllLand(t *testing.T) {
	d := testStore(t)
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Credit("alice", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	rec, err := d.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), rec.Balance)
}

func TestMarkProcessedOnce(t *testing.T) {
	d := testStore(t)
	require.NoError(t, d.MarkProcessedOnce("receipt1"))
	assert.ErrorIs(t, d.MarkProcessedOnce("receipt1"), ErrDuplicateEvent)
}

func TestZapReceiptsRoundTripInTimeOrder(t *testing.T) {
	d := testStore(t)
	require.NoError(t, d.SaveZapReceipt(&ZapReceipt{
		Sender: "alice", Amount: 5, ReceiptID: "r1", Timestamp: 100,
	}))
	require.NoError(t, d.SaveZapReceipt(&ZapReceipt{
		Sender: "alice", Amount: 7, ReceiptID: "r2", Timestamp: 200,
	}))
	require.NoError(t, d.SaveZapReceipt(&ZapReceipt{
		Sender: "bob", Amount: 9, ReceiptID: "r3", Timestamp: 150,
	}))
	recs, err := d.ZapReceipts("alice")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5), recs[0].Amount)
	assert.Equal(t, int64(7), recs[1].Amount)
}

func TestSessionLogTruncatesToTail(t *testing.T) {
	d := testStore(t)
	for i := 0; i < maxSessionMessages+10; i++ {
		require.NoError(t, d.AppendBotMessage("alice", "s1", &MessageRecord{
			Text: fmt.Sprintf("m%d", i),
		}))
	}
	msgs, err := d.SessionHistory("alice", "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, maxSessionMessages)
	assert.Equal(t, "m10", msgs[0].Text)
}
