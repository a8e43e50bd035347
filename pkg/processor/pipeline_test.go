package processor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/ai"
	"zapai.dev/pkg/profile"
	"zapai.dev/pkg/protocol/kind"
	"zapai.dev/pkg/relay"
	"zapai.dev/pkg/signer"
	"zapai.dev/pkg/store"
	"zapai.dev/pkg/utils/context"
)

const alicePub = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

type stubModel struct {
	mu     sync.Mutex
	calls  int
	answer string
	err    error
}

func (m *stubModel) Reply(context.T, *ai.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.answer, m.err
}

func (m *stubModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type stubPublisher struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (p *stubPublisher) Publish(_ context.T, ev *nostr.Event) ([]relay.PublishResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return []relay.PublishResult{{URL: "wss://stub", OK: true}}, true
}

func (p *stubPublisher) published() []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*nostr.Event(nil), p.events...)
}

type stubFetcher struct{}

func (stubFetcher) FetchOne(context.T, nostr.Filter) *nostr.Event { return nil }

func testPipeline(t *testing.T) (p *P, db *store.D, model *stubModel, pub *stubPublisher) {
	t.Helper()
	ctx, cancel := context.Cancel(context.Bg())
	var err error
	db, err = store.New(ctx, cancel, t.TempDir(), "off")
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, db.Close())
	})
	sign, err := signer.New(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	model = &stubModel{answer: "here is your answer"}
	pub = &stubPublisher{}
	profiles := profile.New(ctx, stubFetcher{}, time.Minute, 5*time.Millisecond)
	acct := accounting.New(db, sign, pub, false)
	p = New(ctx, db, model, profiles, sign, pub, acct, Options{})
	return
}

func publicMention(id, content string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    alicePub,
		Kind:      kind.PublicPost,
		CreatedAt: nostr.Now(),
		Content:   content,
	}
}

func TestInsufficientFundsRefusesWithoutModelCall(t *testing.T) {
	p, db, model, pub := testPipeline(t)
	job := &Job{Event: publicMention("ev-broke", "tell me a joke"), Origin: store.OriginPublic}
	require.NoError(t, p.Process(context.Bg(), job))
	assert.Zero(t, model.callCount())
	evs := pub.published()
	require.NotEmpty(t, evs)
	assert.Contains(t, evs[0].Content, "Insufficient balance")
	rec, err := db.Balance(alicePub)
	require.NoError(t, err)
	assert.Zero(t, rec.Balance)
	assert.Equal(t, int64(1), p.Stats().Refusals)
}

func TestReplayedEventDebitsOnce(t *testing.T) {
	p, db, model, _ := testPipeline(t)
	_, err := db.Credit(alicePub, 10)
	require.NoError(t, err)
	ev := publicMention("ev-replay", "what is the weather like")
	require.NoError(t, p.Process(context.Bg(), &Job{Event: ev, Origin: store.OriginPublic}))
	rec, err := db.Balance(alicePub)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.Balance)
	require.Equal(t, 1, model.callCount())
	// the same event again, as delivered by another relay
	require.NoError(t, p.Process(context.Bg(), &Job{Event: ev, Origin: store.OriginPublic}))
	rec, err = db.Balance(alicePub)
	require.NoError(t, err)
	assert.Equal(t, int64(8), rec.Balance)
	assert.Equal(t, 1, model.callCount())
}

func TestRetryAfterStoreFailureIsNotSelfSuppressed(t *testing.T) {
	ctx, cancel := context.Cancel(context.Bg())
	defer cancel()
	dir := t.TempDir()
	broken, err := store.New(ctx, cancel, filepath.Join(dir, "a"), "off")
	require.NoError(t, err)
	require.NoError(t, broken.Close())
	healthy, err := store.New(ctx, cancel, filepath.Join(dir, "b"), "off")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, healthy.Close()) })
	sign, err := signer.New(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	model := &stubModel{answer: "eventually answered"}
	pub := &stubPublisher{}
	profiles := profile.New(ctx, stubFetcher{}, time.Minute, 5*time.Millisecond)
	acct := accounting.New(healthy, sign, pub, false)
	p := New(ctx, broken, model, profiles, sign, pub, acct, Options{})
	_, err = healthy.Credit(alicePub, 10)
	require.NoError(t, err)

	job := &Job{Event: publicMention("ev-retry", "remember me"), Origin: store.OriginPublic}
	require.Error(t, p.Process(context.Bg(), job))
	assert.False(t, job.appended)

	// the queue re-runs the same job once the store is back
	p.db = healthy
	require.NoError(t, p.Process(context.Bg(), job))
	assert.True(t, job.appended)
	history, err := healthy.AllHistory(alicePub, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "remember me", history[0].Text)
	assert.Equal(t, "eventually answered", history[1].Text)
	assert.Equal(t, 1, model.callCount())
}
