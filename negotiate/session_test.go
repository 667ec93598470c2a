package negotiate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusgate/grant"
	"focusgate/ledger"
	"focusgate/oracle"
	"focusgate/policy"
	"focusgate/store"
)

// fakeChat scripts the oracle boundary
type fakeChat struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   chan struct{} // when set, Chat waits before returning
	calls   int
	system  string
	history []oracle.Message
}

func (f *fakeChat) Chat(ctx context.Context, system string, messages []oracle.Message, onChunk func(string)) (string, string, error) {
	f.mu.Lock()
	f.calls++
	f.system = system
	f.history = messages
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return "", "test-model", f.err
	}
	if onChunk != nil {
		onChunk(f.reply)
	}
	return f.reply, "test-model", nil
}

type fixture struct {
	store   *store.Store
	grants  *grant.Manager
	proofs  *ledger.Ledger
	chat    *fakeChat
	events  chan Event
	session *Session
}

func newFixture(t *testing.T, domain string, chat *fakeChat) *fixture {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	events := make(chan Event, 64)
	f := &fixture{
		store:  s,
		grants: grant.NewManager(s),
		proofs: l,
		chat:   chat,
		events: events,
	}
	f.session = NewSession(SessionConfig{
		Domain:      domain,
		OriginalURL: "https://" + domain + "/article",
		Granter:     f.grants,
		Proofs:      l,
		Chat:        chat,
		EventChan:   events,
	})
	return f
}

func (f *fixture) drainEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSession_EndToEndNegotiatedGrant(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given - news.example.com blocked by the broader example.com rule
	chat := &fakeChat{reply: "Saw a sock photo.\nAPPROVED for 10 minutes"}
	f := newFixture(t, "news.example.com", chat)
	r.NoError(f.store.UpsertBlock(policy.Rule{Domain: "example.com"}))

	dec := policy.Resolve("news.example.com", f.store.BlockList(), f.store.AllowList(), time.Now())
	r.Equal(policy.Block, dec.Action)

	// when - the user submits justification plus a proof photo
	before := time.Now()
	outcome, err := f.session.Submit(context.Background(), Turn{
		Text:  "I folded all the laundry, photo attached.",
		Image: testPNG(t, 64, 64),
	})
	after := time.Now()

	// then - a ten-minute grant is installed
	r.NoError(err)
	a.True(outcome.Granted)
	a.Equal(Granted, outcome.State)
	r.NotNil(outcome.ExpiresAt)
	a.False(outcome.ExpiresAt.Before(before.Add(10 * time.Minute)))
	a.False(outcome.ExpiresAt.After(after.Add(10 * time.Minute)))

	rule, ok := policy.FindRule("news.example.com", f.store.AllowList())
	r.True(ok)
	a.Equal("news.example.com", rule.Domain)

	// the proof ledger records the outcome, image and all
	proofs, err := f.proofs.Proofs()
	r.NoError(err)
	r.Len(proofs, 1)
	a.True(strings.HasPrefix(proofs[0].Desc, "Saw a sock photo."))
	a.True(proofs[0].HadImage)
	a.Equal("news.example.com", proofs[0].Domain)
	r.NotNil(proofs[0].ApprovedMs)
	a.Equal(int64(600000), *proofs[0].ApprovedMs)
	a.Equal("test-model", proofs[0].Model)

	// subsequent resolution allows until expiry
	dec = policy.Resolve("news.example.com", f.store.BlockList(), f.store.AllowList(), time.Now())
	a.Equal(policy.Allow, dec.Action)

	// a grant event signaled the caller to resume navigation
	var granted bool
	for _, ev := range f.drainEvents() {
		if ev.Type == EventGranted {
			granted = true
		}
	}
	a.True(granted)
}

func TestSession_NoApprovalStaysOpen(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	chat := &fakeChat{reply: "What exactly do you need from that site?"}
	f := newFixture(t, "reddit.com", chat)

	outcome, err := f.session.Submit(context.Background(), Turn{Text: "I'm bored"})

	r.NoError(err)
	a.False(outcome.Granted)
	a.Equal(Open, f.session.State())
	a.Empty(f.store.AllowList())

	// the conversation retains seed, user turn, and assistant turn
	a.Len(f.session.History(), 3)
}

func TestSession_UnlimitedGrant(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	chat := &fakeChat{reply: "APPROVED unlimited"}
	f := newFixture(t, "docs.rs", chat)

	outcome, err := f.session.Submit(context.Background(), Turn{Text: "reference docs for work"})

	r.NoError(err)
	a.True(outcome.Granted)
	a.Nil(outcome.ExpiresAt)

	rule, ok := policy.FindRule("docs.rs", f.store.AllowList())
	r.True(ok)
	a.Nil(rule.ExpiresAt)

	proofs, err := f.proofs.Proofs()
	r.NoError(err)
	r.Len(proofs, 1)
	a.Nil(proofs[0].ApprovedMs)
	a.Nil(proofs[0].ApprovedUntil)
	a.False(proofs[0].HadImage)
}

func TestSession_BareApprovalUsesDefaultDuration(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	chat := &fakeChat{reply: "APPROVED"}
	f := newFixture(t, "x.com", chat)

	before := time.Now()
	outcome, err := f.session.Submit(context.Background(), Turn{Text: "quick check"})

	r.NoError(err)
	r.NotNil(outcome.ExpiresAt)
	a.False(outcome.ExpiresAt.Before(before.Add(DefaultGrantDuration)))
}

func TestSession_TransportErrorLeavesStateOpen(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	chat := &fakeChat{err: errors.New("connection refused")}
	f := newFixture(t, "reddit.com", chat)

	_, err := f.session.Submit(context.Background(), Turn{Text: "please"})

	// the failure surfaces as a visible error turn and the session can
	// retry; no implicit grant or denial
	r.Error(err)
	a.Equal(Open, f.session.State())
	a.Empty(f.store.AllowList())

	var sawError bool
	for _, ev := range f.drainEvents() {
		if ev.Type == EventError {
			sawError = true
		}
	}
	a.True(sawError)

	// retry works
	chat.err = nil
	chat.reply = "APPROVED for 1 minute"
	outcome, err := f.session.Submit(context.Background(), Turn{Text: "please, it is for work"})
	r.NoError(err)
	a.True(outcome.Granted)
}

func TestSession_NotConfiguredSurfaces(t *testing.T) {
	chat := &fakeChat{err: oracle.ErrNotConfigured}
	f := newFixture(t, "reddit.com", chat)

	_, err := f.session.Submit(context.Background(), Turn{Text: "please"})

	assert.ErrorIs(t, err, oracle.ErrNotConfigured)
	assert.Equal(t, Open, f.session.State())
}

func TestSession_SecondTurnWhileInFlight(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	block := make(chan struct{})
	chat := &fakeChat{reply: "thinking...", block: block}
	f := newFixture(t, "reddit.com", chat)

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Submit(context.Background(), Turn{Text: "first"})
		done <- err
	}()

	// wait until the first turn is in flight
	r.Eventually(func() bool { return f.session.State() == AwaitingOracle }, time.Second, 5*time.Millisecond)

	// a second turn is rejected rather than reordering the conversation
	_, err := f.session.Submit(context.Background(), Turn{Text: "second"})
	a.ErrorIs(err, ErrTurnInFlight)

	close(block)
	r.NoError(<-done)
}

func TestSession_CloseDiscardsInFlightReply(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	block := make(chan struct{})
	chat := &fakeChat{reply: "APPROVED for 10 minutes", block: block}
	f := newFixture(t, "reddit.com", chat)

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Submit(context.Background(), Turn{Text: "please"})
		done <- err
	}()
	r.Eventually(func() bool { return f.session.State() == AwaitingOracle }, time.Second, 5*time.Millisecond)

	// when - the tab is abandoned, then the approval arrives late
	f.session.Close()
	close(block)

	// then - no retroactive grant
	err := <-done
	a.ErrorIs(err, ErrSessionOver)
	a.Equal(Closed, f.session.State())
	a.Empty(f.store.AllowList())

	proofs, perr := f.proofs.Proofs()
	r.NoError(perr)
	a.Empty(proofs)
}

func TestSession_SubmitAfterTerminalState(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	chat := &fakeChat{reply: "APPROVED for 1 minute"}
	f := newFixture(t, "x.com", chat)

	_, err := f.session.Submit(context.Background(), Turn{Text: "work"})
	r.NoError(err)

	_, err = f.session.Submit(context.Background(), Turn{Text: "more"})
	a.ErrorIs(err, ErrSessionOver)
}

func TestSession_EmptyTurnRejected(t *testing.T) {
	chat := &fakeChat{}
	f := newFixture(t, "x.com", chat)

	_, err := f.session.Submit(context.Background(), Turn{})
	assert.ErrorIs(t, err, ErrEmptyTurn)
	assert.Zero(t, chat.calls)
}

func TestSession_SeedCarriesDomainAndProofContext(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given - a prior approval already on record
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), 0)
	r.NoError(err)
	defer l.Close()
	r.NoError(l.AppendProof(ledger.ProofEntry{
		Timestamp: time.Now(), Domain: "x.com", Desc: "Finished the quarterly report.",
	}))

	s, err := store.Open(t.TempDir())
	r.NoError(err)
	chat := &fakeChat{reply: "noted"}
	session := NewSession(SessionConfig{
		Domain:  "reddit.com",
		Granter: grant.NewManager(s),
		Proofs:  l,
		Chat:    chat,
	})

	// when
	_, err = session.Submit(context.Background(), Turn{Text: "hello"})
	r.NoError(err)

	// then - the seed turn names the domain and the ledger context
	seed := chat.history[0].Content[0].Text
	a.Contains(seed, `"reddit.com"`)
	a.Contains(seed, "Finished the quarterly report.")

	// and the adjudication policy went along as the system prompt
	a.Contains(chat.system, "APPROVED")
	a.Contains(chat.system, "photographic proof")
}

func TestSession_ImageTurnCarriesTimestamp(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	chat := &fakeChat{reply: "Looks recent. What else?"}
	f := newFixture(t, "x.com", chat)

	takenAt := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)
	_, err := f.session.Submit(context.Background(), Turn{
		Text:         "proof attached",
		Image:        testPNG(t, 32, 32),
		ImageTakenAt: takenAt,
	})
	r.NoError(err)

	// the submitted turn carries an image block plus its acquisition time
	last := chat.history[len(chat.history)-1]
	a.True(oracle.HasImage([]oracle.Message{last}))

	var stamped bool
	for _, b := range last.Content {
		if b.Type == oracle.BlockTypeText && strings.Contains(b.Text, takenAt.Format(time.RFC3339)) {
			stamped = true
		}
	}
	a.True(stamped)
}
