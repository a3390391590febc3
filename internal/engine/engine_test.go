package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/backend/memory"
	"github.com/rmonteiro98/papo/internal/bus"
	"github.com/rmonteiro98/papo/internal/friends"
	"github.com/rmonteiro98/papo/internal/status"
	"go.uber.org/zap"
)

type fixture struct {
	st      *memory.Store
	bus     *bus.Bus
	machine *status.Machine
	friends *friends.Service
	eng     *Engine
	events  <-chan bus.Event
}

// newFixture builds an engine for user "me" with alice already an
// accepted friend.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	st.AddUser(backend.User{ID: "u-me", UserID: "me", DisplayName: "Me"})
	st.AddUser(backend.User{ID: "u-alice", UserID: "alice", DisplayName: "Alice"})
	st.SetCurrentUser("me")

	b := bus.New()
	events, unsub := b.Subscribe("chat.", 64)
	t.Cleanup(unsub)

	fs := friends.NewService(st, "me", b, zap.NewNop())
	if err := fs.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fs.Stop)

	alice := friends.NewService(st, "alice", bus.New(), zap.NewNop())
	if err := alice.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(alice.Stop)
	if err := fs.Request(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Accept(ctx, "me"); err != nil {
		t.Fatal(err)
	}

	machine := status.NewMachine(b)
	if err := machine.Transition(status.Idle); err != nil {
		t.Fatal(err)
	}

	self := backend.User{ID: "u-me", UserID: "me", DisplayName: "Me"}
	eng := New(st, self, fs, machine, b, zap.NewNop())
	t.Cleanup(eng.Stop)

	return &fixture{st: st, bus: b, machine: machine, friends: fs, eng: eng, events: events}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func (f *fixture) selectAndWait(t *testing.T, peerID string) {
	t.Helper()
	if err := f.eng.Select(context.Background(), peerID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "live status", func() bool { return f.machine.Current() == status.Live })
}

func (f *fixture) waitEvent(t *testing.T, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-f.events:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func payloads(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

func TestSelectLoadsHistoryInOrder(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.st.Inject(backend.Message{ID: "h2", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "second", SentAt: base.Add(time.Minute)})
	f.st.Inject(backend.Message{ID: "h1", PeerID: "alice", SenderID: "me", Kind: backend.KindText, Payload: "first", SentAt: base})

	f.selectAndWait(t, "alice")

	msgs := f.eng.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Payload != "first" || msgs[1].Payload != "second" {
		t.Errorf("order = %v, want timestamp order regardless of fetch order", payloads(msgs))
	}
	if !msgs[0].Mine || msgs[1].Mine {
		t.Error("Mine flags wrong")
	}
	if msgs[0].State != Confirmed {
		t.Errorf("history message state = %s, want CONFIRMED", msgs[0].State)
	}
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")

	token, err := f.eng.SendText(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty correlation token")
	}

	waitFor(t, "confirmation", func() bool {
		msgs := f.eng.Messages()
		return len(msgs) == 1 && msgs[0].State == Confirmed
	})
	m := f.eng.Messages()[0]
	if m.ID == "" {
		t.Error("server id not adopted")
	}
	if m.Token != token {
		t.Error("correlation token lost on adoption")
	}
}

func TestSendGateRejectedWithoutNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")

	// Alice blocks mid-session; the gate must reject before any call.
	alice := friends.NewService(f.st, "alice", bus.New(), zap.NewNop())
	if err := alice.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(alice.Stop)
	if err := alice.Block(context.Background(), "me"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "gate flip", func() bool { return !f.friends.CanMessage("alice") })

	if _, err := f.eng.SendText(context.Background(), "should not go out"); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("err = %v, want ErrNotPermitted", err)
	}
	if got := f.eng.Messages(); len(got) != 0 {
		t.Errorf("rejected send left %d local entries", len(got))
	}
	all, _ := f.st.ListMessages(context.Background(), "me", "alice", 0)
	if len(all) != 0 {
		t.Errorf("rejected send reached the backend: %d messages", len(all))
	}
}

func TestSendFailureKeptNotRetried(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")
	f.st.SetCreateError(errors.New("write timeout"))

	token, err := f.eng.SendText(context.Background(), "doomed")
	if err != nil {
		t.Fatal(err)
	}

	evt := f.waitEvent(t, bus.KindSendFailed)
	failure, ok := evt.Payload.(bus.SendFailure)
	if !ok || failure.Token != token {
		t.Fatalf("failure payload = %+v", evt.Payload)
	}

	msgs := f.eng.Messages()
	if len(msgs) != 1 || msgs[0].State != Failed {
		t.Fatalf("messages = %+v, want one FAILED entry kept", msgs)
	}

	// Nothing retries on its own: the backend never sees the message.
	f.st.SetCreateError(nil)
	time.Sleep(50 * time.Millisecond)
	all, _ := f.st.ListMessages(context.Background(), "me", "alice", 0)
	if len(all) != 0 {
		t.Errorf("failed send was retried: %d messages in backend", len(all))
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")

	m := backend.Message{ID: "dup-1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "hi", SentAt: time.Now()}
	f.st.Inject(m)
	f.st.Replay(m)
	f.st.Replay(m)

	if got := f.eng.Messages(); len(got) != 1 {
		t.Errorf("got %d entries after redelivery, want 1", len(got))
	}
}

func TestOutOfOrderDeliverySortsByTimestamp(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")
	base := time.Now()

	// B arrives before A despite being sent after.
	f.st.Inject(backend.Message{ID: "b", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "B", SentAt: base.Add(time.Minute)})
	f.st.Inject(backend.Message{ID: "a", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "A", SentAt: base})

	msgs := f.eng.Messages()
	if len(msgs) != 2 || msgs[0].Payload != "A" || msgs[1].Payload != "B" {
		t.Errorf("order = %v, want [A B]", payloads(msgs))
	}
}

func TestEchoMergeKeepsPosition(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")
	now := time.Now()

	// A write still in flight: pending, no server id yet.
	f.eng.mu.Lock()
	f.eng.msgs = append(f.eng.msgs, Message{
		Token: "tok-1", PeerID: "alice", SenderID: "me",
		Kind: backend.KindText, Payload: "mine", SentAt: now,
		Mine: true, State: Pending,
	})
	f.eng.mu.Unlock()

	// A peer message lands after the pending entry.
	f.st.Inject(backend.Message{ID: "p1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "theirs", SentAt: now.Add(time.Second)})

	// The echo of our own write arrives with a later server timestamp;
	// it must fold into the existing entry without moving it.
	f.st.Inject(backend.Message{ID: "mine-id", PeerID: "alice", SenderID: "me", Kind: backend.KindText, Payload: "mine", SentAt: now.Add(2 * time.Second)})

	msgs := f.eng.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d entries, want 2 (echo merged, not appended)", len(msgs))
	}
	if msgs[0].Payload != "mine" || msgs[0].ID != "mine-id" {
		t.Errorf("first entry = %+v, want merged own message in original position", msgs[0])
	}
	if msgs[0].State != Confirmed {
		t.Errorf("merged entry state = %s, want CONFIRMED", msgs[0].State)
	}
}

func TestRaceDuplicateAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")
	now := time.Now()

	f.st.Inject(backend.Message{ID: "r1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "same", SentAt: now})
	// Same sender and payload within a second, different id: the
	// duplicate of a racy double-send, silently dropped.
	f.st.Inject(backend.Message{ID: "r2", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "same", SentAt: now.Add(300 * time.Millisecond)})
	// Outside the window it is a genuine repeat message.
	f.st.Inject(backend.Message{ID: "r3", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "same", SentAt: now.Add(5 * time.Second)})

	if got := f.eng.Messages(); len(got) != 2 {
		t.Errorf("got %d entries, want 2 (race twin absorbed)", len(got))
	}
}

func TestSelectSupersedesPrevious(t *testing.T) {
	f := newFixture(t)
	f.st.AddUser(backend.User{ID: "u-bob", UserID: "bob", DisplayName: "Bob"})
	base := time.Now().Add(-time.Hour)
	f.st.Inject(backend.Message{ID: "a1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "from alice", SentAt: base})
	f.st.Inject(backend.Message{ID: "b1", PeerID: "me", SenderID: "bob", Kind: backend.KindText, Payload: "from bob", SentAt: base})

	if err := f.eng.Select(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	f.selectAndWait(t, "bob")

	waitFor(t, "bob history", func() bool { return len(f.eng.Messages()) == 1 })
	msgs := f.eng.Messages()
	if msgs[0].Payload != "from bob" {
		t.Errorf("messages = %v, want only bob's conversation", payloads(msgs))
	}
	if f.eng.ActivePeer() != "bob" {
		t.Errorf("active peer = %q", f.eng.ActivePeer())
	}

	// Alice's events must no longer land here.
	f.st.Inject(backend.Message{ID: "a2", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "late", SentAt: time.Now()})
	time.Sleep(50 * time.Millisecond)
	if len(f.eng.Messages()) != 1 {
		t.Error("stale conversation event leaked into new selection")
	}
}

func TestDeleteRemovesById(t *testing.T) {
	f := newFixture(t)
	f.st.Inject(backend.Message{ID: "d1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "going away", SentAt: time.Now()})
	f.selectAndWait(t, "alice")

	if _, err := f.st.DeleteConversation(context.Background(), "me", "alice"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete applied", func() bool { return len(f.eng.Messages()) == 0 })

	evt := f.waitEvent(t, bus.KindMessageDeleted)
	ref, ok := evt.Payload.(bus.MessageRef)
	if !ok || ref.MessageID != "d1" {
		t.Errorf("delete payload = %+v", evt.Payload)
	}
}

func TestReconnectRefetchesHistory(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")

	// A message written while the stream was down is only visible via
	// the refetch.
	f.st.InjectSilent(backend.Message{ID: "missed", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "missed you", SentAt: time.Now()})
	f.st.TriggerReconnect()

	waitFor(t, "refetched history", func() bool {
		msgs := f.eng.Messages()
		return len(msgs) == 1 && f.machine.Current() == status.Live
	})
}

func TestRefetchFoldsUnacknowledgedSend(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")
	now := time.Now()

	// A write whose acknowledgement was lost: still pending locally,
	// already committed on the backend.
	f.eng.mu.Lock()
	f.eng.msgs = append(f.eng.msgs, Message{
		Token: "tok-lost", PeerID: "alice", SenderID: "me",
		Kind: backend.KindText, Payload: "hi", SentAt: now,
		Mine: true, State: Pending,
	})
	f.eng.mu.Unlock()
	f.st.InjectSilent(backend.Message{ID: "srv-1", PeerID: "alice", SenderID: "me", Kind: backend.KindText, Payload: "hi", SentAt: now})

	f.st.TriggerReconnect()
	waitFor(t, "pending entry confirmed", func() bool {
		for _, m := range f.eng.Messages() {
			if m.ID == "srv-1" {
				return true
			}
		}
		return false
	})

	msgs := f.eng.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d entries after refetch (%v), want exactly 1 for the single logical message", len(msgs), payloads(msgs))
	}
	if msgs[0].State != Confirmed || msgs[0].Token != "tok-lost" {
		t.Errorf("entry = %+v, want the pending write confirmed in place", msgs[0])
	}
}

func TestSelectNotifiesSelectionSink(t *testing.T) {
	f := newFixture(t)
	var calls []string
	f.eng.SetSelectionSink(func(peerID string) { calls = append(calls, peerID) })

	// The sink must fire before Select returns, not via the bus.
	if err := f.eng.Select(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "alice" {
		t.Fatalf("sink calls after Select = %v, want [alice]", calls)
	}

	f.eng.Deselect()
	if len(calls) != 2 || calls[1] != "" {
		t.Errorf("sink calls after Deselect = %v, want trailing empty peer", calls)
	}
}

func TestClearConversation(t *testing.T) {
	f := newFixture(t)
	f.st.Inject(backend.Message{ID: "c1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "one", SentAt: time.Now()})
	f.st.Inject(backend.Message{ID: "c2", PeerID: "alice", SenderID: "me", Kind: backend.KindText, Payload: "two", SentAt: time.Now()})
	f.selectAndWait(t, "alice")

	n, err := f.eng.ClearConversation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2 (both directions)", n)
	}
	if len(f.eng.Messages()) != 0 {
		t.Error("local state not reset")
	}
}

func TestSendAudio(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")

	token, err := f.eng.SendAudio(context.Background(), "note.webm", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "audio confirmed", func() bool {
		msgs := f.eng.Messages()
		return len(msgs) == 1 && msgs[0].State == Confirmed
	})
	m := f.eng.Messages()[0]
	if m.Kind != backend.KindAudio {
		t.Errorf("kind = %s, want audio", m.Kind)
	}
	if m.Payload == "" || m.Token != token {
		t.Errorf("entry = %+v, want blob URL payload", m)
	}
}

func TestSendWithoutSelection(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.SendText(context.Background(), "to nobody"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}
}

func TestViewportBadge(t *testing.T) {
	f := newFixture(t)
	f.selectAndWait(t, "alice")
	f.eng.SetAtBottom(false)

	f.st.Inject(backend.Message{ID: "v1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "scrolled away", SentAt: time.Now()})
	f.waitEvent(t, bus.KindJumpToLatest)
	if got := f.eng.UnseenCount(); got != 1 {
		t.Errorf("unseen = %d, want 1", got)
	}

	f.eng.JumpToLatest()
	if f.eng.UnseenCount() != 0 || !f.eng.AtBottom() {
		t.Error("jump-to-latest did not reset the viewport")
	}
}

func TestSeparatorIndices(t *testing.T) {
	f := newFixture(t)
	day1 := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	f.st.Inject(backend.Message{ID: "s1", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "a", SentAt: day1})
	f.st.Inject(backend.Message{ID: "s2", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "b", SentAt: day1.Add(time.Hour)})
	f.st.Inject(backend.Message{ID: "s3", PeerID: "me", SenderID: "alice", Kind: backend.KindText, Payload: "c", SentAt: day2})
	f.selectAndWait(t, "alice")

	got := f.eng.SeparatorIndices()
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("separators = %v, want [0 2]", got)
	}
	if label := f.eng.StickyLabel(0, day2); label != "Yesterday" {
		t.Errorf("sticky label = %q, want Yesterday", label)
	}
}
