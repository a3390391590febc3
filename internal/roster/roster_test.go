package roster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/backend/memory"
	"github.com/rmonteiro98/papo/internal/bus"
	"github.com/rmonteiro98/papo/internal/friends"
	"github.com/rmonteiro98/papo/internal/presence"
	"github.com/rmonteiro98/papo/internal/store"
	"github.com/rmonteiro98/papo/internal/unread"
	"go.uber.org/zap"
)

type fixture struct {
	st   *memory.Store
	bus  *bus.Bus
	ctrl *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.AddUser(backend.User{ID: "u-me", UserID: "me", DisplayName: "Me"})
	st.AddUser(backend.User{ID: "u-alice", UserID: "alice", DisplayName: "Alice"})
	st.AddUser(backend.User{ID: "u-bob", UserID: "bob", DisplayName: "Bob"})
	st.SetCurrentUser("me")

	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	tracker, err := unread.NewTracker(db, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	self := backend.User{ID: "u-me", UserID: "me", DisplayName: "Me"}
	pt := presence.NewTracker(st, self, presence.Options{
		Heartbeat: 20 * time.Second,
		Poll:      10 * time.Second,
		Window:    120 * time.Second,
		Threshold: 60 * time.Second,
	}, b, zap.NewNop())

	fs := friends.NewService(st, "me", b, zap.NewNop())
	if err := fs.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fs.Stop)

	ctrl := NewController(st, "me", tracker, pt, fs, 20*time.Millisecond, b, zap.NewNop())
	return &fixture{st: st, bus: b, ctrl: ctrl}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.ctrl.Stop)
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

func (f *fixture) row(peerID string) (PeerSummary, bool) {
	for _, s := range f.ctrl.Entries() {
		if s.PeerID == peerID {
			return s, true
		}
	}
	return PeerSummary{}, false
}

func msgAt(id, peer, sender, body string, at time.Time) backend.Message {
	return backend.Message{
		ID: id, PeerID: peer, SenderID: sender,
		Kind: backend.KindText, Payload: body, SentAt: at,
	}
}

func TestRebuildFromHistory(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.st.Inject(msgAt("m1", "me", "alice", "hello", base))
	f.st.Inject(msgAt("m2", "alice", "me", "hi back", base.Add(time.Minute)))
	f.st.Inject(msgAt("m3", "me", "bob", "yo", base.Add(2*time.Minute)))

	f.start(t)

	a, ok := f.row("alice")
	if !ok {
		t.Fatal("no row for alice")
	}
	if a.Preview != "hi back" {
		t.Errorf("alice preview = %q, want newest message", a.Preview)
	}
	if a.Unread != 1 {
		t.Errorf("alice unread = %d, want 1 (own reply does not count)", a.Unread)
	}
	if a.DisplayName != "Alice" {
		t.Errorf("alice display name = %q, want hydrated profile", a.DisplayName)
	}

	b, ok := f.row("bob")
	if !ok {
		t.Fatal("no row for bob")
	}
	if b.Unread != 1 || b.Preview != "yo" {
		t.Errorf("bob row = %+v", b)
	}
}

func TestIncomingMessageIncrementsInactive(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.st.Inject(msgAt("m1", "me", "alice", "ping", time.Now()))
	waitFor(t, "alice row", func() bool {
		s, ok := f.row("alice")
		return ok && s.Unread == 1 && s.Preview == "ping"
	})

	f.st.Inject(msgAt("m2", "me", "alice", "ping again", time.Now()))
	waitFor(t, "second increment", func() bool {
		s, _ := f.row("alice")
		return s.Unread == 2
	})
}

func TestActiveConversationStaysRead(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.ctrl.SetActive("alice")

	f.st.Inject(msgAt("m1", "me", "alice", "ping", time.Now()))
	waitFor(t, "alice preview", func() bool {
		s, ok := f.row("alice")
		return ok && s.Preview == "ping"
	})

	if s, _ := f.row("alice"); s.Unread != 0 {
		t.Errorf("active conversation unread = %d, want 0", s.Unread)
	}
}

func TestOutOfOrderKeepsNewestPreview(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	now := time.Now()

	f.st.Inject(msgAt("m-new", "me", "alice", "newer", now))
	waitFor(t, "newer preview", func() bool {
		s, ok := f.row("alice")
		return ok && s.Preview == "newer"
	})

	// Older message delivered late must not steal the preview slot.
	f.st.Inject(msgAt("m-old", "me", "alice", "older", now.Add(-time.Minute)))
	waitFor(t, "unread bump", func() bool {
		s, _ := f.row("alice")
		return s.Unread == 2
	})
	if s, _ := f.row("alice"); s.Preview != "newer" {
		t.Errorf("preview = %q, want newest to win", s.Preview)
	}
}

func TestPresenceChangeSortsOnlineFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.st.Inject(msgAt("m1", "me", "alice", "a", base.Add(time.Minute)))
	f.st.Inject(msgAt("m2", "me", "bob", "b", base))
	f.start(t)

	// Bob has older activity but comes online.
	f.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{Online: []string{"bob"}})
	waitFor(t, "bob online", func() bool {
		s, ok := f.row("bob")
		return ok && s.Online
	})

	entries := f.ctrl.Entries()
	if len(entries) < 2 || entries[0].PeerID != "bob" {
		t.Errorf("order = %v, want online peer first", peerIDs(entries))
	}
}

func peerIDs(entries []PeerSummary) []string {
	out := make([]string, len(entries))
	for i, s := range entries {
		out[i] = s.PeerID
	}
	return out
}

func TestDeleteRecheckUpdatesPreview(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.st.Inject(msgAt("m1", "me", "alice", "first", base))
	f.st.Inject(msgAt("m2", "me", "alice", "second", base.Add(time.Minute)))
	f.start(t)

	// Clearing the conversation fires delete events; after the debounce
	// the row must reflect the re-queried state, here empty.
	if _, err := f.st.DeleteConversation(context.Background(), "me", "alice"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "row cleared", func() bool {
		s, ok := f.row("alice")
		return !ok || s.Preview == ""
	})
}

func TestDeleteOfNewestFallsBackToRemaining(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.st.Inject(msgAt("m1", "me", "alice", "first", base))
	f.st.Inject(msgAt("m2", "me", "alice", "bye", base.Add(time.Minute)))
	f.start(t)

	if s, _ := f.row("alice"); s.Preview != "bye" {
		t.Fatalf("preview = %q before delete", s.Preview)
	}

	f.st.DeleteOne("m2")
	waitFor(t, "preview recomputed", func() bool {
		s, ok := f.row("alice")
		return ok && s.Preview == "first"
	})
}

func TestSearchFiltersByNameAndPreview(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.st.Inject(msgAt("m1", "me", "alice", "lunch tomorrow?", base))
	f.st.Inject(msgAt("m2", "me", "bob", "see you", base.Add(time.Minute)))
	f.start(t)

	byName := f.ctrl.Search("ali")
	if len(byName) != 1 || byName[0].PeerID != "alice" {
		t.Errorf("search by name = %v", peerIDs(byName))
	}

	byPreview := f.ctrl.Search("LUNCH")
	if len(byPreview) != 1 || byPreview[0].PeerID != "alice" {
		t.Errorf("search by preview = %v", peerIDs(byPreview))
	}

	if got := f.ctrl.Search(""); len(got) != 2 {
		t.Errorf("empty query = %v, want all rows", peerIDs(got))
	}
}

func TestFriendWithoutHistoryGetsRow(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	alice := friends.NewService(f.st, "alice", bus.New(), zap.NewNop())
	if err := alice.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(alice.Stop)

	if err := alice.Request(context.Background(), "me"); err != nil {
		t.Fatal(err)
	}
	// Accept from our side so the friends.changed event carries Accepted.
	me := friends.NewService(f.st, "me", f.bus, zap.NewNop())
	if err := me.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(me.Stop)
	if err := me.Accept(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "friend row", func() bool {
		_, ok := f.row("alice")
		return ok
	})
}
