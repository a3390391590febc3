// Package memory is a complete in-process implementation of the
// backend collaborator. It backs the package tests and the "memory"
// backend config for offline runs. Realtime delivery is synchronous
// fan-out to subscribers; Replay and TriggerReconnect exist so tests
// can exercise the at-least-once and reconnect contracts.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
)

// Store is an in-memory backend.Client.
type Store struct {
	mu sync.Mutex

	currentUserID string
	users         map[string]backend.User

	messages []backend.Message
	nextMsg  int

	presence        map[string]backend.PresenceRecord
	presenceEnabled bool

	friendships    map[string]backend.Friendship
	nextFriendship int
	friendsEnabled bool

	blobs map[string][]byte

	createErr error

	nextSub    int
	msgSubs    map[int]msgSub
	presSubs   map[int]func(backend.PresenceRecord)
	friendSubs map[int]func(backend.Friendship)
}

type msgSub struct {
	filter  backend.MessageFilter
	handler backend.MessageHandler
}

// New creates an empty store with all features enabled.
func New() *Store {
	return &Store{
		users:           make(map[string]backend.User),
		presence:        make(map[string]backend.PresenceRecord),
		presenceEnabled: true,
		friendships:     make(map[string]backend.Friendship),
		friendsEnabled:  true,
		blobs:           make(map[string][]byte),
		msgSubs:         make(map[int]msgSub),
		presSubs:        make(map[int]func(backend.PresenceRecord)),
		friendSubs:      make(map[int]func(backend.Friendship)),
	}
}

// AddUser registers a user profile.
func (s *Store) AddUser(u backend.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
}

// SetCurrentUser sets the authenticated session user.
func (s *Store) SetCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUserID = userID
}

// DisablePresence makes presence operations report not-configured.
func (s *Store) DisablePresence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceEnabled = false
}

// DisableFriendships makes friendship operations report not-configured.
func (s *Store) DisableFriendships() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friendsEnabled = false
}

func (s *Store) CurrentUser(_ context.Context) (backend.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUserID == "" {
		return backend.User{}, backend.ErrUnauthenticated
	}
	u, ok := s.users[s.currentUserID]
	if !ok {
		return backend.User{}, backend.ErrUnauthenticated
	}
	return u, nil
}

func (s *Store) FindUserByID(_ context.Context, userID string) (*backend.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return &u, nil
	}
	return nil, nil
}

// SetCreateError makes subsequent CreateMessage calls fail with err;
// pass nil to restore normal behavior.
func (s *Store) SetCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *Store) CreateMessage(_ context.Context, m backend.Message) (backend.Message, error) {
	s.mu.Lock()
	if s.createErr != nil {
		err := s.createErr
		s.mu.Unlock()
		return backend.Message{}, err
	}
	s.nextMsg++
	m.ID = fmt.Sprintf("msg-%06d", s.nextMsg)
	s.messages = append(s.messages, m)
	subs := s.matchingSubs(m)
	s.mu.Unlock()

	for _, h := range subs {
		if h.OnCreate != nil {
			h.OnCreate(m)
		}
	}
	return m, nil
}

// Replay re-delivers an already-persisted message to subscribers
// without storing it again, simulating duplicate at-least-once
// delivery.
func (s *Store) Replay(m backend.Message) {
	s.mu.Lock()
	subs := s.matchingSubs(m)
	s.mu.Unlock()
	for _, h := range subs {
		if h.OnCreate != nil {
			h.OnCreate(m)
		}
	}
}

// Inject delivers a message event to subscribers AND stores it,
// bypassing id assignment. Tests use it to simulate another client's
// writes with controlled ids and timestamps.
func (s *Store) Inject(m backend.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	subs := s.matchingSubs(m)
	s.mu.Unlock()
	for _, h := range subs {
		if h.OnCreate != nil {
			h.OnCreate(m)
		}
	}
}

// DeleteOne removes a single message by id and notifies subscribers,
// simulating another client deleting one message.
func (s *Store) DeleteOne(id string) {
	s.mu.Lock()
	var target *backend.Message
	kept := s.messages[:0]
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := s.messages[i]
			target = &m
			continue
		}
		kept = append(kept, s.messages[i])
	}
	s.messages = kept
	if target == nil {
		s.mu.Unlock()
		return
	}
	type notify struct {
		h    backend.MessageHandler
		peer string
	}
	var notifies []notify
	for _, sub := range s.msgSubs {
		if !matches(sub.filter, *target) {
			continue
		}
		peer := target.PeerID
		if sub.filter.UserID != "" && target.PeerID == sub.filter.UserID {
			peer = target.SenderID
		}
		notifies = append(notifies, notify{h: sub.handler, peer: peer})
	}
	s.mu.Unlock()

	for _, n := range notifies {
		if n.h.OnDelete != nil {
			n.h.OnDelete(id, n.peer)
		}
	}
}

// InjectSilent stores a message without notifying subscribers,
// simulating a write that happened while the stream was down.
func (s *Store) InjectSilent(m backend.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

// TriggerReconnect fires the reconnect notification on all message
// subscriptions, simulating a transport drop and re-establishment.
func (s *Store) TriggerReconnect() {
	s.mu.Lock()
	var handlers []backend.MessageHandler
	for _, sub := range s.msgSubs {
		handlers = append(handlers, sub.handler)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		if h.OnReconnect != nil {
			h.OnReconnect()
		}
	}
}

func (s *Store) matchingSubs(m backend.Message) []backend.MessageHandler {
	var out []backend.MessageHandler
	for _, sub := range s.msgSubs {
		if matches(sub.filter, m) {
			out = append(out, sub.handler)
		}
	}
	return out
}

func matches(f backend.MessageFilter, m backend.Message) bool {
	if f.UserID != "" && m.SenderID != f.UserID && m.PeerID != f.UserID {
		return false
	}
	if f.PeerID != "" && !between(m, f.UserID, f.PeerID) {
		return false
	}
	return true
}

func between(m backend.Message, a, b string) bool {
	return (m.SenderID == a && m.PeerID == b) || (m.SenderID == b && m.PeerID == a)
}

func (s *Store) ListMessages(_ context.Context, peerA, peerB string, limit int) ([]backend.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.Message
	for _, m := range s.messages {
		if between(m, peerA, peerB) {
			out = append(out, m)
		}
	}
	sortBySentAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) ListAllMessagesForUser(_ context.Context, userID string, limit int) ([]backend.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.Message
	for _, m := range s.messages {
		if m.SenderID == userID || m.PeerID == userID {
			out = append(out, m)
		}
	}
	sortBySentAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func sortBySentAt(msgs []backend.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

func (s *Store) DeleteConversation(_ context.Context, peerA, peerB string) (int, error) {
	s.mu.Lock()
	var kept []backend.Message
	var deleted []backend.Message
	for _, m := range s.messages {
		if between(m, peerA, peerB) {
			deleted = append(deleted, m)
		} else {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	type notify struct {
		h          backend.MessageHandler
		id, peerID string
	}
	var notifies []notify
	for _, m := range deleted {
		for _, sub := range s.msgSubs {
			if !matches(sub.filter, m) {
				continue
			}
			// Hint the conversation partner relative to the subscriber.
			peer := m.PeerID
			if sub.filter.UserID != "" && m.PeerID == sub.filter.UserID {
				peer = m.SenderID
			}
			notifies = append(notifies, notify{h: sub.handler, id: m.ID, peerID: peer})
		}
	}
	s.mu.Unlock()

	for _, n := range notifies {
		if n.h.OnDelete != nil {
			n.h.OnDelete(n.id, n.peerID)
		}
	}
	return len(deleted), nil
}

func (s *Store) SubscribeMessages(_ context.Context, f backend.MessageFilter, h backend.MessageHandler) (func(), error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.msgSubs[id] = msgSub{filter: f, handler: h}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.msgSubs, id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) UpsertPresence(_ context.Context, rec backend.PresenceRecord) error {
	s.mu.Lock()
	if !s.presenceEnabled {
		s.mu.Unlock()
		return backend.ErrNotConfigured
	}
	s.presence[rec.UserID] = rec
	var subs []func(backend.PresenceRecord)
	for _, fn := range s.presSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
	return nil
}

func (s *Store) ListOnlinePeers(_ context.Context, window time.Duration) ([]backend.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.presenceEnabled {
		return nil, backend.ErrNotConfigured
	}
	cutoff := time.Now().Add(-window)
	var out []backend.PresenceRecord
	for _, rec := range s.presence {
		if rec.LastSeenAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) SubscribePresence(_ context.Context, onChange func(backend.PresenceRecord)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.presenceEnabled {
		return nil, backend.ErrNotConfigured
	}
	id := s.nextSub
	s.nextSub++
	s.presSubs[id] = onChange
	return func() {
		s.mu.Lock()
		delete(s.presSubs, id)
		s.mu.Unlock()
	}, nil
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// activeRecord returns the non-declined friendship for a pair, if any.
// Callers hold s.mu.
func (s *Store) activeRecord(a, b string) (backend.Friendship, bool) {
	key := pairKey(a, b)
	for _, f := range s.friendships {
		if pairKey(f.RequesterID, f.AddresseeID) == key && f.Status != backend.StatusDeclined {
			return f, true
		}
	}
	return backend.Friendship{}, false
}

func (s *Store) CreateFriendRequest(_ context.Context, requesterID, addresseeID string) (backend.Friendship, error) {
	s.mu.Lock()
	if !s.friendsEnabled {
		s.mu.Unlock()
		return backend.Friendship{}, backend.ErrNotConfigured
	}
	if _, exists := s.activeRecord(requesterID, addresseeID); exists {
		s.mu.Unlock()
		return backend.Friendship{}, backend.ErrConflict
	}
	s.nextFriendship++
	f := backend.Friendship{
		ID:          fmt.Sprintf("fr-%04d", s.nextFriendship),
		RequesterID: requesterID,
		AddresseeID: addresseeID,
		Status:      backend.StatusPending,
		RequestedAt: time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.friendships[f.ID] = f
	s.mu.Unlock()

	s.notifyFriendship(f)
	return f, nil
}

func (s *Store) setFriendshipStatus(id string, status backend.FriendshipStatus) (backend.Friendship, error) {
	s.mu.Lock()
	f, ok := s.friendships[id]
	if !ok {
		s.mu.Unlock()
		return backend.Friendship{}, fmt.Errorf("friendship %q not found", id)
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	s.friendships[id] = f
	s.mu.Unlock()
	s.notifyFriendship(f)
	return f, nil
}

func (s *Store) AcceptFriendRequest(_ context.Context, requestID string) error {
	_, err := s.setFriendshipStatus(requestID, backend.StatusAccepted)
	return err
}

func (s *Store) DeclineFriendRequest(_ context.Context, requestID string) error {
	_, err := s.setFriendshipStatus(requestID, backend.StatusDeclined)
	return err
}

func (s *Store) Block(_ context.Context, blockerID, blockedID string) error {
	s.mu.Lock()
	if !s.friendsEnabled {
		s.mu.Unlock()
		return backend.ErrNotConfigured
	}
	f, ok := s.activeRecord(blockerID, blockedID)
	if !ok {
		s.nextFriendship++
		f = backend.Friendship{
			ID:          fmt.Sprintf("fr-%04d", s.nextFriendship),
			RequestedAt: time.Now(),
		}
	}
	// The requester field of a blocked record holds the blocker.
	f.RequesterID = blockerID
	f.AddresseeID = blockedID
	f.Status = backend.StatusBlocked
	f.UpdatedAt = time.Now()
	s.friendships[f.ID] = f
	s.mu.Unlock()
	s.notifyFriendship(f)
	return nil
}

func (s *Store) Unblock(_ context.Context, blockerID, blockedID string) error {
	s.mu.Lock()
	f, ok := s.activeRecord(blockerID, blockedID)
	s.mu.Unlock()
	if !ok || f.Status != backend.StatusBlocked {
		return backend.ErrConflict
	}
	if f.RequesterID != blockerID {
		return backend.ErrConflict
	}
	_, err := s.setFriendshipStatus(f.ID, backend.StatusDeclined)
	return err
}

func (s *Store) Unfriend(_ context.Context, userID, friendID string) error {
	s.mu.Lock()
	f, ok := s.activeRecord(userID, friendID)
	s.mu.Unlock()
	if !ok || f.Status != backend.StatusAccepted {
		return backend.ErrConflict
	}
	_, err := s.setFriendshipStatus(f.ID, backend.StatusDeclined)
	return err
}

func (s *Store) listFriendships(match func(backend.Friendship) bool) []backend.Friendship {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.Friendship
	for _, f := range s.friendships {
		if match(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListFriends(_ context.Context, userID string) ([]backend.Friendship, error) {
	if !s.friendshipsEnabled() {
		return nil, backend.ErrNotConfigured
	}
	return s.listFriendships(func(f backend.Friendship) bool {
		return f.Status == backend.StatusAccepted && f.Involves(userID)
	}), nil
}

func (s *Store) ListPendingIncoming(_ context.Context, userID string) ([]backend.Friendship, error) {
	if !s.friendshipsEnabled() {
		return nil, backend.ErrNotConfigured
	}
	return s.listFriendships(func(f backend.Friendship) bool {
		return f.Status == backend.StatusPending && f.AddresseeID == userID
	}), nil
}

func (s *Store) ListOutgoing(_ context.Context, userID string) ([]backend.Friendship, error) {
	if !s.friendshipsEnabled() {
		return nil, backend.ErrNotConfigured
	}
	return s.listFriendships(func(f backend.Friendship) bool {
		return f.Status == backend.StatusPending && f.RequesterID == userID
	}), nil
}

func (s *Store) ListBlocked(_ context.Context, userID string) ([]backend.Friendship, error) {
	if !s.friendshipsEnabled() {
		return nil, backend.ErrNotConfigured
	}
	return s.listFriendships(func(f backend.Friendship) bool {
		return f.Status == backend.StatusBlocked && f.Involves(userID)
	}), nil
}

func (s *Store) friendshipsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.friendsEnabled
}

func (s *Store) SubscribeFriendships(_ context.Context, onChange func(backend.Friendship)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.friendsEnabled {
		return nil, backend.ErrNotConfigured
	}
	id := s.nextSub
	s.nextSub++
	s.friendSubs[id] = onChange
	return func() {
		s.mu.Lock()
		delete(s.friendSubs, id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) notifyFriendship(f backend.Friendship) {
	s.mu.Lock()
	var subs []func(backend.Friendship)
	for _, fn := range s.friendSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(f)
	}
}

func (s *Store) UploadBlobAndGetURL(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s-%d", name, len(s.blobs)+1)
	s.blobs[key] = data
	return "memory://blobs/" + key, nil
}

var _ backend.Client = (*Store)(nil)
