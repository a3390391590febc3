package friends

import (
	"context"
	"fmt"
	"sync"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/bus"
	"go.uber.org/zap"
)

// Change is the payload for friends.changed events.
type Change struct {
	PeerID string
	State  State
}

type relation struct {
	state    State
	recordID string
	// blockerID records who blocked whom so only the blocker can
	// unblock.
	blockerID string
}

// Service caches friendship state per peer and keeps it fresh via the
// realtime subscription. It is the composition gate: the engine asks it
// before every send, because state can change mid-session.
type Service struct {
	be     backend.Client
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	mu       sync.RWMutex
	peers    map[string]relation
	disabled bool // collaborator reported not-configured

	unsub func()
}

// NewService creates the friendship service for the given local user.
func NewService(be backend.Client, selfID string, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		be:     be,
		bus:    b,
		logger: logger,
		selfID: selfID,
		peers:  make(map[string]relation),
	}
}

// Start loads the current relationship set and subscribes to changes.
// When the collaborator has no friendship feature the service degrades
// to a permissive no-op instead of failing the session.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		if backend.IsNotConfigured(err) {
			s.mu.Lock()
			s.disabled = true
			s.mu.Unlock()
			s.logger.Warn("friendships not configured, gate disabled")
			return nil
		}
		return err
	}

	unsub, err := s.be.SubscribeFriendships(ctx, s.handleChange)
	if err != nil {
		if backend.IsNotConfigured(err) {
			return nil
		}
		return err
	}
	s.unsub = unsub
	return nil
}

// Stop tears down the subscription.
func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// Refresh rebuilds the relationship cache from list operations.
func (s *Service) Refresh(ctx context.Context) error {
	friends, err := s.be.ListFriends(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}
	incoming, err := s.be.ListPendingIncoming(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("list pending incoming: %w", err)
	}
	outgoing, err := s.be.ListOutgoing(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("list outgoing: %w", err)
	}
	blocked, err := s.be.ListBlocked(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("list blocked: %w", err)
	}

	peers := make(map[string]relation)
	for _, set := range [][]backend.Friendship{friends, incoming, outgoing, blocked} {
		for _, f := range set {
			peers[f.Other(s.selfID)] = relationFromRecord(s.selfID, f)
		}
	}

	s.mu.Lock()
	s.peers = peers
	s.mu.Unlock()
	return nil
}

func relationFromRecord(selfID string, f backend.Friendship) relation {
	rel := relation{state: FromRecord(selfID, f), recordID: f.ID}
	if f.Status == backend.StatusBlocked {
		// The requester field of a blocked record holds the blocker.
		rel.blockerID = f.RequesterID
	}
	return rel
}

// StateFor returns the cached relationship state for a peer.
func (s *Service) StateFor(peerID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rel, ok := s.peers[peerID]; ok {
		return rel.state
	}
	return None
}

// Friends returns the peer ids of all accepted friendships.
func (s *Service) Friends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for peer, rel := range s.peers {
		if rel.state == Accepted {
			out = append(out, peer)
		}
	}
	return out
}

// CanMessage reports whether the local user may compose to the peer.
// With the feature disabled there is nothing to gate on.
func (s *Service) CanMessage(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disabled {
		return true
	}
	rel, ok := s.peers[peerID]
	return ok && CanMessage(rel.state)
}

// Request sends a friend request. Rejected locally when any
// non-declined record already exists for the pair; the backend enforces
// the same rule and returns ErrConflict on races.
func (s *Service) Request(ctx context.Context, peerID string) error {
	if s.isDisabled() {
		return backend.ErrNotConfigured
	}
	if err := checkTransition(s.StateFor(peerID), PendingOutgoing); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrConflict, err)
	}
	f, err := s.be.CreateFriendRequest(ctx, s.selfID, peerID)
	if err != nil {
		return err
	}
	s.apply(peerID, relationFromRecord(s.selfID, f))
	return nil
}

// Accept accepts the peer's pending incoming request.
func (s *Service) Accept(ctx context.Context, peerID string) error {
	rel, err := s.relationForTransition(peerID, Accepted)
	if err != nil {
		return err
	}
	if err := s.be.AcceptFriendRequest(ctx, rel.recordID); err != nil {
		return err
	}
	rel.state = Accepted
	s.apply(peerID, rel)
	return nil
}

// Decline declines the peer's pending incoming request.
func (s *Service) Decline(ctx context.Context, peerID string) error {
	rel, err := s.relationForTransition(peerID, None)
	if err != nil {
		return err
	}
	if err := s.be.DeclineFriendRequest(ctx, rel.recordID); err != nil {
		return err
	}
	s.apply(peerID, relation{state: None})
	return nil
}

// Block blocks the peer. Either party of any relationship may block.
func (s *Service) Block(ctx context.Context, peerID string) error {
	if _, err := s.relationForTransition(peerID, Blocked); err != nil {
		return err
	}
	if err := s.be.Block(ctx, s.selfID, peerID); err != nil {
		return err
	}
	s.apply(peerID, relation{state: Blocked, blockerID: s.selfID})
	return nil
}

// Unblock lifts a block the local user placed.
func (s *Service) Unblock(ctx context.Context, peerID string) error {
	rel, err := s.relationForTransition(peerID, None)
	if err != nil {
		return err
	}
	if rel.blockerID != "" && rel.blockerID != s.selfID {
		return fmt.Errorf("%w: blocked by peer", backend.ErrConflict)
	}
	if err := s.be.Unblock(ctx, s.selfID, peerID); err != nil {
		return err
	}
	s.apply(peerID, relation{state: None})
	return nil
}

// Unfriend removes an accepted friendship. Past history stays visible;
// only composition is affected.
func (s *Service) Unfriend(ctx context.Context, peerID string) error {
	if _, err := s.relationForTransition(peerID, None); err != nil {
		return err
	}
	if err := s.be.Unfriend(ctx, s.selfID, peerID); err != nil {
		return err
	}
	s.apply(peerID, relation{state: None})
	return nil
}

func (s *Service) relationForTransition(peerID string, to State) (relation, error) {
	if s.isDisabled() {
		return relation{}, backend.ErrNotConfigured
	}
	s.mu.RLock()
	rel, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		// No record for the pair reads as None, which still permits
		// transitions like blocking a stranger.
		rel = relation{state: None}
	}
	if err := checkTransition(rel.state, to); err != nil {
		return relation{}, fmt.Errorf("%w: %v", backend.ErrConflict, err)
	}
	return rel, nil
}

func (s *Service) isDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled
}

func (s *Service) apply(peerID string, rel relation) {
	s.mu.Lock()
	if rel.state == None {
		delete(s.peers, peerID)
	} else {
		s.peers[peerID] = rel
	}
	s.mu.Unlock()
	s.bus.Emit(bus.KindFriendsChanged, Change{PeerID: peerID, State: rel.state})
}

// handleChange ingests a realtime friendship event. Events not
// involving the local user are ignored; everything else updates the
// cache so the composition gate is re-checked against fresh state.
func (s *Service) handleChange(f backend.Friendship) {
	if !f.Involves(s.selfID) {
		return
	}
	peer := f.Other(s.selfID)
	state := FromRecord(s.selfID, f)
	if state == None {
		s.apply(peer, relation{state: None})
		return
	}
	s.apply(peer, relationFromRecord(s.selfID, f))
}
