// Package roster maintains the conversation list: one entry per peer
// with display profile, online flag, last-message preview and unread
// count. It watches the full message stream for the local user (not
// just the active conversation) so every row stays current, and
// coalesces delete bursts into a single last-message re-query per peer.
package roster

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/bus"
	"github.com/rmonteiro98/papo/internal/friends"
	"github.com/rmonteiro98/papo/internal/presence"
	"github.com/rmonteiro98/papo/internal/unread"
	"go.uber.org/zap"
)

// PeerSummary is one row of the conversation list.
type PeerSummary struct {
	PeerID      string
	DisplayName string
	AvatarURL   string
	Online      bool
	Preview     string
	LastAt      time.Time
	Unread      int
}

type entry struct {
	displayName string
	avatarURL   string
	online      bool
	preview     string
	lastAt      time.Time
	hydrated    bool
}

// Controller builds and maintains the conversation list.
type Controller struct {
	be       backend.Client
	bus      *bus.Bus
	logger   *zap.Logger
	tracker  *unread.Tracker
	presence *presence.Tracker
	friends  *friends.Service
	selfID   string
	debounce time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	active  string
	pending map[string]*time.Timer

	unsub     func()
	busUnsub  func()
	cancel    context.CancelFunc
	recheckWG sync.WaitGroup
}

// NewController creates the roster controller. debounce is the delete
// coalescing window.
func NewController(be backend.Client, selfID string, tracker *unread.Tracker, pt *presence.Tracker, fs *friends.Service, debounce time.Duration, b *bus.Bus, logger *zap.Logger) *Controller {
	return &Controller{
		be:       be,
		bus:      b,
		logger:   logger,
		tracker:  tracker,
		presence: pt,
		friends:  fs,
		selfID:   selfID,
		debounce: debounce,
		entries:  make(map[string]*entry),
		pending:  make(map[string]*time.Timer),
	}
}

// Start rebuilds the list from history, then keeps it fresh through a
// message subscription scoped to the local user and the presence and
// friendship events on the bus.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.Rebuild(ctx); err != nil {
		return err
	}

	unsub, err := c.be.SubscribeMessages(ctx, backend.MessageFilter{UserID: c.selfID}, backend.MessageHandler{
		OnCreate: func(m backend.Message) { c.applyMessage(m) },
		OnDelete: func(id, peerID string) { c.scheduleRecheck(ctx, peerID) },
		OnReconnect: func() {
			if err := c.Rebuild(ctx); err != nil {
				c.logger.Error("roster rebuild after reconnect failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}
	c.unsub = unsub

	events, busUnsub := c.bus.Subscribe("", 64)
	c.busUnsub = busUnsub
	go c.consume(ctx, events)
	return nil
}

// Stop tears down subscriptions and cancels pending rechecks.
func (c *Controller) Stop() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	if c.busUnsub != nil {
		c.busUnsub()
		c.busUnsub = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for peer, timer := range c.pending {
		if timer.Stop() {
			c.recheckWG.Done()
		}
		delete(c.pending, peer)
	}
	c.mu.Unlock()
	c.recheckWG.Wait()
}

func (c *Controller) consume(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindPresenceChanged:
				if change, ok := evt.Payload.(bus.PresenceChange); ok {
					c.applyPresence(ctx, change)
				}
			case bus.KindFriendsChanged:
				if change, ok := evt.Payload.(friends.Change); ok {
					c.applyFriendsChange(ctx, change)
				}
			case bus.KindSelected:
				if peerID, ok := evt.Payload.(string); ok {
					c.SetActive(peerID)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Rebuild derives the whole list from scratch: full history for the
// local user, recomputed against persisted watermarks, merged with the
// friend set and the online set so peers without messages still get a
// row.
func (c *Controller) Rebuild(ctx context.Context) error {
	msgs, err := c.be.ListAllMessagesForUser(ctx, c.selfID, 0)
	if err != nil {
		return err
	}
	summaries := unread.Recompute(c.selfID, msgs, c.tracker.Watermarks())

	entries := make(map[string]*entry)
	for peer, s := range summaries {
		entries[peer] = &entry{preview: s.Preview, lastAt: s.LastAt}
		count := s.Count
		if peer == c.activePeer() {
			count = 0
		}
		c.tracker.SetCount(peer, count)
	}
	for _, peer := range c.friends.Friends() {
		if _, ok := entries[peer]; !ok {
			entries[peer] = &entry{}
		}
	}
	for peer := range c.presence.OnlineSet() {
		if _, ok := entries[peer]; !ok {
			entries[peer] = &entry{}
		}
		entries[peer].online = true
	}

	c.mu.Lock()
	// Carry over profiles already hydrated.
	for peer, e := range entries {
		if old, ok := c.entries[peer]; ok && old.hydrated {
			e.displayName, e.avatarURL, e.hydrated = old.displayName, old.avatarURL, true
		}
	}
	c.entries = entries
	c.mu.Unlock()

	for peer := range entries {
		c.hydrate(ctx, peer)
	}
	c.bus.Emit(bus.KindRosterUpdated, nil)
	return nil
}

// hydrate fills in display name and avatar for a peer, preferring the
// user profile and falling back to the last presence record.
func (c *Controller) hydrate(ctx context.Context, peerID string) {
	c.mu.Lock()
	e, ok := c.entries[peerID]
	if !ok || e.hydrated {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	name, avatar := peerID, ""
	if u, err := c.be.FindUserByID(ctx, peerID); err == nil && u != nil {
		name, avatar = u.DisplayName, u.AvatarURL
	} else if rec, ok := c.presence.Record(peerID); ok {
		name, avatar = rec.Name, rec.AvatarURL
	}

	c.mu.Lock()
	if e, ok := c.entries[peerID]; ok {
		e.displayName, e.avatarURL, e.hydrated = name, avatar, true
	}
	c.mu.Unlock()
}

// SetActive marks a conversation active: its watermark advances and its
// unread count drops to zero, and stays zero while it is active.
func (c *Controller) SetActive(peerID string) {
	c.mu.Lock()
	c.active = peerID
	c.mu.Unlock()
	if peerID != "" {
		c.tracker.MarkRead(peerID)
		c.bus.Emit(bus.KindRosterUpdated, nil)
	}
}

func (c *Controller) activePeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// applyMessage folds one created message into the list. Newest wins the
// preview slot; older events (out-of-order delivery) leave it alone.
// Own messages and messages for the active conversation never bump the
// unread count.
func (c *Controller) applyMessage(m backend.Message) {
	peer := m.PeerID
	if m.SenderID != c.selfID {
		peer = m.SenderID
	}

	c.mu.Lock()
	e, ok := c.entries[peer]
	if !ok {
		e = &entry{}
		c.entries[peer] = e
	}
	if m.SentAt.After(e.lastAt) {
		e.preview = unread.Preview(m)
		e.lastAt = m.SentAt
	}
	active := c.active
	c.mu.Unlock()

	if m.SenderID != c.selfID {
		if peer == active {
			c.tracker.MarkRead(peer)
		} else {
			c.tracker.Increment(peer)
		}
	}
	c.bus.Emit(bus.KindRosterUpdated, nil)
}

func (c *Controller) applyPresence(ctx context.Context, change bus.PresenceChange) {
	c.mu.Lock()
	for _, peer := range change.Online {
		e, ok := c.entries[peer]
		if !ok {
			e = &entry{}
			c.entries[peer] = e
		}
		e.online = true
	}
	for _, peer := range change.Offline {
		if e, ok := c.entries[peer]; ok {
			e.online = false
		}
	}
	c.mu.Unlock()

	for _, peer := range change.Online {
		c.hydrate(ctx, peer)
	}
	c.bus.Emit(bus.KindRosterUpdated, nil)
}

func (c *Controller) applyFriendsChange(ctx context.Context, change friends.Change) {
	c.mu.Lock()
	e, ok := c.entries[change.PeerID]
	switch {
	case change.State == friends.Accepted && !ok:
		c.entries[change.PeerID] = &entry{}
	case change.State == friends.None && ok && !e.online && e.lastAt.IsZero():
		// No history, not online, no relationship: nothing to show.
		delete(c.entries, change.PeerID)
	}
	c.mu.Unlock()

	c.hydrate(ctx, change.PeerID)
	c.bus.Emit(bus.KindRosterUpdated, nil)
}

// scheduleRecheck arms (or re-arms) the per-peer debounce timer after a
// delete event. A burst of deletes in one conversation triggers one
// re-query. Delete events that do not identify the conversation fall
// back to rechecking every known peer.
func (c *Controller) scheduleRecheck(ctx context.Context, peerID string) {
	if peerID == c.selfID {
		// A delete hint naming ourselves does not identify the
		// conversation.
		peerID = ""
	}
	peers := []string{peerID}
	if peerID == "" {
		c.mu.Lock()
		peers = peers[:0]
		for peer := range c.entries {
			peers = append(peers, peer)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, peer := range peers {
		peer := peer
		if timer, ok := c.pending[peer]; ok && timer.Stop() {
			c.recheckWG.Done()
		}
		c.recheckWG.Add(1)
		c.pending[peer] = time.AfterFunc(c.debounce, func() {
			defer c.recheckWG.Done()
			c.mu.Lock()
			delete(c.pending, peer)
			c.mu.Unlock()
			c.recheckPeer(ctx, peer)
		})
	}
}

// recheckPeer re-queries the newest message of one conversation and
// rewrites the preview from authority. With no messages left the row is
// cleared, or dropped entirely when nothing else justifies it.
func (c *Controller) recheckPeer(ctx context.Context, peerID string) {
	if ctx.Err() != nil {
		return
	}
	msgs, err := c.be.ListMessages(ctx, c.selfID, peerID, 1)
	if err != nil {
		c.logger.Error("last-message recheck failed",
			zap.String("peer", peerID), zap.Error(err))
		return
	}

	c.mu.Lock()
	e, ok := c.entries[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		e.preview = unread.Preview(last)
		e.lastAt = last.SentAt
	} else {
		e.preview, e.lastAt = "", time.Time{}
		if !e.online && c.friends.StateFor(peerID) == friends.None {
			delete(c.entries, peerID)
		}
	}
	c.mu.Unlock()

	c.bus.Emit(bus.KindRosterUpdated, nil)
}

// Entries returns the list sorted for display: online peers first, then
// most recent activity, then name.
func (c *Controller) Entries() []PeerSummary {
	c.mu.Lock()
	out := make([]PeerSummary, 0, len(c.entries))
	for peer, e := range c.entries {
		out = append(out, PeerSummary{
			PeerID:      peer,
			DisplayName: e.displayName,
			AvatarURL:   e.avatarURL,
			Online:      e.online,
			Preview:     e.preview,
			LastAt:      e.lastAt,
			Unread:      c.tracker.Count(peer),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Online != b.Online {
			return a.Online
		}
		if !a.LastAt.Equal(b.LastAt) {
			return a.LastAt.After(b.LastAt)
		}
		return a.DisplayName < b.DisplayName
	})
	return out
}

// Search filters the list by case-insensitive substring over display
// name and preview.
func (c *Controller) Search(query string) []PeerSummary {
	query = strings.ToLower(strings.TrimSpace(query))
	all := c.Entries()
	if query == "" {
		return all
	}
	var out []PeerSummary
	for _, s := range all {
		if strings.Contains(strings.ToLower(s.DisplayName), query) ||
			strings.Contains(strings.ToLower(s.Preview), query) {
			out = append(out, s)
		}
	}
	return out
}
