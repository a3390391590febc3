// Package presence maintains the local belief about which peers are
// online. The local user announces liveness through a periodic
// heartbeat; peers are observed through a periodic poll combined with a
// push subscription, with a staleness threshold deciding who counts as
// online. The threshold must exceed the heartbeat interval by a safety
// margin (>= 3x) so a single late beat does not flap a peer offline.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/bus"
	"go.uber.org/zap"
)

// Options are the timing knobs, normally taken from config.
type Options struct {
	Heartbeat time.Duration
	Poll      time.Duration
	Window    time.Duration
	Threshold time.Duration
}

// Tracker runs the heartbeat and the poll/push consolidation loop.
type Tracker struct {
	be     backend.Client
	bus    *bus.Bus
	logger *zap.Logger
	self   backend.User
	opts   Options

	mu       sync.RWMutex
	online   map[string]struct{}
	records  map[string]backend.PresenceRecord
	lastBeat time.Time
	disabled bool

	refreshCh chan struct{}
	cancel    context.CancelFunc
	unsub     func()
}

// NewTracker creates a presence tracker for the given local user.
func NewTracker(be backend.Client, self backend.User, opts Options, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		be:        be,
		bus:       b,
		logger:    logger,
		self:      self,
		opts:      opts,
		online:    make(map[string]struct{}),
		records:   make(map[string]backend.PresenceRecord),
		refreshCh: make(chan struct{}, 1),
	}
}

// Start begins the heartbeat, the poll loop and the push subscription.
// When the collaborator has no presence feature everything degrades to
// a no-op.
func (t *Tracker) Start(ctx context.Context) error {
	// Probe with an initial beat before spawning loops.
	if err := t.beat(ctx); err != nil {
		if backend.IsNotConfigured(err) {
			t.mu.Lock()
			t.disabled = true
			t.mu.Unlock()
			t.logger.Warn("presence not configured, tracker disabled")
			return nil
		}
		// Transient failure: keep going, the next tick supersedes it.
		t.logger.Error("initial heartbeat failed", zap.Error(err))
	}

	ctx, t.cancel = context.WithCancel(ctx)
	go t.heartbeatLoop(ctx)
	go t.pollLoop(ctx)

	unsub, err := t.be.SubscribePresence(ctx, func(backend.PresenceRecord) {
		t.RequestRefresh()
	})
	if err != nil {
		if !backend.IsNotConfigured(err) {
			t.logger.Error("presence subscription failed, relying on polling", zap.Error(err))
		}
		return nil
	}
	t.unsub = unsub
	return nil
}

// Stop tears down the loops and subscription.
func (t *Tracker) Stop() {
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// RequestRefresh schedules an immediate poll, coalescing with any
// pending request.
func (t *Tracker) RequestRefresh() {
	select {
	case t.refreshCh <- struct{}{}:
	default:
	}
}

// IsOnline reports the current belief about one peer.
func (t *Tracker) IsOnline(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[peerID]
	return ok
}

// OnlineSet returns a copy of the current online set.
func (t *Tracker) OnlineSet() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{}, len(t.online))
	for k := range t.online {
		out[k] = struct{}{}
	}
	return out
}

// Record returns the latest presence record seen for a peer; used to
// hydrate display names and avatars.
func (t *Tracker) Record(peerID string) (backend.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[peerID]
	return rec, ok
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()

	// Watchdog at the staleness threshold: if no beat succeeded for a
	// whole threshold the heartbeat is effectively dead and peers will
	// see us offline, so force one immediately instead of waiting.
	watchdog := time.NewTicker(t.opts.Threshold)
	defer watchdog.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.beat(ctx); err != nil {
				t.logger.Error("heartbeat failed", zap.Error(err))
			}
		case <-watchdog.C:
			t.mu.RLock()
			stale := time.Since(t.lastBeat) >= t.opts.Threshold
			t.mu.RUnlock()
			if stale {
				t.logger.Warn("heartbeat stalled, restarting")
				ticker.Reset(t.opts.Heartbeat)
				if err := t.beat(ctx); err != nil {
					t.logger.Error("heartbeat restart failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) beat(ctx context.Context) error {
	err := t.be.UpsertPresence(ctx, backend.PresenceRecord{
		UserID:     t.self.UserID,
		Name:       t.self.DisplayName,
		AvatarURL:  t.self.AvatarURL,
		LastSeenAt: time.Now(),
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.lastBeat = time.Now()
	t.mu.Unlock()
	return nil
}

func (t *Tracker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.opts.Poll)
	defer ticker.Stop()

	// Initial poll so the roster is populated before the first tick.
	t.refresh(ctx)

	for {
		select {
		case <-ticker.C:
			t.refresh(ctx)
		case <-t.refreshCh:
			t.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refresh recomputes the whole online set from one query, then diffs
// against current state, then applies. Computing the full set first
// keeps transitions atomic per poll; updating peers one by one would
// make partial updates visible as flicker.
func (t *Tracker) refresh(ctx context.Context) {
	docs, err := t.be.ListOnlinePeers(ctx, t.opts.Window)
	if err != nil {
		if !backend.IsNotConfigured(err) {
			t.logger.Error("presence poll failed", zap.Error(err))
		}
		return
	}

	next := OnlineFrom(docs, time.Now(), t.opts.Threshold)
	delete(next, t.self.UserID)

	t.mu.Lock()
	var wentOnline, wentOffline []string
	for peer := range next {
		if _, ok := t.online[peer]; !ok {
			wentOnline = append(wentOnline, peer)
		}
	}
	for peer := range t.online {
		if _, ok := next[peer]; !ok {
			wentOffline = append(wentOffline, peer)
		}
	}
	t.online = next
	for _, rec := range docs {
		if rec.UserID != t.self.UserID {
			t.records[rec.UserID] = rec
		}
	}
	t.mu.Unlock()

	if len(wentOnline) > 0 || len(wentOffline) > 0 {
		t.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{
			Online:  wentOnline,
			Offline: wentOffline,
		})
	}
}

// OnlineFrom derives the online set from presence records: a peer is
// online when its last-seen timestamp is within the threshold of now.
func OnlineFrom(docs []backend.PresenceRecord, now time.Time, threshold time.Duration) map[string]struct{} {
	online := make(map[string]struct{})
	for _, d := range docs {
		if now.Sub(d.LastSeenAt) < threshold {
			online[d.UserID] = struct{}{}
		}
	}
	return online
}
