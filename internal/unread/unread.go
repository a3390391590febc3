// Package unread derives per-peer last-message previews and unread
// counts from the message history and the persisted read watermarks.
// Counts are recomputed from scratch on load and adjusted incrementally
// afterwards; the active conversation is always forced to zero.
package unread

import (
	"sync"
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/store"
	"go.uber.org/zap"
)

const audioPreview = "Audio message"

// Summary is the derived last-message/unread state for one peer.
type Summary struct {
	Preview string
	LastAt  time.Time
	Count   int
}

// Preview renders a message the way the conversation list shows it.
func Preview(m backend.Message) string {
	if m.Kind == backend.KindAudio {
		return audioPreview
	}
	return m.Payload
}

// Recompute derives, per peer, the last message and the count of
// messages sent by that peer after the peer's watermark. Messages sent
// by selfID update the preview but never count as unread.
func Recompute(selfID string, msgs []backend.Message, marks map[string]time.Time) map[string]Summary {
	out := make(map[string]Summary)
	for _, m := range msgs {
		peer := m.PeerID
		if m.SenderID != selfID {
			peer = m.SenderID
		}
		s := out[peer]
		if m.SentAt.After(s.LastAt) || s.LastAt.IsZero() {
			s.Preview = Preview(m)
			s.LastAt = m.SentAt
		}
		if m.SenderID != selfID && m.SentAt.After(marks[peer]) {
			s.Count++
		}
		out[peer] = s
	}
	return out
}

// Tracker owns the watermark map and the unread snapshot, persisting
// every mutation so a reload neither marks everything read nor
// re-surfaces already-seen counts.
type Tracker struct {
	mu     sync.Mutex
	db     *store.DB
	logger *zap.Logger
	marks  map[string]time.Time
	counts map[string]int
}

// NewTracker loads persisted watermarks and counts from the local
// state database.
func NewTracker(db *store.DB, logger *zap.Logger) (*Tracker, error) {
	marks, err := db.Watermarks()
	if err != nil {
		return nil, err
	}
	counts, err := db.UnreadCounts()
	if err != nil {
		return nil, err
	}
	return &Tracker{db: db, logger: logger, marks: marks, counts: counts}, nil
}

// Watermarks returns a copy of the current watermark map.
func (t *Tracker) Watermarks() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.marks))
	for k, v := range t.marks {
		out[k] = v
	}
	return out
}

// MarkRead advances a peer's watermark to now and zeroes its count.
// Called when the user selects the conversation or receives a message
// while it is active.
func (t *Tracker) MarkRead(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.marks[peerID] = now
	t.counts[peerID] = 0
	if err := t.db.SetWatermark(peerID, now); err != nil {
		t.logger.Error("watermark persist failed",
			zap.String("peer", peerID), zap.Error(err))
	}
	t.persistCount(peerID, 0)
}

// persistCount writes one count. The in-memory state stays
// authoritative for the session; a write failure only costs durability
// across restarts.
func (t *Tracker) persistCount(peerID string, n int) {
	if err := t.db.SetUnreadCount(peerID, n); err != nil {
		t.logger.Error("unread count persist failed",
			zap.String("peer", peerID), zap.Error(err))
	}
}

// Increment bumps a peer's unread count by one.
func (t *Tracker) Increment(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[peerID]++
	n := t.counts[peerID]
	t.persistCount(peerID, n)
	return n
}

// SetCount overwrites a peer's unread count (used after a full
// recompute).
func (t *Tracker) SetCount(peerID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[peerID] = n
	t.persistCount(peerID, n)
}

// Count returns a peer's current unread count.
func (t *Tracker) Count(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[peerID]
}
