// Package engine owns the active conversation: the ordered message
// list, the delivery state of optimistic writes, and the viewport. The
// collaborator stream is at-least-once with no ordering guarantee, so
// everything converges through idempotent, timestamp-ordered merges; a
// generation token discards results that belong to a conversation the
// user already left.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/bus"
	"github.com/rmonteiro98/papo/internal/friends"
	"github.com/rmonteiro98/papo/internal/status"
	"go.uber.org/zap"
)

// DeliveryState tags a message's reconciliation state.
type DeliveryState string

const (
	Confirmed DeliveryState = "CONFIRMED" // acknowledged by the collaborator
	Pending   DeliveryState = "PENDING"   // optimistic write in flight
	Failed    DeliveryState = "FAILED"    // persist failed; kept, never retried automatically
)

// Message is one entry of the active conversation.
type Message struct {
	ID       string // server id; empty while Pending
	Token    string // local correlation token for own writes
	PeerID   string
	SenderID string
	Kind     backend.MessageKind
	Payload  string
	SentAt   time.Time
	Mine     bool
	State    DeliveryState
}

// ErrNotPermitted is returned when the friendship gate rejects a send.
// No network call is made in that case.
var ErrNotPermitted = errors.New("messaging not permitted for this peer")

// ErrNoConversation is returned by operations that need an active
// conversation when none is selected.
var ErrNoConversation = errors.New("no conversation selected")

// raceWindow bounds the duplicate-send heuristic: an unmatched incoming
// copy of an own message within this window of an existing entry is
// treated as a duplicate and absorbed.
const raceWindow = time.Second

// historyLimit caps the initial history fetch per conversation.
const historyLimit = 500

// Engine is the conversation synchronization core.
type Engine struct {
	be      backend.Client
	bus     *bus.Bus
	logger  *zap.Logger
	machine *status.Machine
	friends *friends.Service
	self    backend.User

	// onSelect, when set, is called synchronously on every selection
	// change. Bus delivery drops events under pressure, so the unread
	// watermark advance rides this path instead.
	onSelect func(peerID string)

	mu     sync.Mutex
	peerID string
	gen    uint64
	msgs   []Message
	view   viewport
	unsub  func()
}

// New creates an engine for the given local user.
func New(be backend.Client, self backend.User, fs *friends.Service, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		be:      be,
		bus:     b,
		logger:  logger,
		machine: machine,
		friends: fs,
		self:    self,
	}
}

// SetSelectionSink registers the synchronous selection callback. Must
// be called before the engine is used.
func (e *Engine) SetSelectionSink(fn func(peerID string)) {
	e.onSelect = fn
}

// Select makes peerID the active conversation. The previous
// subscription is torn down synchronously so no stale event can land
// after this returns; the history fetch runs asynchronously under a
// generation token so a slow fetch for an abandoned selection is
// discarded instead of overwriting the new conversation.
func (e *Engine) Select(ctx context.Context, peerID string) error {
	e.mu.Lock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.gen++
	gen := e.gen
	e.peerID = peerID
	e.msgs = nil
	e.view = viewport{atBottom: true}
	e.mu.Unlock()

	if err := e.machine.Transition(status.Loading); err != nil {
		e.logger.Warn("status transition rejected", zap.Error(err))
	}
	if e.onSelect != nil {
		e.onSelect(peerID)
	}
	e.bus.Emit(bus.KindSelected, peerID)

	unsub, err := e.be.SubscribeMessages(ctx,
		backend.MessageFilter{UserID: e.self.UserID, PeerID: peerID},
		backend.MessageHandler{
			OnCreate:    func(m backend.Message) { e.onRemoteCreate(gen, m) },
			OnDelete:    func(id, pID string) { e.onRemoteDelete(gen, id) },
			OnReconnect: func() { e.onReconnect(ctx, gen, peerID) },
		})
	if err != nil {
		return fmt.Errorf("subscribe conversation: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		// Superseded while subscribing.
		e.mu.Unlock()
		unsub()
		return nil
	}
	e.unsub = unsub
	e.mu.Unlock()

	go e.loadHistory(ctx, gen, peerID)
	return nil
}

// Deselect leaves the active conversation.
func (e *Engine) Deselect() {
	e.mu.Lock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.gen++
	e.peerID = ""
	e.msgs = nil
	e.view = viewport{}
	e.mu.Unlock()

	if e.onSelect != nil {
		e.onSelect("")
	}
	if err := e.machine.Transition(status.Idle); err != nil {
		e.logger.Warn("status transition rejected", zap.Error(err))
	}
}

// Stop tears down the active subscription.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.gen++
}

// ActivePeer returns the currently selected peer, empty when none.
func (e *Engine) ActivePeer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerID
}

// Messages returns a snapshot of the conversation in display order.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

// loadHistory fetches the full conversation history and merges it under
// the generation token. Merging (rather than replacing) keeps pending
// optimistic entries that were appended while the fetch was in flight.
func (e *Engine) loadHistory(ctx context.Context, gen uint64, peerID string) {
	msgs, err := e.be.ListMessages(ctx, e.self.UserID, peerID, historyLimit)
	if err != nil {
		e.logger.Error("history fetch failed",
			zap.String("peer", peerID), zap.Error(err))
		return
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	for _, m := range msgs {
		e.reconcileFetchedLocked(m)
	}
	e.mu.Unlock()

	if err := e.machine.Transition(status.Live); err != nil {
		e.logger.Warn("status transition rejected", zap.Error(err))
	}
	e.bus.Emit(bus.KindScrollToBottom, peerID)
}

// SendText optimistically appends a text message and persists it in the
// background.
func (e *Engine) SendText(ctx context.Context, payload string) (string, error) {
	return e.send(ctx, backend.KindText, payload)
}

// SendAudio uploads the recording, then sends an audio message whose
// payload is the blob URL.
func (e *Engine) SendAudio(ctx context.Context, name string, r io.Reader) (string, error) {
	e.mu.Lock()
	peerID := e.peerID
	e.mu.Unlock()
	if peerID == "" {
		return "", ErrNoConversation
	}
	if !e.friends.CanMessage(peerID) {
		return "", ErrNotPermitted
	}

	url, err := e.be.UploadBlobAndGetURL(ctx, name, r)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	return e.send(ctx, backend.KindAudio, url)
}

// send runs the optimistic write path: gate, token, local append,
// scroll, async persist. On success the server id is adopted in place;
// on failure the entry is marked Failed and kept. There is no automatic
// retry; resending is an explicit user action.
func (e *Engine) send(ctx context.Context, kind backend.MessageKind, payload string) (string, error) {
	e.mu.Lock()
	peerID := e.peerID
	if peerID == "" {
		e.mu.Unlock()
		return "", ErrNoConversation
	}
	if !e.friends.CanMessage(peerID) {
		e.mu.Unlock()
		return "", ErrNotPermitted
	}

	token := uuid.NewString()
	gen := e.gen
	m := Message{
		Token:    token,
		PeerID:   peerID,
		SenderID: e.self.UserID,
		Kind:     kind,
		Payload:  payload,
		SentAt:   time.Now(),
		Mine:     true,
		State:    Pending,
	}
	e.msgs = append(e.msgs, m)
	e.view.atBottom = true
	e.view.unseen = 0
	e.mu.Unlock()

	e.bus.Emit(bus.KindMessageSent, bus.MessageRef{PeerID: peerID, MessageID: token})
	e.bus.Emit(bus.KindScrollToBottom, peerID)

	go e.persist(ctx, gen, m)
	return token, nil
}

func (e *Engine) persist(ctx context.Context, gen uint64, m Message) {
	created, err := e.be.CreateMessage(ctx, backend.Message{
		PeerID:   m.PeerID,
		SenderID: m.SenderID,
		Kind:     m.Kind,
		Payload:  m.Payload,
		SentAt:   m.SentAt,
	})

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	idx := e.indexByToken(m.Token)

	if err != nil {
		if idx >= 0 && e.msgs[idx].State == Pending {
			e.msgs[idx].State = Failed
		}
		e.mu.Unlock()
		e.logger.Error("message persist failed",
			zap.String("peer", m.PeerID), zap.Error(err))
		e.bus.Emit(bus.KindSendFailed, bus.SendFailure{
			PeerID: m.PeerID, Token: m.Token, Reason: err.Error(),
		})
		return
	}

	if idx >= 0 {
		// Adopt the server identity in place. The realtime echo may
		// have confirmed the entry already; adopting twice is a no-op.
		e.msgs[idx].ID = created.ID
		e.msgs[idx].SentAt = created.SentAt
		e.msgs[idx].State = Confirmed
	}
	e.mu.Unlock()
}

func (e *Engine) indexByToken(token string) int {
	for i := range e.msgs {
		if e.msgs[i].Token == token {
			return i
		}
	}
	return -1
}

// onRemoteCreate ingests one created-message event. The pipeline:
// id-idempotence, own-echo merge into a pending entry, the duplicate
// race heuristic, then a timestamp-ordered insert with side effects.
func (e *Engine) onRemoteCreate(gen uint64, m backend.Message) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	if e.indexByID(m.ID) >= 0 {
		e.mu.Unlock()
		return
	}

	if m.SenderID == e.self.UserID {
		if idx := e.pendingEchoIndex(m); idx >= 0 {
			// Merge: adopt id and server timestamp, keep position.
			e.msgs[idx].ID = m.ID
			e.msgs[idx].SentAt = m.SentAt
			e.msgs[idx].State = Confirmed
			e.mu.Unlock()
			return
		}
		if e.isRaceDuplicate(m) {
			e.mu.Unlock()
			e.logger.Debug("absorbed duplicate own message", zap.String("id", m.ID))
			return
		}
	} else if e.isRaceDuplicate(m) {
		e.mu.Unlock()
		e.logger.Debug("absorbed duplicate message", zap.String("id", m.ID))
		return
	}

	e.mergeLocked(m)
	fromPeer := m.SenderID != e.self.UserID
	atBottom := e.view.atBottom
	if fromPeer && !atBottom {
		e.view.unseen++
	}
	peerID := e.peerID
	e.mu.Unlock()

	e.bus.Emit(bus.KindMessageReceived, bus.MessageRef{PeerID: peerID, MessageID: m.ID})
	if fromPeer {
		if atBottom {
			e.bus.Emit(bus.KindScrollToBottom, peerID)
		} else {
			e.bus.Emit(bus.KindJumpToLatest, peerID)
		}
	}
}

// reconcileFetchedLocked folds one fetched history message into the
// list. An own message that matches an unresolved pending entry is the
// committed copy of a write whose acknowledgement was lost (persist
// response or echo missed while the stream was down); the entry adopts
// the server identity instead of gaining a twin.
func (e *Engine) reconcileFetchedLocked(m backend.Message) {
	if e.indexByID(m.ID) >= 0 {
		return
	}
	if m.SenderID == e.self.UserID {
		for i := range e.msgs {
			if e.msgs[i].State == Pending && e.msgs[i].ID == "" &&
				e.msgs[i].Kind == m.Kind && e.msgs[i].Payload == m.Payload {
				e.msgs[i].ID = m.ID
				e.msgs[i].SentAt = m.SentAt
				e.msgs[i].State = Confirmed
				return
			}
		}
	}
	e.mergeLocked(m)
}

// mergeLocked inserts a confirmed message in timestamp order, after any
// existing entries with the same timestamp so equal-time arrivals keep
// their arrival order. Callers hold e.mu and have ruled out duplicates
// by id.
func (e *Engine) mergeLocked(m backend.Message) {
	if e.indexByID(m.ID) >= 0 {
		return
	}
	entry := Message{
		ID:       m.ID,
		PeerID:   m.PeerID,
		SenderID: m.SenderID,
		Kind:     m.Kind,
		Payload:  m.Payload,
		SentAt:   m.SentAt,
		Mine:     m.SenderID == e.self.UserID,
		State:    Confirmed,
	}
	idx := len(e.msgs)
	for i := range e.msgs {
		if e.msgs[i].SentAt.After(m.SentAt) {
			idx = i
			break
		}
	}
	e.msgs = append(e.msgs, Message{})
	copy(e.msgs[idx+1:], e.msgs[idx:])
	e.msgs[idx] = entry
}

func (e *Engine) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.msgs {
		if e.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// pendingEchoIndex finds the pending entry an own-message echo belongs
// to: a same-payload pending write first, else the oldest unresolved
// pending entry.
func (e *Engine) pendingEchoIndex(m backend.Message) int {
	fallback := -1
	for i := range e.msgs {
		if e.msgs[i].State != Pending || e.msgs[i].ID != "" {
			continue
		}
		if e.msgs[i].Kind == m.Kind && e.msgs[i].Payload == m.Payload {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// isRaceDuplicate reports whether an incoming message is a near-twin of
// an existing entry: same sender, kind and payload within the race
// window. At-least-once delivery can surface the same logical send
// twice with distinct ids; the copy is absorbed silently.
func (e *Engine) isRaceDuplicate(m backend.Message) bool {
	for i := range e.msgs {
		if e.msgs[i].SenderID != m.SenderID ||
			e.msgs[i].Kind != m.Kind ||
			e.msgs[i].Payload != m.Payload {
			continue
		}
		d := e.msgs[i].SentAt.Sub(m.SentAt)
		if d < 0 {
			d = -d
		}
		if d <= raceWindow {
			return true
		}
	}
	return false
}

func (e *Engine) onRemoteDelete(gen uint64, id string) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	idx := e.indexByID(id)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	e.msgs = append(e.msgs[:idx], e.msgs[idx+1:]...)
	peerID := e.peerID
	e.mu.Unlock()

	e.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{PeerID: peerID, MessageID: id})
}

// onReconnect handles a dropped-and-restored subscription: the stream
// may have missed events, so the history is re-fetched in full and
// merged idempotently.
func (e *Engine) onReconnect(ctx context.Context, gen uint64, peerID string) {
	e.mu.Lock()
	stale := e.gen != gen
	e.mu.Unlock()
	if stale {
		return
	}

	if err := e.machine.Transition(status.Reconnecting); err != nil {
		e.logger.Warn("status transition rejected", zap.Error(err))
	}
	if err := e.machine.Transition(status.Loading); err != nil {
		e.logger.Warn("status transition rejected", zap.Error(err))
	}
	go e.loadHistory(ctx, gen, peerID)
}

// ClearConversation deletes every message between the local user and
// the active peer, both directions, and resets local state immediately.
func (e *Engine) ClearConversation(ctx context.Context) (int, error) {
	e.mu.Lock()
	peerID := e.peerID
	e.mu.Unlock()
	if peerID == "" {
		return 0, ErrNoConversation
	}

	n, err := e.be.DeleteConversation(ctx, e.self.UserID, peerID)
	if err != nil {
		return 0, fmt.Errorf("clear conversation: %w", err)
	}

	e.mu.Lock()
	if e.peerID == peerID {
		e.msgs = nil
		e.view = viewport{atBottom: true}
	}
	e.mu.Unlock()
	return n, nil
}
