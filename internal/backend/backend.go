// Package backend defines the collaborator contract the sync core runs
// against: persistent storage and query of messages, presence and
// friendships, plus the realtime create/delete channel. Implementations
// live in subpackages (mongodb for production, memory for tests and
// offline runs).
package backend

import (
	"context"
	"io"
	"time"
)

// MessageKind discriminates message payloads.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
)

// Message is a server-side message document. ID is assigned by the
// backend on creation. Payload is the text body for text messages and
// the blob URL for audio messages.
type Message struct {
	ID       string
	PeerID   string // the conversation partner the sender addressed
	SenderID string
	Kind     MessageKind
	Payload  string
	SentAt   time.Time
}

// PresenceRecord is a liveness heartbeat document.
type PresenceRecord struct {
	UserID     string
	Name       string
	AvatarURL  string
	LastSeenAt time.Time
}

// FriendshipStatus is the persisted state of a friendship record.
type FriendshipStatus string

const (
	StatusPending  FriendshipStatus = "pending"
	StatusAccepted FriendshipStatus = "accepted"
	StatusDeclined FriendshipStatus = "declined"
	StatusBlocked  FriendshipStatus = "blocked"
)

// Friendship is a relationship record between two users. At most one
// non-declined record exists per unordered pair.
type Friendship struct {
	ID          string
	RequesterID string
	AddresseeID string
	Status      FriendshipStatus
	RequestedAt time.Time
	UpdatedAt   time.Time
}

// Involves reports whether the given user is a party to the record.
func (f Friendship) Involves(userID string) bool {
	return f.RequesterID == userID || f.AddresseeID == userID
}

// Other returns the counterpart of the given user in the record.
func (f Friendship) Other(userID string) string {
	if f.RequesterID == userID {
		return f.AddresseeID
	}
	return f.RequesterID
}

// User is the authenticated account the core acts on behalf of.
type User struct {
	ID          string // account id
	UserID      string // custom chat handle, used as peer id everywhere
	DisplayName string
	AvatarURL   string
}

// MessageHandler receives scoped realtime message events. OnReconnect
// fires after the subscription transport was lost and re-established;
// callers are expected to re-fetch history (delivery is at-least-once
// and events may have been missed during the gap).
type MessageHandler struct {
	OnCreate func(Message)
	// OnDelete receives the deleted message id and, when the transport
	// can recover it, the conversation peer it belonged to (empty
	// otherwise).
	OnDelete    func(id, peerID string)
	OnReconnect func()
}

// MessageFilter scopes a message subscription. Zero value means all
// messages involving UserID.
type MessageFilter struct {
	UserID string // required: only messages where UserID participates
	PeerID string // optional: restrict to one conversation
}

// Client is the abstract backend collaborator. All blocking operations
// take a context. Delivery on subscriptions is at-least-once and
// ordering across independent writers is not guaranteed.
type Client interface {
	// CurrentUser resolves the session user. Returns ErrUnauthenticated
	// when no valid session exists.
	CurrentUser(ctx context.Context) (User, error)

	// FindUserByID resolves a user profile by custom user id. Returns
	// nil with no error when unknown.
	FindUserByID(ctx context.Context, userID string) (*User, error)

	// CreateMessage persists a message and returns it with the
	// server-assigned ID filled in.
	CreateMessage(ctx context.Context, m Message) (Message, error)

	// ListMessages returns the conversation between the two users,
	// ascending by SentAt. A positive limit keeps only the newest
	// entries; limit <= 0 means no limit.
	ListMessages(ctx context.Context, peerA, peerB string, limit int) ([]Message, error)

	// ListAllMessagesForUser returns every message the user
	// participates in, ascending by SentAt, with the same limit
	// semantics as ListMessages.
	ListAllMessagesForUser(ctx context.Context, userID string, limit int) ([]Message, error)

	// DeleteConversation removes all messages between the two users and
	// returns the number deleted.
	DeleteConversation(ctx context.Context, peerA, peerB string) (int, error)

	// SubscribeMessages opens a realtime subscription matching the
	// filter. The returned function tears the subscription down.
	SubscribeMessages(ctx context.Context, f MessageFilter, h MessageHandler) (func(), error)

	// UpsertPresence records the user's liveness. Returns
	// ErrNotConfigured when presence is unavailable.
	UpsertPresence(ctx context.Context, rec PresenceRecord) error

	// ListOnlinePeers returns presence records seen within the window.
	ListOnlinePeers(ctx context.Context, window time.Duration) ([]PresenceRecord, error)

	// SubscribePresence notifies on any presence record change.
	SubscribePresence(ctx context.Context, onChange func(PresenceRecord)) (func(), error)

	// CreateFriendRequest creates a pending record from requester to
	// addressee. Returns ErrConflict when a non-declined record already
	// exists for the pair.
	CreateFriendRequest(ctx context.Context, requesterID, addresseeID string) (Friendship, error)
	AcceptFriendRequest(ctx context.Context, requestID string) error
	DeclineFriendRequest(ctx context.Context, requestID string) error
	// Block marks the pair blocked, recording who blocked whom.
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	Unfriend(ctx context.Context, userID, friendID string) error

	ListFriends(ctx context.Context, userID string) ([]Friendship, error)
	ListPendingIncoming(ctx context.Context, userID string) ([]Friendship, error)
	ListOutgoing(ctx context.Context, userID string) ([]Friendship, error)
	// ListBlocked returns blocked records involving the user, so a
	// restarted client can rebuild block state.
	ListBlocked(ctx context.Context, userID string) ([]Friendship, error)
	SubscribeFriendships(ctx context.Context, onChange func(Friendship)) (func(), error)

	// UploadBlobAndGetURL stores a blob (audio attachments) and returns
	// a URL usable as a message payload.
	UploadBlobAndGetURL(ctx context.Context, name string, r io.Reader) (string, error)
}
