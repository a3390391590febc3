package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces so subscribers can filter by prefix ("chat.", "roster.").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. These are the side-effect channel
// of the sync engine: a UI front-end subscribes to them instead of the
// engine calling back into rendering code.
const (
	KindMessageReceived = "chat.message_received"
	KindMessageSent     = "chat.message_sent"
	KindMessageDeleted  = "chat.message_deleted"
	KindSendFailed      = "chat.send_failed"
	KindScrollToBottom  = "chat.scroll_to_bottom"
	KindJumpToLatest    = "chat.jump_to_latest"
	KindSelected        = "chat.selected"

	KindRosterUpdated   = "roster.updated"
	KindPresenceChanged = "presence.changed"
	KindFriendsChanged  = "friends.changed"
	KindStatusChanged   = "session.status_changed"
)

// MessageRef identifies a message within a conversation; payload for
// chat.message_* events.
type MessageRef struct {
	PeerID    string
	MessageID string
}

// SendFailure is the payload for chat.send_failed.
type SendFailure struct {
	PeerID string
	Token  string // correlation token of the failed pending write
	Reason string
}

// PresenceChange is the payload for presence.changed: the full diff of
// one atomic recomputation of the online set.
type PresenceChange struct {
	Online  []string
	Offline []string
}
