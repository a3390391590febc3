package mongodb

import (
	"time"

	"github.com/rmonteiro98/papo/internal/backend"
)

// Timestamps are stored as unix milliseconds, matching the wire format
// the web clients write.

type messageDocument struct {
	ID       string `bson:"_id"`
	ChatID   string `bson:"chat_id"`
	SenderID string `bson:"sender_id"`
	Kind     string `bson:"kind"`
	Payload  string `bson:"payload"`
	SentAt   int64  `bson:"sent_at"`
}

func newMessageDocument(id string, m backend.Message) messageDocument {
	return messageDocument{
		ID:       id,
		ChatID:   m.PeerID,
		SenderID: m.SenderID,
		Kind:     string(m.Kind),
		Payload:  m.Payload,
		SentAt:   m.SentAt.UnixMilli(),
	}
}

func (d messageDocument) toMessage() backend.Message {
	return backend.Message{
		ID:       d.ID,
		PeerID:   d.ChatID,
		SenderID: d.SenderID,
		Kind:     backend.MessageKind(d.Kind),
		Payload:  d.Payload,
		SentAt:   time.UnixMilli(d.SentAt).UTC(),
	}
}

type presenceDocument struct {
	UserID     string `bson:"user_id"`
	Name       string `bson:"name"`
	AvatarURL  string `bson:"avatar_url"`
	LastSeenAt int64  `bson:"last_seen_at"`
}

func newPresenceDocument(r backend.PresenceRecord) presenceDocument {
	return presenceDocument{
		UserID:     r.UserID,
		Name:       r.Name,
		AvatarURL:  r.AvatarURL,
		LastSeenAt: r.LastSeenAt.UnixMilli(),
	}
}

func (d presenceDocument) toRecord() backend.PresenceRecord {
	return backend.PresenceRecord{
		UserID:     d.UserID,
		Name:       d.Name,
		AvatarURL:  d.AvatarURL,
		LastSeenAt: time.UnixMilli(d.LastSeenAt).UTC(),
	}
}

type friendshipDocument struct {
	ID          string `bson:"_id"`
	PairKey     string `bson:"pair_key"`
	RequesterID string `bson:"requester_id"`
	AddresseeID string `bson:"addressee_id"`
	Status      string `bson:"status"`
	RequestedAt int64  `bson:"requested_at"`
	UpdatedAt   int64  `bson:"updated_at"`
}

func (d friendshipDocument) toFriendship() backend.Friendship {
	return backend.Friendship{
		ID:          d.ID,
		RequesterID: d.RequesterID,
		AddresseeID: d.AddresseeID,
		Status:      backend.FriendshipStatus(d.Status),
		RequestedAt: time.UnixMilli(d.RequestedAt).UTC(),
		UpdatedAt:   time.UnixMilli(d.UpdatedAt).UTC(),
	}
}

type userDocument struct {
	ID          string `bson:"_id"`
	UserID      string `bson:"user_id"`
	DisplayName string `bson:"display_name"`
	AvatarURL   string `bson:"avatar_url"`
}

func (d userDocument) toUser() backend.User {
	return backend.User{
		ID:          d.ID,
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		AvatarURL:   d.AvatarURL,
	}
}

// pairKey orders the two participants so the same pair always maps to
// one key.
func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}
