package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/rmonteiro98/papo/internal/backend"
)

// watchBackoff is the delay before re-establishing a dropped change
// stream.
const watchBackoff = 2 * time.Second

func conversationFilter(peerA, peerB string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"sender_id": peerA, "chat_id": peerB},
		bson.M{"sender_id": peerB, "chat_id": peerA},
	}}
}

// CreateMessage persists one message and returns it with its server id.
func (c *Client) CreateMessage(ctx context.Context, m backend.Message) (backend.Message, error) {
	doc := newMessageDocument(primitive.NewObjectID().Hex(), m)
	if _, err := c.messages().InsertOne(ctx, doc); err != nil {
		return backend.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toMessage(), nil
}

// ListMessages returns the conversation between two users ascending by
// sent time; limit > 0 keeps only the newest entries.
func (c *Client) ListMessages(ctx context.Context, peerA, peerB string, limit int) ([]backend.Message, error) {
	return c.list(ctx, conversationFilter(peerA, peerB), limit)
}

// ListAllMessagesForUser returns every message the user sent or
// received, ascending by sent time.
func (c *Client) ListAllMessagesForUser(ctx context.Context, userID string, limit int) ([]backend.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": userID},
		bson.M{"chat_id": userID},
	}}
	return c.list(ctx, filter, limit)
}

func (c *Client) list(ctx context.Context, filter bson.M, limit int) ([]backend.Message, error) {
	// Query newest-first so the limit keeps recent messages, then
	// reverse into display order.
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]backend.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.toMessage()
	}
	return out, nil
}

// DeleteConversation removes both directions of a conversation and
// returns the number of deleted messages. Each removal surfaces as a
// delete event on open change streams.
func (c *Client) DeleteConversation(ctx context.Context, peerA, peerB string) (int, error) {
	res, err := c.messages().DeleteMany(ctx, conversationFilter(peerA, peerB))
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	return int(res.DeletedCount), nil
}

// SubscribeMessages opens a change stream for the filtered message set
// and pumps events into the handler until the returned function is
// called. A dropped stream is re-established automatically, firing the
// reconnect notification so consumers can re-fetch what they missed.
func (c *Client) SubscribeMessages(ctx context.Context, f backend.MessageFilter, h backend.MessageHandler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	// Server-side match. Deletes carry no full document, so they always
	// pass and are filtered client-side by id on the consumer.
	var docMatch bson.M
	switch {
	case f.PeerID != "":
		docMatch = bson.M{"$or": bson.A{
			bson.M{"fullDocument.sender_id": f.UserID, "fullDocument.chat_id": f.PeerID},
			bson.M{"fullDocument.sender_id": f.PeerID, "fullDocument.chat_id": f.UserID},
		}}
	case f.UserID != "":
		docMatch = bson.M{"$or": bson.A{
			bson.M{"fullDocument.sender_id": f.UserID},
			bson.M{"fullDocument.chat_id": f.UserID},
		}}
	default:
		docMatch = bson.M{}
	}
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"operationType": "delete"},
		bson.M{"$and": bson.A{bson.M{"operationType": "insert"}, docMatch}},
	}}}}}

	go c.watchMessages(ctx, pipeline, h)
	return cancel, nil
}

type messageChange struct {
	OperationType string `bson:"operationType"`
	FullDocument  messageDocument `bson:"fullDocument"`
	// Populated for deletes when the collection has pre-images enabled;
	// otherwise only the document key survives.
	FullDocumentBeforeChange *messageDocument `bson:"fullDocumentBeforeChange"`
	DocumentKey              struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

func (c *Client) watchMessages(ctx context.Context, pipeline mongo.Pipeline, h backend.MessageHandler) {
	first := true
	for ctx.Err() == nil {
		opts := options.ChangeStream().SetFullDocumentBeforeChange(options.WhenAvailable)
		stream, err := c.messages().Watch(ctx, pipeline, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("message change stream failed to open", zap.Error(err))
			sleepCtx(ctx, watchBackoff)
			continue
		}

		if !first && h.OnReconnect != nil {
			h.OnReconnect()
		}
		first = false

		for stream.Next(ctx) {
			var ev messageChange
			if err := stream.Decode(&ev); err != nil {
				c.logger.Error("change event decode failed", zap.Error(err))
				continue
			}
			switch ev.OperationType {
			case "insert":
				if h.OnCreate != nil {
					h.OnCreate(ev.FullDocument.toMessage())
				}
			case "delete":
				if h.OnDelete != nil {
					peerID := ""
					if pre := ev.FullDocumentBeforeChange; pre != nil {
						peerID = pre.ChatID
					}
					h.OnDelete(ev.DocumentKey.ID, peerID)
				}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("message change stream dropped", zap.Error(err))
		}
		_ = stream.Close(context.Background())
		sleepCtx(ctx, watchBackoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
