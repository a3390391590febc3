package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/rmonteiro98/papo/internal/backend"
)

// UpsertPresence writes the liveness heartbeat, keyed by user id.
func (c *Client) UpsertPresence(ctx context.Context, rec backend.PresenceRecord) error {
	col, err := c.presence()
	if err != nil {
		return err
	}
	doc := newPresenceDocument(rec)
	_, err = col.UpdateOne(ctx,
		bson.M{"user_id": doc.UserID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// ListOnlinePeers returns presence records seen within the window. The
// window is deliberately wider than the online threshold; the caller
// applies the threshold itself so one query serves both the online set
// and last-seen hydration.
func (c *Client) ListOnlinePeers(ctx context.Context, window time.Duration) ([]backend.PresenceRecord, error) {
	col, err := c.presence()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window).UnixMilli()
	cur, err := col.Find(ctx, bson.M{"last_seen_at": bson.M{"$gt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	var docs []presenceDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]backend.PresenceRecord, len(docs))
	for i, d := range docs {
		out[i] = d.toRecord()
	}
	return out, nil
}

// SubscribePresence streams heartbeat writes until the returned
// function is called.
func (c *Client) SubscribePresence(ctx context.Context, onChange func(backend.PresenceRecord)) (func(), error) {
	col, err := c.presence()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}},
	}}}}

	go func() {
		for ctx.Err() == nil {
			opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
			stream, err := col.Watch(ctx, pipeline, opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("presence change stream failed to open", zap.Error(err))
				sleepCtx(ctx, watchBackoff)
				continue
			}
			for stream.Next(ctx) {
				var ev struct {
					FullDocument presenceDocument `bson:"fullDocument"`
				}
				if err := stream.Decode(&ev); err != nil {
					continue
				}
				onChange(ev.FullDocument.toRecord())
			}
			if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("presence change stream dropped", zap.Error(err))
			}
			_ = stream.Close(context.Background())
			sleepCtx(ctx, watchBackoff)
		}
	}()
	return cancel, nil
}
