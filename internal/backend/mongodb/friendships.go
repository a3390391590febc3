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

func activePairFilter(a, b string) bson.M {
	return bson.M{
		"pair_key": pairKey(a, b),
		"status":   bson.M{"$ne": string(backend.StatusDeclined)},
	}
}

// CreateFriendRequest inserts a pending record for the pair. Any
// existing non-declined record, including one racing in, surfaces as
// ErrConflict through the partial unique index on pair_key.
func (c *Client) CreateFriendRequest(ctx context.Context, requesterID, addresseeID string) (backend.Friendship, error) {
	col, err := c.friendships()
	if err != nil {
		return backend.Friendship{}, err
	}
	now := time.Now().UnixMilli()
	doc := friendshipDocument{
		ID:          primitive.NewObjectID().Hex(),
		PairKey:     pairKey(requesterID, addresseeID),
		RequesterID: requesterID,
		AddresseeID: addresseeID,
		Status:      string(backend.StatusPending),
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if _, err := col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return backend.Friendship{}, backend.ErrConflict
		}
		return backend.Friendship{}, fmt.Errorf("insert friend request: %w", err)
	}
	return doc.toFriendship(), nil
}

// setStatus updates one record matching the filter; no match means the
// state moved underneath the caller.
func (c *Client) setStatus(ctx context.Context, filter bson.M, status backend.FriendshipStatus) error {
	col, err := c.friendships()
	if err != nil {
		return err
	}
	res, err := col.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":     string(status),
		"updated_at": time.Now().UnixMilli(),
	}})
	if err != nil {
		return fmt.Errorf("update friendship: %w", err)
	}
	if res.MatchedCount == 0 {
		return backend.ErrConflict
	}
	return nil
}

// AcceptFriendRequest accepts a pending request by record id.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string) error {
	return c.setStatus(ctx,
		bson.M{"_id": requestID, "status": string(backend.StatusPending)},
		backend.StatusAccepted)
}

// DeclineFriendRequest declines a pending request by record id; the
// record becomes a tombstone and the pair may try again.
func (c *Client) DeclineFriendRequest(ctx context.Context, requestID string) error {
	return c.setStatus(ctx,
		bson.M{"_id": requestID, "status": string(backend.StatusPending)},
		backend.StatusDeclined)
}

// Block marks the pair blocked, reusing the live record when one exists
// and creating one otherwise. The requester field of a blocked record
// holds the blocker.
func (c *Client) Block(ctx context.Context, blockerID, blockedID string) error {
	col, err := c.friendships()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	update := bson.M{
		"$set": bson.M{
			"requester_id": blockerID,
			"addressee_id": blockedID,
			"status":       string(backend.StatusBlocked),
			"updated_at":   now,
		},
		"$setOnInsert": bson.M{
			"_id":          primitive.NewObjectID().Hex(),
			"pair_key":     pairKey(blockerID, blockedID),
			"requested_at": now,
		},
	}
	_, err = col.UpdateOne(ctx, activePairFilter(blockerID, blockedID), update,
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}
	return nil
}

// Unblock lifts a block placed by blockerID. A block placed by the
// other side does not match and returns ErrConflict.
func (c *Client) Unblock(ctx context.Context, blockerID, blockedID string) error {
	filter := activePairFilter(blockerID, blockedID)
	filter["status"] = string(backend.StatusBlocked)
	filter["requester_id"] = blockerID
	return c.setStatus(ctx, filter, backend.StatusDeclined)
}

// Unfriend dissolves an accepted friendship.
func (c *Client) Unfriend(ctx context.Context, userID, friendID string) error {
	filter := activePairFilter(userID, friendID)
	filter["status"] = string(backend.StatusAccepted)
	return c.setStatus(ctx, filter, backend.StatusDeclined)
}

func (c *Client) listFriendships(ctx context.Context, filter bson.M) ([]backend.Friendship, error) {
	col, err := c.friendships()
	if err != nil {
		return nil, err
	}
	cur, err := col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	var docs []friendshipDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]backend.Friendship, len(docs))
	for i, d := range docs {
		out[i] = d.toFriendship()
	}
	return out, nil
}

// ListFriends returns the user's accepted friendships.
func (c *Client) ListFriends(ctx context.Context, userID string) ([]backend.Friendship, error) {
	return c.listFriendships(ctx, bson.M{
		"status": string(backend.StatusAccepted),
		"$or": bson.A{
			bson.M{"requester_id": userID},
			bson.M{"addressee_id": userID},
		},
	})
}

// ListPendingIncoming returns requests awaiting the user's answer.
func (c *Client) ListPendingIncoming(ctx context.Context, userID string) ([]backend.Friendship, error) {
	return c.listFriendships(ctx, bson.M{
		"status":       string(backend.StatusPending),
		"addressee_id": userID,
	})
}

// ListOutgoing returns the user's unanswered requests.
func (c *Client) ListOutgoing(ctx context.Context, userID string) ([]backend.Friendship, error) {
	return c.listFriendships(ctx, bson.M{
		"status":       string(backend.StatusPending),
		"requester_id": userID,
	})
}

// ListBlocked returns blocked records involving the user.
func (c *Client) ListBlocked(ctx context.Context, userID string) ([]backend.Friendship, error) {
	return c.listFriendships(ctx, bson.M{
		"status": string(backend.StatusBlocked),
		"$or": bson.A{
			bson.M{"requester_id": userID},
			bson.M{"addressee_id": userID},
		},
	})
}

// SubscribeFriendships streams friendship record changes until the
// returned function is called.
func (c *Client) SubscribeFriendships(ctx context.Context, onChange func(backend.Friendship)) (func(), error) {
	col, err := c.friendships()
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
				c.logger.Error("friendship change stream failed to open", zap.Error(err))
				sleepCtx(ctx, watchBackoff)
				continue
			}
			for stream.Next(ctx) {
				var ev struct {
					FullDocument friendshipDocument `bson:"fullDocument"`
				}
				if err := stream.Decode(&ev); err != nil {
					continue
				}
				onChange(ev.FullDocument.toFriendship())
			}
			if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("friendship change stream dropped", zap.Error(err))
			}
			_ = stream.Close(context.Background())
			sleepCtx(ctx, watchBackoff)
		}
	}()
	return cancel, nil
}
