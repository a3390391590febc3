// Package mongodb implements the backend collaborator on MongoDB:
// collections for messages, presence, friendships and user profiles,
// change streams for realtime delivery, GridFS for blobs. Optional
// features map to collection names; an empty name surfaces
// ErrNotConfigured and the core degrades.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/rmonteiro98/papo/internal/backend"
)

const connectTimeout = 10 * time.Second

// Config selects the database and collection names. Empty Presence or
// Friendships disables that feature.
type Config struct {
	URI         string
	Database    string
	Messages    string
	Presence    string
	Friendships string
	Users       string
}

// Client is the MongoDB-backed collaborator.
type Client struct {
	db     *mongo.Database
	cfg    Config
	logger *zap.Logger
	selfID string
}

// New connects, pings, and prepares indexes. selfID is the session
// user's chat handle.
func New(ctx context.Context, cfg Config, selfID string, logger *zap.Logger) (*Client, error) {
	if cfg.Messages == "" {
		cfg.Messages = "messages"
	}
	if cfg.Users == "" {
		cfg.Users = "users"
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	opts := options.Client().ApplyURI(cfg.URI).SetRetryWrites(true)
	m, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := m.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	c := &Client{
		db:     m.Database(cfg.Database),
		cfg:    cfg,
		logger: logger,
		selfID: selfID,
	}
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close disconnects the underlying driver client.
func (c *Client) Close(ctx context.Context) error {
	return c.db.Client().Disconnect(ctx)
}

func (c *Client) messages() *mongo.Collection { return c.db.Collection(c.cfg.Messages) }
func (c *Client) users() *mongo.Collection    { return c.db.Collection(c.cfg.Users) }

func (c *Client) presence() (*mongo.Collection, error) {
	if c.cfg.Presence == "" {
		return nil, backend.ErrNotConfigured
	}
	return c.db.Collection(c.cfg.Presence), nil
}

func (c *Client) friendships() (*mongo.Collection, error) {
	if c.cfg.Friendships == "" {
		return nil, backend.ErrNotConfigured
	}
	return c.db.Collection(c.cfg.Friendships), nil
}

func (c *Client) ensureIndexes(ctx context.Context) error {
	_, err := c.messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "sent_at", Value: -1}}},
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "sent_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	unique := options.Index().SetUnique(true)
	if _, err := c.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}}, Options: unique,
	}); err != nil {
		return fmt.Errorf("user index: %w", err)
	}

	if c.cfg.Presence != "" {
		col, _ := c.presence()
		if _, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "user_id", Value: 1}}, Options: unique,
		}); err != nil {
			return fmt.Errorf("presence index: %w", err)
		}
	}

	if c.cfg.Friendships != "" {
		col, _ := c.friendships()
		// One live record per unordered pair; declined tombstones are
		// excluded so a pair can try again.
		partial := options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": bson.M{"$ne": string(backend.StatusDeclined)}})
		if _, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: partial,
		}); err != nil {
			return fmt.Errorf("friendship index: %w", err)
		}
	}
	return nil
}

// CurrentUser resolves the session user's profile.
func (c *Client) CurrentUser(ctx context.Context) (backend.User, error) {
	var doc userDocument
	err := c.users().FindOne(ctx, bson.M{"user_id": c.selfID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return backend.User{}, backend.ErrUnauthenticated
	}
	if err != nil {
		return backend.User{}, err
	}
	return doc.toUser(), nil
}

// FindUserByID looks up a profile by chat handle; nil when absent.
func (c *Client) FindUserByID(ctx context.Context, userID string) (*backend.User, error) {
	var doc userDocument
	err := c.users().FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u := doc.toUser()
	return &u, nil
}

var _ backend.Client = (*Client)(nil)
