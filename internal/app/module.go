// Package app composes the client core: config, logging, local state,
// the collaborator backend and the sync components, wired through fx
// with lifecycle hooks starting them in dependency order and stopping
// them in reverse.
package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rmonteiro98/papo/internal/backend"
	"github.com/rmonteiro98/papo/internal/backend/memory"
	"github.com/rmonteiro98/papo/internal/backend/mongodb"
	"github.com/rmonteiro98/papo/internal/bus"
	"github.com/rmonteiro98/papo/internal/config"
	"github.com/rmonteiro98/papo/internal/engine"
	"github.com/rmonteiro98/papo/internal/friends"
	"github.com/rmonteiro98/papo/internal/lock"
	"github.com/rmonteiro98/papo/internal/logging"
	"github.com/rmonteiro98/papo/internal/presence"
	"github.com/rmonteiro98/papo/internal/roster"
	"github.com/rmonteiro98/papo/internal/session"
	"github.com/rmonteiro98/papo/internal/status"
	"github.com/rmonteiro98/papo/internal/store"
	"github.com/rmonteiro98/papo/internal/unread"
)

// Params holds the resolved session configuration passed to the fx
// module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override; empty = global config path
}

// Module composes all providers and lifecycle hooks for the client.
func Module(p Params) fx.Option {
	return fx.Module("papo",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideSelf,
			provideUnreadTracker,
			provideFriends,
			providePresence,
			provideRoster,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StateDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (backend.Client, error) {
	switch cfg.Backend {
	case "mongodb":
		return mongodb.New(context.Background(), mongodb.Config{
			URI:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			Messages:    cfg.Mongo.MessagesCollection,
			Presence:    cfg.Mongo.PresenceCollection,
			Friendships: cfg.Mongo.FriendshipsCollection,
			Users:       cfg.Mongo.UsersCollection,
		}, cfg.UserID, logger)
	case "memory":
		st := memory.New()
		if cfg.UserID != "" {
			st.AddUser(backend.User{ID: cfg.UserID, UserID: cfg.UserID, DisplayName: cfg.UserID})
			st.SetCurrentUser(cfg.UserID)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func provideSelf(be backend.Client) (backend.User, error) {
	return be.CurrentUser(context.Background())
}

func provideUnreadTracker(db *store.DB, logger *zap.Logger) (*unread.Tracker, error) {
	return unread.NewTracker(db, logger)
}

func provideFriends(be backend.Client, self backend.User, b *bus.Bus, logger *zap.Logger) *friends.Service {
	return friends.NewService(be, self.UserID, b, logger)
}

func providePresence(be backend.Client, self backend.User, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(be, self, presence.Options{
		Heartbeat: cfg.Heartbeat(),
		Poll:      cfg.PollInterval(),
		Window:    cfg.Window(),
		Threshold: cfg.OfflineThreshold(),
	}, b, logger)
}

func provideRoster(be backend.Client, self backend.User, tracker *unread.Tracker, pt *presence.Tracker, fs *friends.Service, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *roster.Controller {
	return roster.NewController(be, self.UserID, tracker, pt, fs, cfg.DeleteRecheckDebounce(), b, logger)
}

func provideEngine(be backend.Client, self backend.User, fs *friends.Service, machine *status.Machine, rc *roster.Controller, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	eng := engine.New(be, self, fs, machine, b, logger)
	// Selecting a conversation must always mark it read; the bus may
	// drop events under pressure, so this one goes direct.
	eng.SetSelectionSink(rc.SetActive)
	return eng
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, be backend.Client, fs *friends.Service, pt *presence.Tracker, rc *roster.Controller, eng *engine.Engine, machine *status.Machine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			if err := fs.Start(ctx); err != nil {
				return err
			}
			if err := pt.Start(ctx); err != nil {
				return err
			}
			if err := rc.Start(ctx); err != nil {
				return err
			}
			if err := machine.Transition(status.Idle); err != nil {
				logger.Warn("status transition rejected", zap.Error(err))
			}
			logger.Info("client core started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			eng.Stop()
			rc.Stop()
			pt.Stop()
			fs.Stop()
			if closer, ok := be.(interface{ Close(context.Context) error }); ok {
				if err := closer.Close(ctx); err != nil {
					logger.Warn("backend close failed", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client core stopped")
			return nil
		},
	})
}
