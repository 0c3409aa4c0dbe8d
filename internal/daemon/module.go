// Package daemon composes the sync engine into a runnable per-profile process.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/skillmart/chatsync/internal/api"
	"github.com/skillmart/chatsync/internal/bus"
	"github.com/skillmart/chatsync/internal/cache"
	"github.com/skillmart/chatsync/internal/config"
	"github.com/skillmart/chatsync/internal/conversation"
	"github.com/skillmart/chatsync/internal/lock"
	"github.com/skillmart/chatsync/internal/logging"
	"github.com/skillmart/chatsync/internal/profile"
	"github.com/skillmart/chatsync/internal/status"
	"github.com/skillmart/chatsync/internal/store"
	intsync "github.com/skillmart/chatsync/internal/sync"
	"github.com/skillmart/chatsync/internal/transport"
)

// TokenEnv names the environment variable carrying the bearer token. Auth is
// external; the daemon only forwards the token it was given.
const TokenEnv = "CHATSYNC_TOKEN"

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	UserID  string
}

// ChatChannel wraps the per-conversation push channel for fx wiring.
type ChatChannel struct{ *transport.Channel }

// NotifyChannel wraps the session-wide notification channel for fx wiring.
type NotifyChannel struct{ *transport.Channel }

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideAPIClient,
			provideConversationList,
			provideChatChannel,
			provideNotifyChannel,
			provideEngine,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	path := profile.CachePath(p.Profile)
	db, err := cache.Open(path)
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
	logger.Info("cache initialized", zap.String("path", path))
	return db, nil
}

func provideAPIClient(cfg *config.Config) *api.Client {
	return api.New(cfg.APIBaseURL, os.Getenv(TokenEnv))
}

func provideConversationList() *store.ConversationList {
	return store.NewConversationList()
}

func provideChatChannel(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) ChatChannel {
	machine := status.NewMachine("chat", b)
	return ChatChannel{transport.New(transport.Options{
		Name:                 "chat",
		URL:                  cfg.ChatSocketURL,
		Token:                os.Getenv(TokenEnv),
		AuthUserID:           p.UserID,
		RoomField:            "conversationId",
		Decode:               transport.DecodeChatEvent,
		ReconnectBaseDelay:   cfg.Reconnect.BaseDelayOrDefault(),
		ReconnectMaxDelay:    cfg.Reconnect.MaxDelayOrDefault(),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
	}, machine, b, logger)}
}

func provideNotifyChannel(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) NotifyChannel {
	machine := status.NewMachine("notifications", b)
	return NotifyChannel{transport.New(transport.Options{
		Name:                 "notifications",
		URL:                  cfg.NotifySocketURL,
		Token:                os.Getenv(TokenEnv),
		RoomField:            "userId",
		Decode:               transport.DecodeNotifyEvent,
		ReconnectBaseDelay:   cfg.Reconnect.BaseDelayOrDefault(),
		ReconnectMaxDelay:    cfg.Reconnect.MaxDelayOrDefault(),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
	}, machine, b, logger)}
}

func provideEngine(p Params, cfg *config.Config, convs *store.ConversationList, client *api.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(p.UserID, convs, client, db, b, logger, cfg.ConversationPageSize)
}

func provideManager(p Params, cfg *config.Config, client *api.Client, chat ChatChannel, convs *store.ConversationList, b *bus.Bus, logger *zap.Logger) *conversation.Manager {
	return conversation.NewManager(conversation.Config{
		UserID:   p.UserID,
		Backend:  client,
		Rooms:    chat.Channel,
		Convs:    convs,
		Bus:      b,
		Logger:   logger,
		PageSize: cfg.MessagePageSize,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, db *cache.DB, chat ChatChannel, notify NotifyChannel, engine *intsync.Engine, manager *conversation.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Seed the list from the cache, then converge from the network.
			engine.WarmStart()
			engine.Start(context.Background())

			// The notification channel's room is the user itself.
			_ = notify.Join(ctx, p.UserID)

			chat.Start(context.Background())
			notify.Start(context.Background())

			go func() {
				if err := engine.Refresh(context.Background()); err != nil {
					logger.Warn("initial conversation list fetch failed", zap.Error(err))
				}
			}()

			logger.Info("daemon started", zap.String("user", p.UserID))
			return nil
		},
		OnStop: func(_ context.Context) error {
			manager.Close()
			chat.Stop()
			notify.Stop()
			engine.Stop()
			_ = db.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
