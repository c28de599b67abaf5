// Package app wires the server together.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/api"
	"github.com/HirenKhatri7/DevSync/internal/auth"
	"github.com/HirenKhatri7/DevSync/internal/checkpoint"
	"github.com/HirenKhatri7/DevSync/internal/core"
	"github.com/HirenKhatri7/DevSync/internal/db"
	"github.com/HirenKhatri7/DevSync/internal/persistence"
	"github.com/HirenKhatri7/DevSync/internal/presence"
	"github.com/HirenKhatri7/DevSync/internal/relay"
	"github.com/HirenKhatri7/DevSync/internal/room"
	"github.com/HirenKhatri7/DevSync/internal/session"
	"github.com/HirenKhatri7/DevSync/internal/username"
	"github.com/HirenKhatri7/DevSync/internal/ws"
)

// Module defines the devsync server application.
var Module = fx.Options(
	core.Module,
	fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: logger}
	}),
	fx.Provide(
		newStore,
		newGateway,
		newRegistry,
		newBroker,
		newRelay,
		presence.NewRegistry,
		newAllocator,
		room.NewHub,
		newRooms,
		newAPI,
		newSockets,
		newRouter,
		newCheckpoint,
		newHTTPServer,
	),
	fx.Invoke(startCheckpoint),
	fx.Invoke(startHTTPServer),
)

func newStore(lc fx.Lifecycle, cfg core.Config, logger *zap.SugaredLogger) (db.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Timeout)
	defer cancel()
	store, err := db.Open(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	logger.Infow("store opened", "dsn", redactDSN(cfg.Storage.DSN))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newGateway(store db.Store, cfg core.Config, logger *zap.SugaredLogger, stats tally.Scope) *persistence.Gateway {
	return persistence.New(store, cfg.Storage.Timeout, logger, stats)
}

func newRegistry(lc fx.Lifecycle, gateway *persistence.Gateway, logger *zap.SugaredLogger, stats tally.Scope) *session.Registry {
	registry := session.NewRegistry(gateway, logger, stats)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			// Flush every live document before the store goes away.
			return registry.Close(ctx)
		},
	})
	return registry
}

func newBroker(lc fx.Lifecycle, cfg core.Config, logger *zap.SugaredLogger) (relay.Broker, error) {
	var broker relay.Broker
	if cfg.Broker.RedisURL == "" {
		logger.Infow("cursor relay is process local")
		broker = relay.NewMemoryBroker()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Broker.Timeout)
		defer cancel()
		rb, err := relay.NewRedisBroker(ctx, cfg.Broker.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Infow("cursor relay uses redis")
		broker = rb
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return broker.Close()
		},
	})
	return broker, nil
}

func newRelay(lc fx.Lifecycle, broker relay.Broker, cfg core.Config, logger *zap.SugaredLogger, stats tally.Scope) *relay.Relay {
	r := relay.New(broker, cfg.Broker.Timeout, logger, stats)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return r.Close()
		},
	})
	return r
}

func newRooms(store db.Store) *auth.Rooms {
	return auth.NewRooms(store)
}

func newAllocator() *username.Allocator {
	return username.NewAllocator(nil)
}

func newAPI(registry *session.Registry, hub *room.Hub, names *username.Allocator, rooms *auth.Rooms, store db.Store, cfg core.Config, logger *zap.SugaredLogger) *api.API {
	return api.New(registry, hub, names, rooms, store, cfg.Storage.Timeout, logger)
}

func newSockets(registry *session.Registry, hub *room.Hub, cfg core.Config, logger *zap.SugaredLogger, stats tally.Scope) *ws.Server {
	return ws.NewServer(registry, hub, cfg.Server.ClientOrigin, logger, stats)
}

func newRouter(a *api.API, sockets *ws.Server, cfg core.Config, logger *zap.SugaredLogger) *mux.Router {
	return api.NewRouter(a, sockets, cfg.Server.ClientOrigin, logger)
}

func newCheckpoint(registry *session.Registry, cfg core.Config, logger *zap.SugaredLogger) *checkpoint.Service {
	return checkpoint.New(registry, cfg.Checkpoint.Interval, logger)
}

func startCheckpoint(lc fx.Lifecycle, s *checkpoint.Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			return nil
		},
	})
}

func newHTTPServer(cfg core.Config, router *mux.Router) *http.Server {
	return &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}
}

func startHTTPServer(lc fx.Lifecycle, srv *http.Server, cfg core.Config, logger *zap.SugaredLogger) {
	logger = logger.Named("http")
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Infow("listening", "addr", ln.Addr().String(), "origin", cfg.Server.ClientOrigin)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorw("server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
