package daemon

import (
	"context"

	"github.com/lucamoreira/bluebird/internal/api"
	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/config"
	"github.com/lucamoreira/bluebird/internal/delivery"
	"github.com/lucamoreira/bluebird/internal/ingest"
	"github.com/lucamoreira/bluebird/internal/lock"
	"github.com/lucamoreira/bluebird/internal/logging"
	"github.com/lucamoreira/bluebird/internal/reconcile"
	"github.com/lucamoreira/bluebird/internal/send"
	"github.com/lucamoreira/bluebird/internal/session"
	"github.com/lucamoreira/bluebird/internal/status"
	"github.com/lucamoreira/bluebird/internal/store"
	"github.com/lucamoreira/bluebird/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTransport,
			provideIngest,
			provideManager,
			provideCoordinator,
			provideDelivery,
			api.NewServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.Error(err))
		return config.Default()
	}
	return cfg
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
	dbPath := session.DBPath(p.SessionName)
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

func provideTransport(cfg *config.Config, logger *zap.Logger) transport.Client {
	return transport.NewSocket(cfg.Server.URL, cfg.Server.Password, logger)
}

func provideIngest(db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, logger)
}

func provideManager(db *store.DB, client transport.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *reconcile.Manager {
	return reconcile.NewManager(db, client, b, cfg.Reconcile, logger)
}

func provideCoordinator(db *store.DB, cfg *config.Config, manager *reconcile.Manager, logger *zap.Logger) *send.Coordinator {
	return send.NewCoordinator(db, cfg, send.GUIDResolver{}, manager, logger)
}

func provideDelivery(db *store.DB, client transport.Client, b *bus.Bus, coordinator *send.Coordinator, logger *zap.Logger) *delivery.Service {
	return delivery.NewService(db, client, b, coordinator, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client transport.Client, engine *ingest.Engine, deliverySvc *delivery.Service, manager *reconcile.Manager, machine *status.Machine, cfg *config.Config, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingestion subscribes to server.* bus events.
			engine.Start(context.Background())
			manager.Start(context.Background())

			// Wire parsed server frames into bus events and the state machine.
			handler := transport.NewHandler(b, machine, logger)
			if sock, ok := client.(*transport.Socket); ok {
				sock.RegisterHandler(handler.Handle)
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			deliverySvc.Start(context.Background())

			if cfg.Server.URL == "" || cfg.Server.Password == "" {
				logger.Info("no server credentials configured, auth required")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}

			_ = machine.Transition(status.Connecting)
			go func() {
				if err := client.Connect(context.Background()); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			deliverySvc.Stop()
			manager.Stop()
			engine.Stop()
			client.Disconnect()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
