package daemon

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/lock"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/netmon"
	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/remote"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/status"
	"github.com/parleyhq/parley/internal/store"
	intsync "github.com/parleyhq/parley/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMonitor,
			provideRemoteClient,
			provideBlobClient,
			providePipeline,
			provideRecorder,
			provideProfiles,
			provideManager,
			provideSessionService,
			provideConversationService,
			provideMessageService,
			provideRecorderService,
			provideEventService,
			provideRouter,
			provideStateWatcher,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
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
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	prober := &netmon.HTTPProber{URL: cfg.Remote.StoreURL}
	interval := time.Duration(cfg.Netmon.ProbeIntervalSecs) * time.Second
	return netmon.NewMonitor(prober, interval, b, logger)
}

func provideRemoteClient(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.Remote.StoreURL, b, logger)
}

func provideBlobClient(cfg *config.Config) *remote.BlobClient {
	return remote.NewBlobClient(cfg.Remote.BlobURL)
}

func providePipeline(cfg *config.Config, blobs *remote.BlobClient, b *bus.Bus, logger *zap.Logger) *media.Pipeline {
	return media.NewPipeline(blobs, cfg.Media.MaxUploadBytes, b, logger)
}

func provideRecorder(p Params, logger *zap.Logger) *media.Recorder {
	return media.NewRecorder(session.MediaDir(p.SessionName), logger)
}

func provideProfiles(cfg *config.Config, db *store.DB, logger *zap.Logger) *profile.Client {
	return profile.NewClient(cfg.Remote.ProfileURL, db, 0, logger)
}

func provideManager(cfg *config.Config, db *store.DB, rc *remote.Client, pipeline *media.Pipeline, monitor *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *intsync.Manager {
	idleTimeout := time.Duration(cfg.Presence.IdleTimeoutSecs) * time.Second
	return intsync.NewManager(cfg.SelfID, db, rc, pipeline, monitor.Online, b, idleTimeout, cfg.Receipts.Trigger, logger)
}

func provideSessionService(p Params, cfg *config.Config, machine *status.Machine, monitor *netmon.Monitor) *api.SessionService {
	return api.NewSessionService(p.SessionName, cfg.SelfID, machine, monitor)
}

func provideConversationService(cfg *config.Config, db *store.DB, manager *intsync.Manager, profiles *profile.Client) *api.ConversationService {
	return api.NewConversationService(cfg.SelfID, db, manager, profiles)
}

func provideMessageService(manager *intsync.Manager) *api.MessageService {
	return api.NewMessageService(manager)
}

func provideRecorderService(recorder *media.Recorder) *api.RecorderService {
	return api.NewRecorderService(recorder)
}

func provideEventService(b *bus.Bus, logger *zap.Logger) *api.EventService {
	return api.NewEventService(b, logger)
}

func provideRouter(
	sessionSvc *api.SessionService,
	conversationSvc *api.ConversationService,
	messageSvc *api.MessageService,
	recorderSvc *api.RecorderService,
	eventSvc *api.EventService,
) *gin.Engine {
	return api.NewRouter(sessionSvc, conversationSvc, messageSvc, recorderSvc, eventSvc)
}

func provideStateWatcher(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *stateWatcher {
	return newStateWatcher(machine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, monitor *netmon.Monitor, manager *intsync.Manager, watcher *stateWatcher, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Offline until the first probe says otherwise; sends queue
			// in the meantime.
			_ = machine.Transition(status.Offline)

			watcher.start(context.Background())
			monitor.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.CloseAll()
			monitor.Stop()
			watcher.stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
