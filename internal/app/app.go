package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/feed"
	"fxcore/internal/heartbeat"
	"fxcore/internal/lifecycle"
	"fxcore/internal/logger"
	"fxcore/internal/replay"
	"fxcore/internal/store"
	"fxcore/internal/store/gormstore"
	"fxcore/internal/supervisor"
)

// App owns the wired component graph of one worker process.
type App struct {
	cfg *config.Config

	coordStore coord.Store
	db         store.Store
	opener     feed.Opener
	orders     broker.OrderClient

	dispatcher *Dispatcher
	runner     *TaskRunner
	lifecycle  *lifecycle.Manager
	replayer   *replay.Replayer
	supervisor *supervisor.Supervisor
}

// NewApp builds the component graph from config. Nothing starts running
// until Run.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	coordStore, err := buildCoordStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: coordination store: %w", err)
	}
	db, err := gormstore.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("app: database: %w", err)
	}
	opener, err := buildOpener(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		coordStore: coordStore,
		db:         db,
		opener:     opener,
		orders:     broker.Paper{},
	}
	a.dispatcher = NewDispatcher(a)
	a.replayer = replay.NewReplayer(coordStore, db.Ticks(), db.TaskStatuses(), cfg.Replay, cfg.Heartbeat)
	a.runner = NewTaskRunner(a)
	a.lifecycle = lifecycle.NewManager(db.Tasks(), coordStore, a.runner, cfg.Lifecycle.StopGrace())
	a.runner.BindLifecycle(a.lifecycle)
	a.lifecycle.RegisterStopHandler("backtest", a.runner.StopBacktest)

	supHB := heartbeat.NewService(coordStore, db.TaskStatuses(), "supervisor", "main",
		cfg.Heartbeat.StopCheckInterval(), cfg.Heartbeat.BeatInterval())
	a.supervisor = supervisor.New(coordStore, db.Accounts(), supHB, a.dispatcher, cfg.Supervisor)
	return a, nil
}

func buildCoordStore(ctx context.Context, cfg *config.Config) (coord.Store, error) {
	if cfg.Redis.InMemory {
		logger.Warnf("app: using in-memory coordination store (single-process mode)")
		return coord.NewMemStore(), nil
	}
	return coord.NewRedisStore(ctx, cfg.Redis.URL)
}

func buildOpener(cfg *config.Config) (feed.Opener, error) {
	switch strings.ToLower(cfg.Feed.Provider) {
	case "sim":
		return &feed.SimOpener{Instruments: cfg.Feed.Instruments}, nil
	case "oanda":
		return &feed.OandaOpener{
			BaseURL:     cfg.Feed.BaseURL,
			Token:       cfg.Feed.Token,
			AccountID:   cfg.Feed.AccountID,
			Instruments: cfg.Feed.Instruments,
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown feed provider %q", cfg.Feed.Provider)
	}
}

// Lifecycle exposes the task control surface to the (external) API layer.
func (a *App) Lifecycle() *lifecycle.Manager { return a.lifecycle }

// Replayer exposes backtest replay for direct invocation.
func (a *App) Replayer() *replay.Replayer { return a.replayer }

// Supervisor exposes the supervision cycle for external triggers.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Run starts the configured roles and blocks until ctx is cancelled or a
// role fails. An empty role list runs everything.
func (a *App) Run(ctx context.Context) error {
	roles := a.cfg.App.Roles
	if len(roles) == 0 {
		roles = []string{"supervisor"}
	}
	g, ctx := errgroup.WithContext(ctx)
	a.dispatcher.bind(ctx, g)
	for _, role := range roles {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "supervisor":
			g.Go(func() error {
				a.supervisor.Run(ctx, "supervisor")
				return nil
			})
		case "publisher":
			accountID, err := a.waitForPinnedAccount(ctx)
			if err != nil {
				return err
			}
			if err := a.dispatcher.EnqueuePublisher(ctx, accountID); err != nil {
				return err
			}
		case "subscriber":
			accountID, err := a.waitForPinnedAccount(ctx)
			if err != nil {
				return err
			}
			if err := a.dispatcher.EnqueueSubscriber(ctx, accountID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("app: unknown role %q", role)
		}
	}
	err := g.Wait()
	a.close()
	return err
}

func (a *App) waitForPinnedAccount(ctx context.Context) (string, error) {
	for {
		pinned, ok, err := a.coordStore.Get(ctx, supervisor.PinnedAccountKey)
		if err != nil {
			return "", err
		}
		if ok && pinned != "" {
			return pinned, nil
		}
		logger.Infof("app: waiting for the supervisor to pin an account")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (a *App) close() {
	if closer, ok := a.coordStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warnf("app: closing coordination store failed: %v", err)
		}
	}
	if err := a.db.Close(); err != nil {
		logger.Warnf("app: closing database failed: %v", err)
	}
}
