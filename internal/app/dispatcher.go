package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fxcore/internal/heartbeat"
	"fxcore/internal/logger"
	"fxcore/internal/ticks"
)

// Dispatcher starts publisher/subscriber workers in this process when the
// supervisor finds them missing. Duplicate enqueues are harmless: the
// worker's role lock makes the loser fail fast and mark itself stopped.
type Dispatcher struct {
	app *App

	ctx context.Context
	g   *errgroup.Group
}

func NewDispatcher(app *App) *Dispatcher {
	return &Dispatcher{app: app}
}

// bind attaches the dispatcher to the run group; jobs enqueued before Run
// would have nowhere to go.
func (d *Dispatcher) bind(ctx context.Context, g *errgroup.Group) {
	d.ctx = ctx
	d.g = g
}

func (d *Dispatcher) EnqueuePublisher(ctx context.Context, accountID string) error {
	if d.g == nil {
		return fmt.Errorf("dispatcher: not running")
	}
	jobID := uuid.NewString()
	hb := heartbeat.NewService(d.app.coordStore, d.app.db.TaskStatuses(), "tick_publisher", accountID,
		d.app.cfg.Heartbeat.StopCheckInterval(), d.app.cfg.Heartbeat.BeatInterval())
	pub := ticks.NewPublisher(d.app.coordStore, d.app.db.Accounts(), hb, d.app.opener, d.app.cfg.Ticks, accountID)
	d.g.Go(func() error {
		if err := pub.Run(d.ctx, jobID); err != nil {
			logger.Errorf("dispatcher: publisher for %s exited with error: %v", accountID, err)
		}
		return nil
	})
	return nil
}

func (d *Dispatcher) EnqueueSubscriber(ctx context.Context, accountID string) error {
	if d.g == nil {
		return fmt.Errorf("dispatcher: not running")
	}
	jobID := uuid.NewString()
	hb := heartbeat.NewService(d.app.coordStore, d.app.db.TaskStatuses(), "tick_subscriber", accountID,
		d.app.cfg.Heartbeat.StopCheckInterval(), d.app.cfg.Heartbeat.BeatInterval())
	sub := ticks.NewSubscriber(d.app.coordStore, d.app.db.Ticks(), hb, d.app.cfg.Ticks, accountID)
	d.g.Go(func() error {
		if err := sub.Run(d.ctx, jobID); err != nil {
			logger.Errorf("dispatcher: subscriber for %s exited with error: %v", accountID, err)
		}
		return nil
	})
	return nil
}
