package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"fxcore/internal/coord"
	"fxcore/internal/engine"
	"fxcore/internal/heartbeat"
	"fxcore/internal/lifecycle"
	"fxcore/internal/logger"
	"fxcore/internal/replay"
	"fxcore/internal/store/model"
	"fxcore/internal/ticks"
)

// EventChannel is where strategy logic publishes events for one trading task.
func EventChannel(taskID string) string {
	return "events:trading:" + taskID
}

// TaskRunner implements lifecycle.Runtime: it runs trading and backtest jobs
// as goroutines of this process and supports best-effort revocation through
// per-job cancellation.
type TaskRunner struct {
	app *App
	lc  *lifecycle.Manager

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func NewTaskRunner(app *App) *TaskRunner {
	return &TaskRunner{
		app:  app,
		jobs: make(map[string]context.CancelFunc),
	}
}

// BindLifecycle breaks the construction cycle between runner and manager.
func (r *TaskRunner) BindLifecycle(lc *lifecycle.Manager) {
	r.lc = lc
}

var _ lifecycle.Runtime = (*TaskRunner)(nil)

func (r *TaskRunner) Submit(ctx context.Context, task *model.TaskModel) (string, error) {
	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.jobs[jobID] = cancel
	r.mu.Unlock()

	taskCopy := *task
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.jobs, jobID)
			r.mu.Unlock()
			cancel()
		}()
		switch taskCopy.Type {
		case model.TaskTypeBacktest:
			r.runBacktest(jobCtx, &taskCopy, jobID)
		case model.TaskTypeTrading:
			r.runTrading(jobCtx, &taskCopy, jobID)
		default:
			logger.Errorf("runner: unknown task type %q for %s", taskCopy.Type, taskCopy.ID)
		}
	}()
	return jobID, nil
}

func (r *TaskRunner) Revoke(ctx context.Context, jobID string, force bool) error {
	r.mu.Lock()
	cancel, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

// StopBacktest is the backtest stop handler: it forwards the lifecycle stop
// into the replay job's own stop flag.
func (r *TaskRunner) StopBacktest(ctx context.Context, task *model.TaskModel) error {
	return r.app.coordStore.Set(ctx, heartbeat.StopSignalKey(replay.TaskName, task.ID), "stopping", 0)
}

func (r *TaskRunner) runBacktest(ctx context.Context, task *model.TaskModel, jobID string) {
	req, err := parseReplayRequest(task)
	if err != nil {
		logger.Errorf("runner: backtest %s has a bad config: %v", task.ID, err)
		r.markFailed(task.ID)
		return
	}
	r.markRunning(task.ID)
	if err := r.app.replayer.Run(ctx, req); err != nil {
		logger.Errorf("runner: backtest %s failed: %v", task.ID, err)
		r.markFailed(task.ID)
		return
	}
	r.markFinished(task.ID)
}

func parseReplayRequest(task *model.TaskModel) (replay.Request, error) {
	cfg := gjson.Parse(task.ConfigRef)
	instrument := cfg.Get("instrument").String()
	if instrument == "" {
		return replay.Request{}, fmt.Errorf("missing instrument")
	}
	start, err := time.Parse(time.RFC3339, cfg.Get("start").String())
	if err != nil {
		return replay.Request{}, fmt.Errorf("bad start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, cfg.Get("end").String())
	if err != nil {
		return replay.Request{}, fmt.Errorf("bad end: %w", err)
	}
	return replay.Request{
		Instrument: instrument,
		Start:      start,
		End:        end,
		RequestID:  task.ID,
	}, nil
}

func (r *TaskRunner) runTrading(ctx context.Context, task *model.TaskModel, jobID string) {
	instrument := gjson.Parse(task.ConfigRef).Get("instrument").String()
	if instrument == "" && len(r.app.cfg.Feed.Instruments) > 0 {
		instrument = r.app.cfg.Feed.Instruments[0]
	}
	eng := engine.New(r.app.db.Positions(), r.app.db.Trades(), r.app.orders, task.Type, task.ID, instrument)
	if err := eng.Rehydrate(ctx); err != nil {
		logger.Errorf("runner: trading %s rehydrate failed: %v", task.ID, err)
		r.markFailed(task.ID)
		return
	}
	hb := heartbeat.NewService(r.app.coordStore, r.app.db.TaskStatuses(), task.Type, task.ID,
		r.app.cfg.Heartbeat.StopCheckInterval(), r.app.cfg.Heartbeat.BeatInterval())
	hb.Start(ctx, jobID, coord.WorkerIdentity(), map[string]string{"instrument": instrument})

	tickSub, err := r.app.coordStore.Subscribe(ctx, r.app.cfg.Ticks.Channel)
	if err != nil {
		logger.Errorf("runner: trading %s tick subscribe failed: %v", task.ID, err)
		hb.MarkStopped(ctx, model.RunFailed, err.Error())
		r.markFailed(task.ID)
		return
	}
	defer tickSub.Close()
	eventSub, err := r.app.coordStore.Subscribe(ctx, EventChannel(task.ID))
	if err != nil {
		logger.Errorf("runner: trading %s event subscribe failed: %v", task.ID, err)
		hb.MarkStopped(ctx, model.RunFailed, err.Error())
		r.markFailed(task.ID)
		return
	}
	defer eventSub.Close()

	r.markRunning(task.ID)
	handled := 0
	stopCheck := time.NewTicker(time.Second)
	defer stopCheck.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-stopCheck.C:
			if hb.ShouldStop(ctx, false) {
				break loop
			}
		case msg, ok := <-tickSub.Messages():
			if !ok {
				break loop
			}
			row, err := ticks.ParsePayload(msg.Payload)
			if err != nil {
				continue
			}
			if row.Instrument == instrument {
				eng.SetPrice(row.Mid)
			}
		case msg, ok := <-eventSub.Messages():
			if !ok {
				break loop
			}
			evt, err := engine.ParseEvent([]byte(msg.Payload))
			if err != nil {
				logger.Warnf("runner: trading %s dropping bad event: %v", task.ID, err)
				continue
			}
			if _, err := eng.Handle(ctx, evt); err != nil {
				logger.Warnf("runner: trading %s event %s failed: %v", task.ID, evt.Kind, err)
			}
			handled++
			hb.Beat(ctx, fmt.Sprintf("handled %d events", handled), nil, false)
		}
	}

	if task.SellOnStop {
		unwindCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := eng.Handle(unwindCtx, engine.Event{
			Kind:      engine.KindVolatilityLock,
			Reason:    "sell_on_stop",
			Timestamp: time.Now().UTC(),
		}); err != nil {
			logger.Errorf("runner: trading %s sell-on-stop failed: %v", task.ID, err)
		}
		cancel()
	}
	hb.MarkStopped(context.Background(), model.RunStopped, fmt.Sprintf("handled %d events", handled))
	r.markStopped(task.ID)
}

// Record acknowledgements: transition errors here mean the lifecycle manager
// already moved the record (cancel, restart); that is not a runtime failure.

func (r *TaskRunner) markRunning(taskID string) {
	if err := r.lc.MarkRunning(context.Background(), taskID); err != nil && !lifecycle.IsTransitionError(err) {
		logger.Warnf("runner: acknowledging running for %s failed: %v", taskID, err)
	}
}

func (r *TaskRunner) markStopped(taskID string) {
	err := r.lc.MarkStopped(context.Background(), taskID)
	if err == nil || lifecycle.IsTransitionError(err) {
		return
	}
	logger.Warnf("runner: acknowledging stopped for %s failed: %v", taskID, err)
}

func (r *TaskRunner) markFinished(taskID string) {
	err := r.lc.MarkCompleted(context.Background(), taskID)
	if err == nil {
		return
	}
	if lifecycle.IsTransitionError(err) {
		// Stopped mid-run: acknowledge the stop instead.
		r.markStopped(taskID)
		return
	}
	logger.Warnf("runner: completing %s failed: %v", taskID, err)
}

func (r *TaskRunner) markFailed(taskID string) {
	if err := r.lc.MarkFailed(context.Background(), taskID); err != nil && !lifecycle.IsTransitionError(err) {
		logger.Warnf("runner: failing %s failed: %v", taskID, err)
	}
}
