package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/engine"
	"fxcore/internal/feed"
	"fxcore/internal/heartbeat"
	"fxcore/internal/lifecycle"
	"fxcore/internal/replay"
	"fxcore/internal/store"
	"fxcore/internal/store/gormstore"
	"fxcore/internal/store/model"
	"fxcore/internal/ticks"
)

func TestParseReplayRequest(t *testing.T) {
	task := &model.TaskModel{
		ID:        "bt-1",
		Type:      model.TaskTypeBacktest,
		ConfigRef: `{"instrument":"EUR_USD","start":"2026-01-01T00:00:00Z","end":"2026-01-31T00:00:00Z"}`,
	}
	req, err := parseReplayRequest(task)
	require.NoError(t, err)
	assert.Equal(t, "EUR_USD", req.Instrument)
	assert.Equal(t, "bt-1", req.RequestID, "the task id doubles as the replay request id")
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), req.Start)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), req.End)
}

func TestParseReplayRequestRejectsDefects(t *testing.T) {
	cases := map[string]string{
		"empty config":       ``,
		"missing instrument": `{"start":"2026-01-01T00:00:00Z","end":"2026-01-31T00:00:00Z"}`,
		"bad start":          `{"instrument":"EUR_USD","start":"january","end":"2026-01-31T00:00:00Z"}`,
		"missing end":        `{"instrument":"EUR_USD","start":"2026-01-01T00:00:00Z"}`,
	}
	for name, configRef := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseReplayRequest(&model.TaskModel{ID: "bt", ConfigRef: configRef})
			assert.Error(t, err)
		})
	}
}

func TestEventChannelPerTask(t *testing.T) {
	assert.Equal(t, "events:trading:t1", EventChannel("t1"))
	assert.NotEqual(t, EventChannel("t1"), EventChannel("t2"))
}

// newRunnerFixture wires a runner against the in-memory coordination store
// and a real sqlite database, the same graph NewApp builds minus the feed
// and supervisor roles.
func newRunnerFixture(t *testing.T) *App {
	t.Helper()
	db, err := gormstore.New(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Ticks:     config.TicksConfig{Channel: "ticks"},
		Replay:    config.ReplayConfig{ChannelPrefix: "replay:", ChunkSize: 2},
		Heartbeat: config.HeartbeatConfig{StopCheckSeconds: 1, BeatSeconds: 1},
		Feed:      config.FeedConfig{Provider: "sim", Instruments: []string{"EUR_USD"}},
	}
	a := &App{
		cfg:        cfg,
		coordStore: coord.NewMemStore(),
		db:         db,
		orders:     broker.Paper{},
	}
	a.replayer = replay.NewReplayer(a.coordStore, db.Ticks(), db.TaskStatuses(), cfg.Replay, cfg.Heartbeat)
	a.runner = NewTaskRunner(a)
	a.lifecycle = lifecycle.NewManager(db.Tasks(), a.coordStore, a.runner, 2*time.Second)
	a.runner.BindLifecycle(a.lifecycle)
	a.lifecycle.RegisterStopHandler(model.TaskTypeBacktest, a.runner.StopBacktest)
	return a
}

func taskStatusIs(a *App, id string, want model.TaskStatus) func() bool {
	return func() bool {
		task, err := a.db.Tasks().Find(context.Background(), id)
		return err == nil && task.Status == want
	}
}

func TestTaskRunnerTradingSellOnStop(t *testing.T) {
	a := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, a.db.Tasks().Create(ctx, &model.TaskModel{
		ID:         "t1",
		Type:       model.TaskTypeTrading,
		AccountID:  "acct-1",
		Status:     model.TaskCreated,
		ConfigRef:  `{"instrument":"EUR_USD"}`,
		SellOnStop: true,
	}))
	require.NoError(t, a.lifecycle.Start(ctx, "t1"))
	require.Eventually(t, taskStatusIs(a, "t1", model.TaskRunning),
		3*time.Second, 20*time.Millisecond, "runtime acknowledges RUNNING")

	tickPayload, err := ticks.EncodePrice(feed.Price{
		Instrument: "EUR_USD",
		Time:       time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		Bid:        decimal.RequireFromString("1.0999"),
		Ask:        decimal.RequireFromString("1.1001"),
	})
	require.NoError(t, err)
	entry, err := json.Marshal(engine.Event{
		Kind:      engine.KindInitialEntry,
		Layer:     1,
		Direction: model.DirectionLong,
		Units:     decimal.RequireFromString("100"),
		Timestamp: time.Date(2026, 4, 1, 9, 0, 1, 0, time.UTC),
	})
	require.NoError(t, err)

	// The loop may pick up the entry before the first tick and drop it for
	// lack of a price; keep feeding both until a position opens.
	openQuery := store.OpenPositionQuery{TaskType: model.TaskTypeTrading, TaskID: "t1"}
	require.Eventually(t, func() bool {
		_ = a.coordStore.Publish(ctx, a.cfg.Ticks.Channel, tickPayload)
		_ = a.coordStore.Publish(ctx, EventChannel("t1"), string(entry))
		open, err := a.db.Positions().OpenPositions(ctx, openQuery)
		return err == nil && len(open) > 0
	}, 3*time.Second, 50*time.Millisecond, "entry event opens a position")

	require.NoError(t, a.lifecycle.Stop(ctx, "t1", lifecycle.StopGraceful))
	require.Eventually(t, taskStatusIs(a, "t1", model.TaskStopped),
		5*time.Second, 20*time.Millisecond, "runtime acknowledges STOPPED")

	open, err := a.db.Positions().OpenPositions(ctx, openQuery)
	require.NoError(t, err)
	assert.Empty(t, open, "sell-on-stop unwound the book")
}

func TestTaskRunnerBacktestRunsToCompletion(t *testing.T) {
	a := newRunnerFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rows := make([]model.TickModel, 0, 5)
	for i := 0; i < 5; i++ {
		bid := decimal.RequireFromString("1.1000").Add(decimal.New(int64(i), -4))
		rows = append(rows, model.TickModel{
			Instrument: "EUR_USD",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Bid:        bid,
			Ask:        bid.Add(decimal.RequireFromString("0.0002")),
			Mid:        bid.Add(decimal.RequireFromString("0.0001")),
		})
	}
	require.NoError(t, a.db.Ticks().UpsertTicks(ctx, rows))

	require.NoError(t, a.db.Tasks().Create(ctx, &model.TaskModel{
		ID:        "bt-1",
		Type:      model.TaskTypeBacktest,
		AccountID: "acct-1",
		Status:    model.TaskCreated,
		ConfigRef: fmt.Sprintf(`{"instrument":"EUR_USD","start":%q,"end":%q}`,
			base.Format(time.RFC3339), base.Add(time.Minute).Format(time.RFC3339)),
	}))

	sub, err := a.coordStore.Subscribe(ctx, a.replayer.ChannelFor("bt-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, a.lifecycle.Start(ctx, "bt-1"))
	require.Eventually(t, taskStatusIs(a, "bt-1", model.TaskCompleted),
		5*time.Second, 20*time.Millisecond, "finished replay completes the task")

	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 6 {
		select {
		case msg := <-sub.Messages():
			var frame replay.Frame
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &frame))
			types = append(types, frame.Type)
			if frame.Type == replay.FrameEOF {
				assert.Equal(t, 5, frame.Count)
			}
		case <-deadline:
			t.Fatalf("timed out with frames %v", types)
		}
	}
	assert.Equal(t, []string{"tick", "tick", "tick", "tick", "tick", "eof"}, types)
}

func TestTaskRunnerStopBacktestSignalsReplay(t *testing.T) {
	a := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, a.runner.StopBacktest(ctx, &model.TaskModel{ID: "bt-2", Type: model.TaskTypeBacktest}))

	exists, err := a.coordStore.Exists(ctx, heartbeat.StopSignalKey(replay.TaskName, "bt-2"))
	require.NoError(t, err)
	assert.True(t, exists, "lifecycle stop reaches the replay job through its stop flag")
}
