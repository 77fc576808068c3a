package ticks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/heartbeat"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

type memTicksRepo struct {
	mu   sync.Mutex
	rows map[string]model.TickModel
}

func newMemTicksRepo() *memTicksRepo {
	return &memTicksRepo{rows: make(map[string]model.TickModel)}
}

func (m *memTicksRepo) UpsertTicks(ctx context.Context, rows []model.TickModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.rows[NaturalKey(row)] = row
	}
	return nil
}

func (m *memTicksRepo) ListTicks(ctx context.Context, instrument string, start, end, after time.Time, limit int) ([]model.TickModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TickModel
	for _, row := range m.rows {
		if row.Instrument == instrument {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memTicksRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memStatuses struct {
	mu   sync.Mutex
	last *model.TaskStatusModel
}

func (m *memStatuses) Upsert(ctx context.Context, rec *model.TaskStatusModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.last = &cp
	return nil
}

func (m *memStatuses) Find(ctx context.Context, taskName, instanceKey string) (*model.TaskStatusModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.last
	return &cp, nil
}

func (m *memStatuses) lastStatus() (model.RunStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return "", ""
	}
	return m.last.Status, m.last.StatusMessage
}

func testTicksConfig() config.TicksConfig {
	return config.TicksConfig{
		Channel:             "ticks",
		LockTTLSeconds:      5,
		HeartbeatEveryTicks: 2,
		RetryBackoffSeconds: 1,
		MaxBatch:            3,
		FlushSeconds:        60,
	}
}

func tickPayload(t *testing.T, ts time.Time, bid string) string {
	t.Helper()
	raw, err := EncodePrice(feedPrice(ts, bid))
	require.NoError(t, err)
	return raw
}

func TestSubscriberConsumeDedupesAndFlushes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs := coord.NewMemStore()
	repo := newMemTicksRepo()
	statuses := &memStatuses{}
	hb := heartbeat.NewService(cs, statuses, "tick_subscriber", "acct-1", 10*time.Millisecond, time.Hour)
	sub := NewSubscriber(cs, repo, hb, testTicksConfig(), "acct-1")
	sub.lastFlush = time.Now()

	subscription, err := cs.Subscribe(ctx, "ticks")
	require.NoError(t, err)
	defer subscription.Close()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, cs.Publish(ctx, "ticks", tickPayload(t, ts, "1.1000")))
	require.NoError(t, cs.Publish(ctx, "ticks", `{"garbage":`))
	require.NoError(t, cs.Publish(ctx, "ticks", tickPayload(t, ts, "1.1009"))) // redelivery, newer bid
	require.NoError(t, cs.Publish(ctx, "ticks", tickPayload(t, ts.Add(time.Second), "1.1001")))

	done := make(chan error, 1)
	stored := 0
	go func() {
		done <- sub.consume(ctx, subscription, &stored)
	}()

	require.Eventually(t, func() bool { return repo.count() == 2 }, 2*time.Second, 10*time.Millisecond,
		"three valid messages collapse to two rows at the batch boundary")

	require.NoError(t, cs.Set(ctx, heartbeat.StopSignalKey("tick_subscriber", "acct-1"), "stopping", 0))
	select {
	case err := <-done:
		assert.NoError(t, err, "stop request ends the consume loop cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not observe the stop request")
	}

	row, ok := repo.rows[NaturalKey(model.TickModel{Instrument: "EUR_USD", Timestamp: ts})]
	require.True(t, ok)
	assert.True(t, row.Bid.Equal(decimal.RequireFromString("1.1009")), "redelivered tick overwrote the older values")
}

func TestSubscriberRunYieldsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	cs := coord.NewMemStore()
	statuses := &memStatuses{}
	hb := heartbeat.NewService(cs, statuses, "tick_subscriber", "acct-1", 10*time.Millisecond, time.Hour)

	other := coord.NewLock(cs, coord.SubscriberLockKey("acct-1"), time.Minute)
	held, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	sub := NewSubscriber(cs, newMemTicksRepo(), hb, testTicksConfig(), "acct-1")
	require.NoError(t, sub.Run(ctx, "job-1"))

	status, msg := statuses.lastStatus()
	assert.Equal(t, model.RunStopped, status)
	assert.Contains(t, msg, "lock held by another worker")
}

func TestSubscriberFlushKeepsBufferOnFailure(t *testing.T) {
	cs := coord.NewMemStore()
	statuses := &memStatuses{}
	hb := heartbeat.NewService(cs, statuses, "tick_subscriber", "acct-1", time.Hour, time.Hour)
	failing := &failingTicksRepo{}
	sub := NewSubscriber(cs, failing, hb, testTicksConfig(), "acct-1")
	sub.lastFlush = time.Now()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sub.buffer = append(sub.buffer, model.TickModel{Instrument: "EUR_USD", Timestamp: ts})

	stored := 0
	sub.flush(context.Background(), &stored)
	assert.Zero(t, stored)
	assert.Len(t, sub.buffer, 1, "failed flush keeps rows for the next attempt")

	failing.ok = true
	sub.flush(context.Background(), &stored)
	assert.Equal(t, 1, stored)
	assert.Empty(t, sub.buffer)
}

type failingTicksRepo struct {
	ok bool
}

func (f *failingTicksRepo) UpsertTicks(ctx context.Context, rows []model.TickModel) error {
	if !f.ok {
		return assert.AnError
	}
	return nil
}

func (f *failingTicksRepo) ListTicks(ctx context.Context, instrument string, start, end, after time.Time, limit int) ([]model.TickModel, error) {
	return nil, nil
}
