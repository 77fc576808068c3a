package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/heartbeat"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

type memAccounts struct {
	mu       sync.Mutex
	accounts []*model.AccountModel
}

func (m *memAccounts) Find(ctx context.Context, id string) (*model.AccountModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == id {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memAccounts) OldestLive(ctx context.Context) (*model.AccountModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *model.AccountModel
	for _, acc := range m.accounts {
		if !acc.IsLive {
			continue
		}
		if oldest == nil || acc.CreatedAtUnix < oldest.CreatedAtUnix {
			oldest = acc
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

type recordingDispatcher struct {
	mu          sync.Mutex
	publishers  []string
	subscribers []string
}

func (d *recordingDispatcher) EnqueuePublisher(ctx context.Context, accountID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishers = append(d.publishers, accountID)
	return nil
}

func (d *recordingDispatcher) EnqueueSubscriber(ctx context.Context, accountID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, accountID)
	return nil
}

func (d *recordingDispatcher) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.publishers), len(d.subscribers)
}

type statusSink struct{}

func (statusSink) Upsert(ctx context.Context, rec *model.TaskStatusModel) error { return nil }
func (statusSink) Find(ctx context.Context, taskName, instanceKey string) (*model.TaskStatusModel, error) {
	return nil, store.ErrNotFound
}

func newTestSupervisor(accounts *memAccounts) (*Supervisor, *coord.MemStore, *recordingDispatcher) {
	cs := coord.NewMemStore()
	dispatcher := &recordingDispatcher{}
	hb := heartbeat.NewService(cs, statusSink{}, "supervisor", "main", 10*time.Millisecond, time.Hour)
	sup := New(cs, accounts, hb, dispatcher, config.SupervisorConfig{IntervalSeconds: 30, LockTTLSeconds: 60})
	return sup, cs, dispatcher
}

func liveAccounts() *memAccounts {
	return &memAccounts{accounts: []*model.AccountModel{
		{ID: "older", IsLive: true, CreatedAtUnix: 100},
		{ID: "newer", IsLive: true, CreatedAtUnix: 200},
		{ID: "dead", IsLive: false, CreatedAtUnix: 50},
	}}
}

func TestCyclePinsOldestLiveAccountAndEnqueuesBoth(t *testing.T) {
	ctx := context.Background()
	sup, cs, dispatcher := newTestSupervisor(liveAccounts())

	require.NoError(t, sup.Cycle(ctx))

	pinned, ok, err := cs.Get(ctx, PinnedAccountKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "older", pinned, "the oldest live account is pinned, dead ones skipped")

	assert.Equal(t, []string{"older"}, dispatcher.publishers)
	assert.Equal(t, []string{"older"}, dispatcher.subscribers)
}

func TestCyclePinIsSticky(t *testing.T) {
	ctx := context.Background()
	sup, cs, dispatcher := newTestSupervisor(liveAccounts())
	require.NoError(t, cs.Set(ctx, PinnedAccountKey, "newer", 0))

	require.NoError(t, sup.Cycle(ctx))

	pinned, _, err := cs.Get(ctx, PinnedAccountKey)
	require.NoError(t, err)
	assert.Equal(t, "newer", pinned, "an existing pin is never replaced")
	assert.Equal(t, []string{"newer"}, dispatcher.publishers)
}

func TestCycleSkipsHealthyRoles(t *testing.T) {
	ctx := context.Background()
	sup, cs, dispatcher := newTestSupervisor(liveAccounts())

	// A publisher is already alive and holding its lock.
	pubLock := coord.NewLock(cs, coord.PublisherLockKey, time.Minute)
	held, err := pubLock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, sup.Cycle(ctx))
	pubs, subs := dispatcher.counts()
	assert.Zero(t, pubs, "a live publisher is left alone")
	assert.Equal(t, 1, subs, "the missing subscriber is still replaced")
}

func TestCycleNoLiveAccountIsANoop(t *testing.T) {
	ctx := context.Background()
	sup, cs, dispatcher := newTestSupervisor(&memAccounts{})

	require.NoError(t, sup.Cycle(ctx))
	pubs, subs := dispatcher.counts()
	assert.Zero(t, pubs)
	assert.Zero(t, subs)

	_, ok, err := cs.Get(ctx, PinnedAccountKey)
	require.NoError(t, err)
	assert.False(t, ok, "nothing gets pinned without a live account")
}

func TestCycleSkipsDemotedPinnedAccount(t *testing.T) {
	ctx := context.Background()
	sup, cs, dispatcher := newTestSupervisor(liveAccounts())
	require.NoError(t, cs.Set(ctx, PinnedAccountKey, "dead", 0))

	require.NoError(t, sup.Cycle(ctx))
	pubs, subs := dispatcher.counts()
	assert.Zero(t, pubs, "a demoted pinned account spawns no workers")
	assert.Zero(t, subs)
}

func TestCycleYieldsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	sup, cs, dispatcher := newTestSupervisor(liveAccounts())

	other := coord.NewLock(cs, coord.SupervisorLockKey, time.Minute)
	held, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, sup.Cycle(ctx), "a concurrent cycle skips without error")
	pubs, subs := dispatcher.counts()
	assert.Zero(t, pubs)
	assert.Zero(t, subs)
}

func TestCycleReleasesItsLock(t *testing.T) {
	ctx := context.Background()
	sup, cs, _ := newTestSupervisor(liveAccounts())

	require.NoError(t, sup.Cycle(ctx))
	exists, err := cs.Exists(ctx, coord.SupervisorLockKey)
	require.NoError(t, err)
	assert.False(t, exists, "the cycle lock is short-lived")
}

func TestRunStopsOnStopSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup, cs, dispatcher := newTestSupervisor(liveAccounts())

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx, "job-1")
	}()

	// The immediate first cycle dispatches both roles.
	require.Eventually(t, func() bool {
		pubs, subs := dispatcher.counts()
		return pubs == 1 && subs == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cs.Set(ctx, heartbeat.StopSignalKey("supervisor", "main"), "stopping", 0))
	cancel() // the 30s interval would outlive the test; ctx ends the wait
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor loop did not exit")
	}
}
