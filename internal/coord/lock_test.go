package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRefreshRelease(t *testing.T) {
	ctx := context.Background()
	cs := NewMemStore()

	lock := NewLock(cs, "lock:test", time.Minute)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	second := NewLock(cs, "lock:test", time.Minute)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not win the same key")

	require.NoError(t, lock.Refresh(ctx))
	require.NoError(t, lock.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the key is free after release")
}

func TestLockExpiry(t *testing.T) {
	ctx := context.Background()
	cs := NewMemStore()

	lock := NewLock(cs, "lock:ttl", 20*time.Millisecond)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	err = lock.Refresh(ctx)
	assert.Error(t, err, "refreshing an expired lock surfaces the loss")

	other := NewLock(cs, "lock:ttl", time.Minute)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder's lock frees itself after the TTL")
}

func TestLockReleaseIsHolderChecked(t *testing.T) {
	ctx := context.Background()
	cs := NewMemStore()

	// Simulate another process owning the key.
	require.NoError(t, cs.Set(ctx, "lock:foreign", "elsewhere:1", time.Minute))

	lock := NewLock(cs, "lock:foreign", time.Minute)
	require.NoError(t, lock.Release(ctx), "releasing a stolen lock is a no-op, not an error")

	val, ok, err := cs.Get(ctx, "lock:foreign")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "elsewhere:1", val, "the foreign holder keeps its lock")
}

func TestMemStoreExpiry(t *testing.T) {
	ctx := context.Background()
	cs := NewMemStore()

	require.NoError(t, cs.Set(ctx, "k", "v", 20*time.Millisecond))
	exists, err := cs.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	time.Sleep(40 * time.Millisecond)
	exists, err = cs.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, found, err := cs.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemStorePubSub(t *testing.T) {
	ctx := context.Background()
	cs := NewMemStore()

	first, err := cs.Subscribe(ctx, "ch")
	require.NoError(t, err)
	second, err := cs.Subscribe(ctx, "ch")
	require.NoError(t, err)

	require.NoError(t, cs.Publish(ctx, "ch", "hello"))
	require.NoError(t, cs.Publish(ctx, "other", "elsewhere"))

	for _, sub := range []Subscription{first, second} {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "ch", msg.Channel)
			assert.Equal(t, "hello", msg.Payload)
		case <-time.After(time.Second):
			t.Fatal("message not delivered to every subscriber")
		}
	}

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "double close is safe")
	require.NoError(t, cs.Publish(ctx, "ch", "after close"))
	select {
	case msg := <-second.Messages():
		assert.Equal(t, "after close", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber stopped receiving")
	}
}
