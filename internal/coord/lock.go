package coord

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Lock key layout, one key per role.
const (
	SupervisorLockKey = "lock:supervisor"
	PublisherLockKey  = "lock:publisher"
)

// SubscriberLockKey returns the per-account subscriber lock key.
func SubscriberLockKey(account string) string {
	return "lock:subscriber:" + account
}

// TaskLockKey returns the per-task lock key.
func TaskLockKey(taskType, taskID string) string {
	return "lock:task:" + taskType + ":" + taskID
}

// WorkerIdentity identifies this process as a lock holder ("host:pid").
func WorkerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Lock is an advisory TTL lock held in the coordination store. A crashed
// holder's lock expires on its own after the TTL; it is used only to avoid
// duplicate long-running loops, never to protect persisted state.
type Lock struct {
	store  Store
	key    string
	holder string
	ttl    time.Duration
}

func NewLock(store Store, key string, ttl time.Duration) *Lock {
	return &Lock{
		store:  store,
		key:    key,
		holder: WorkerIdentity(),
		ttl:    ttl,
	}
}

// Acquire attempts set-if-absent. Returns false when another holder owns the key.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.store.SetNX(ctx, l.key, l.holder, l.ttl)
}

// Refresh extends the TTL. Refreshing a lock that has already expired
// re-creates nothing; the caller learns about the loss on the next Acquire.
func (l *Lock) Refresh(ctx context.Context) error {
	ok, err := l.store.Expire(ctx, l.key, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock %s: ttl refresh found no key (expired?)", l.key)
	}
	return nil
}

// Release deletes the key. Best-effort: releasing an expired or stolen lock
// is not an error worth surfacing.
func (l *Lock) Release(ctx context.Context) error {
	val, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if !ok || val != l.holder {
		return nil
	}
	return l.store.Del(ctx, l.key)
}

func (l *Lock) Key() string    { return l.key }
func (l *Lock) Holder() string { return l.holder }
func (l *Lock) TTL() time.Duration { return l.ttl }
