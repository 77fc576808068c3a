package coord

import (
	"context"
	"time"
)

// Message is a single payload delivered on a named channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live consumer of one channel. Messages() is closed when
// the subscription is closed or the connection is lost.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the shared coordination store: key/value with TTL, set-if-absent,
// and publish/subscribe on named channels. It is never used for
// correctness-critical mutual exclusion on persisted state; locks built on it
// are advisory only.
type Store interface {
	// SetNX sets key to value only if the key is absent, with a TTL.
	// Returns true when the key was set by this call.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set unconditionally writes key=value. ttl<=0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes the key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// Expire resets the TTL of an existing key. Returns false if the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe opens a subscription on channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
