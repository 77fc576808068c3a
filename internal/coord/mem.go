package coord

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process Store used by tests and the sim/dev mode where a
// shared redis is not available. Semantics match RedisStore, including lazy
// key expiry.
type MemStore struct {
	mu   sync.Mutex
	vals map[string]memEntry
	subs map[string][]*memSubscription
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func NewMemStore() *MemStore {
	return &MemStore{
		vals: make(map[string]memEntry),
		subs: make(map[string][]*memSubscription),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) entry(key string) (memEntry, bool) {
	e, ok := s.vals[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.vals, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entry(key); ok {
		return false, nil
	}
	s.vals[key] = newEntry(value, ttl)
	return true, nil
}

func (s *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entry(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = newEntry(value, ttl)
	return nil
}

func (s *MemStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	return nil
}

func (s *MemStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entry(key)
	if !ok {
		return false, nil
	}
	s.vals[key] = newEntry(e.value, ttl)
	return true, nil
}

func (s *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entry(key)
	return ok, nil
}

func (s *MemStore) Publish(ctx context.Context, channel, payload string) error {
	s.mu.Lock()
	subs := append([]*memSubscription(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(Message{Channel: channel, Payload: payload})
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memSubscription{
		store:   s,
		channel: channel,
		out:     make(chan Message, 256),
	}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub, nil
}

func newEntry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

type memSubscription struct {
	store   *MemStore
	channel string
	out     chan Message

	mu     sync.Mutex
	closed bool
}

func (s *memSubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		// Slow consumer: drop rather than block the publisher, matching
		// redis pub/sub fire-and-forget delivery.
	}
}

func (s *memSubscription) Messages() <-chan Message {
	return s.out
}

func (s *memSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.store.mu.Lock()
	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()
	return nil
}
