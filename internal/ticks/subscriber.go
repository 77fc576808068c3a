package ticks

import (
	"context"
	"fmt"
	"time"

	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/heartbeat"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// Subscriber consumes the shared tick channel, batches and deduplicates, and
// flushes idempotent upserts to the store. Redelivery and publisher restarts
// are safe because persistence is keyed by (instrument, timestamp).
type Subscriber struct {
	coordStore coord.Store
	ticks      store.TickRepository
	hb         *heartbeat.Service
	cfg        config.TicksConfig
	accountID  string

	buffer    []model.TickModel
	lastFlush time.Time
}

func NewSubscriber(coordStore coord.Store, ticks store.TickRepository, hb *heartbeat.Service, cfg config.TicksConfig, accountID string) *Subscriber {
	return &Subscriber{
		coordStore: coordStore,
		ticks:      ticks,
		hb:         hb,
		cfg:        cfg,
		accountID:  accountID,
	}
}

// Run blocks until stopped. Subscription errors trigger a best-effort flush,
// a fixed backoff and a resubscribe.
func (s *Subscriber) Run(ctx context.Context, jobID string) error {
	lock := coord.NewLock(s.coordStore, coord.SubscriberLockKey(s.accountID), s.cfg.LockTTL())
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("subscriber: acquiring lock: %w", err)
	}
	if !ok {
		s.hb.MarkStopped(ctx, model.RunStopped, "subscriber lock held by another worker")
		return nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warnf("subscriber: lock release failed: %v", err)
		}
	}()

	s.hb.Start(ctx, jobID, coord.WorkerIdentity(), map[string]string{"account": s.accountID})
	s.lastFlush = time.Now()
	stored := 0
	defer func() {
		// Crash-recovery paths included: whatever is buffered goes out
		// before the lock is released.
		s.flush(context.Background(), &stored)
		s.hb.MarkStopped(context.Background(), model.RunStopped, fmt.Sprintf("stored %d ticks", stored))
	}()

	backoff := s.cfg.RetryBackoff()
	for !s.hb.ShouldStop(ctx, false) {
		sub, err := s.coordStore.Subscribe(ctx, s.cfg.Channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warnf("subscriber: subscribe failed: %v", err)
			s.hb.Beat(ctx, fmt.Sprintf("subscribe error: %v", err), nil, true)
			sleep(ctx, backoff)
			continue
		}
		err = s.consume(ctx, sub, &stored)
		sub.Close()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Warnf("subscriber: connection error: %v", err)
		s.flush(ctx, &stored)
		s.hb.Beat(ctx, fmt.Sprintf("subscription error: %v", err), nil, true)
		sleep(ctx, backoff)
	}
	return nil
}

// consume drains one subscription until it breaks (error return) or a stop
// is requested (nil return).
func (s *Subscriber) consume(ctx context.Context, sub coord.Subscription, stored *int) error {
	for {
		if s.hb.ShouldStop(ctx, false) {
			return nil
		}
		idle := time.NewTimer(s.flushDeadline())
		select {
		case <-ctx.Done():
			idle.Stop()
			return nil
		case <-idle.C:
			// No message before the flush interval elapsed.
			s.maybeFlush(ctx, stored)
		case msg, ok := <-sub.Messages():
			idle.Stop()
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			row, err := ParsePayload(msg.Payload)
			if err != nil {
				logger.Warnf("subscriber: dropping malformed tick: %v", err)
				continue
			}
			s.buffer = append(s.buffer, row)
			s.maybeFlush(ctx, stored)
		}
	}
}

func (s *Subscriber) flushDeadline() time.Duration {
	remaining := s.cfg.FlushInterval() - time.Since(s.lastFlush)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// maybeFlush flushes when the buffer is full or the flush interval has
// elapsed, whichever comes first.
func (s *Subscriber) maybeFlush(ctx context.Context, stored *int) {
	if len(s.buffer) >= s.cfg.MaxBatch || (len(s.buffer) > 0 && time.Since(s.lastFlush) >= s.cfg.FlushInterval()) {
		s.flush(ctx, stored)
	}
}

// flush deduplicates the buffer by natural key (last value wins) and upserts
// it. On failure the buffer is kept for the next trigger.
func (s *Subscriber) flush(ctx context.Context, stored *int) {
	if len(s.buffer) == 0 {
		return
	}
	rows := Deduplicate(s.buffer)
	if err := s.ticks.UpsertTicks(ctx, rows); err != nil {
		logger.Warnf("subscriber: flush of %d ticks failed (kept buffered): %v", len(rows), err)
		return
	}
	*stored += len(rows)
	s.buffer = s.buffer[:0]
	s.lastFlush = time.Now()
	s.hb.Beat(ctx, fmt.Sprintf("stored %d ticks", *stored), map[string]string{"ticks": fmt.Sprint(*stored)}, false)
}

// Deduplicate collapses rows sharing (instrument, timestamp); the last seen
// values win. Input order is otherwise preserved.
func Deduplicate(rows []model.TickModel) []model.TickModel {
	index := make(map[string]int, len(rows))
	out := make([]model.TickModel, 0, len(rows))
	for _, row := range rows {
		key := NaturalKey(row)
		if i, ok := index[key]; ok {
			out[i] = row
			continue
		}
		index[key] = len(out)
		out = append(out, row)
	}
	return out
}
