package ticks

import (
	"context"
	"fmt"
	"time"

	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/feed"
	"fxcore/internal/heartbeat"
	"fxcore/internal/logger"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// Publisher owns the live broker price stream for one account and
// republishes every tick on the shared channel. At most one publisher runs
// fleet-wide, enforced by the publisher lock.
type Publisher struct {
	coordStore coord.Store
	accounts   store.AccountRepository
	hb         *heartbeat.Service
	opener     feed.Opener
	cfg        config.TicksConfig
	accountID  string
}

func NewPublisher(coordStore coord.Store, accounts store.AccountRepository, hb *heartbeat.Service, opener feed.Opener, cfg config.TicksConfig, accountID string) *Publisher {
	return &Publisher{
		coordStore: coordStore,
		accounts:   accounts,
		hb:         hb,
		opener:     opener,
		cfg:        cfg,
		accountID:  accountID,
	}
}

// Run blocks until stopped. Streaming errors are retried forever with a
// fixed backoff, bounded only by the stop check before each retry.
func (p *Publisher) Run(ctx context.Context, jobID string) error {
	lock := coord.NewLock(p.coordStore, coord.PublisherLockKey, p.cfg.LockTTL())
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("publisher: acquiring lock: %w", err)
	}
	if !ok {
		p.hb.MarkStopped(ctx, model.RunStopped, "publisher lock held by another worker")
		return nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warnf("publisher: lock release failed: %v", err)
		}
	}()

	acc, err := p.accounts.Find(ctx, p.accountID)
	if err != nil || !acc.IsLive {
		p.hb.MarkStopped(ctx, model.RunStopped, fmt.Sprintf("account %s not eligible for streaming", p.accountID))
		return nil
	}

	p.hb.Start(ctx, jobID, coord.WorkerIdentity(), map[string]string{"account": p.accountID})
	count := 0
	defer func() {
		p.hb.MarkStopped(context.Background(), model.RunStopped, fmt.Sprintf("published %d ticks", count))
	}()

	backoff := p.cfg.RetryBackoff()
	for !p.hb.ShouldStop(ctx, false) {
		stream, err := p.opener.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warnf("publisher: opening stream failed: %v", err)
			p.hb.Beat(ctx, fmt.Sprintf("stream open error: %v", err), nil, true)
			sleep(ctx, backoff)
			continue
		}
		err = p.pump(ctx, stream, lock, &count)
		stream.Close()
		if err == nil {
			// Stop requested inside the pump.
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Warnf("publisher: stream error after %d ticks: %v", count, err)
		p.hb.Beat(ctx, fmt.Sprintf("stream error: %v", err), nil, true)
		sleep(ctx, backoff)
	}
	return nil
}

// pump forwards prices until the stream fails (returned as an error) or a
// stop is requested (returned as nil).
func (p *Publisher) pump(ctx context.Context, stream feed.Stream, lock *coord.Lock, count *int) error {
	for {
		if p.hb.ShouldStop(ctx, false) {
			return nil
		}
		price, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		payload, err := EncodePrice(price)
		if err != nil {
			logger.Warnf("publisher: encoding tick failed: %v", err)
			continue
		}
		if err := p.coordStore.Publish(ctx, p.cfg.Channel, payload); err != nil {
			return fmt.Errorf("publishing tick: %w", err)
		}
		*count++
		if *count%p.cfg.HeartbeatEveryTicks == 0 {
			if err := lock.Refresh(ctx); err != nil {
				logger.Warnf("publisher: lock refresh failed: %v", err)
			}
			p.hb.Beat(ctx, fmt.Sprintf("published %d ticks", *count), map[string]string{"ticks": fmt.Sprint(*count)}, false)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
