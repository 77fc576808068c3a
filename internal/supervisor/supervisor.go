package supervisor

import (
	"context"
	"errors"
	"fmt"

	"fxcore/internal/config"
	"fxcore/internal/coord"
	"fxcore/internal/heartbeat"
	"fxcore/internal/logger"
	"fxcore/internal/scheduler"
	"fxcore/internal/store"
	"fxcore/internal/store/model"
)

// PinnedAccountKey stores the account id the fleet streams for. Pinned
// exactly once via set-if-absent; cleared only by operator action.
const PinnedAccountKey = "supervisor:account"

// Dispatcher enqueues the worker jobs the supervisor found missing.
type Dispatcher interface {
	EnqueuePublisher(ctx context.Context, accountID string) error
	EnqueueSubscriber(ctx context.Context, accountID string) error
}

// Supervisor guarantees exactly one live publisher and one live subscriber
// exist, self-healing after crashes: each cycle takes a short-lived lock,
// checks the role locks and enqueues whatever is missing.
type Supervisor struct {
	coordStore coord.Store
	accounts   store.AccountRepository
	hb         *heartbeat.Service
	dispatcher Dispatcher
	cfg        config.SupervisorConfig
}

func New(coordStore coord.Store, accounts store.AccountRepository, hb *heartbeat.Service, dispatcher Dispatcher, cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		coordStore: coordStore,
		accounts:   accounts,
		hb:         hb,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Cycle runs one supervision pass. Invoked by the interval loop and directly
// on external triggers (process startup, first live-account creation). When
// another instance holds the supervisor lock the cycle is skipped without
// side effects.
func (s *Supervisor) Cycle(ctx context.Context) error {
	lock := coord.NewLock(s.coordStore, coord.SupervisorLockKey, s.cfg.LockTTL())
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: acquiring lock: %w", err)
	}
	if !ok {
		logger.Debugf("supervisor: lock held by another instance, skipping cycle")
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logger.Warnf("supervisor: lock release failed: %v", err)
		}
	}()

	accountID, err := s.resolveAccount(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Infof("supervisor: no live account yet, nothing to supervise")
			return nil
		}
		return err
	}
	acc, err := s.accounts.Find(ctx, accountID)
	if err != nil || !acc.IsLive {
		logger.Warnf("supervisor: pinned account %s is not eligible (demoted?); skipping cycle", accountID)
		return nil
	}

	if missing, err := s.roleMissing(ctx, coord.PublisherLockKey); err != nil {
		return err
	} else if missing {
		logger.Infof("supervisor: no live publisher for %s, enqueueing", accountID)
		if err := s.dispatcher.EnqueuePublisher(ctx, accountID); err != nil {
			logger.Errorf("supervisor: enqueue publisher failed: %v", err)
		}
	}
	if missing, err := s.roleMissing(ctx, coord.SubscriberLockKey(accountID)); err != nil {
		return err
	} else if missing {
		logger.Infof("supervisor: no live subscriber for %s, enqueueing", accountID)
		if err := s.dispatcher.EnqueueSubscriber(ctx, accountID); err != nil {
			logger.Errorf("supervisor: enqueue subscriber failed: %v", err)
		}
	}
	return nil
}

func (s *Supervisor) roleMissing(ctx context.Context, lockKey string) (bool, error) {
	exists, err := s.coordStore.Exists(ctx, lockKey)
	if err != nil {
		return false, fmt.Errorf("supervisor: checking %s: %w", lockKey, err)
	}
	return !exists, nil
}

// resolveAccount returns the pinned account, pinning the oldest live account
// exactly once (set-if-absent) when no pin exists yet. Losing the SetNX race
// just means another instance pinned first; the re-read wins either way.
func (s *Supervisor) resolveAccount(ctx context.Context) (string, error) {
	pinned, ok, err := s.coordStore.Get(ctx, PinnedAccountKey)
	if err != nil {
		return "", fmt.Errorf("supervisor: reading pinned account: %w", err)
	}
	if ok && pinned != "" {
		return pinned, nil
	}
	acc, err := s.accounts.OldestLive(ctx)
	if err != nil {
		return "", err
	}
	if _, err := s.coordStore.SetNX(ctx, PinnedAccountKey, acc.ID, 0); err != nil {
		return "", fmt.Errorf("supervisor: pinning account: %w", err)
	}
	pinned, _, err = s.coordStore.Get(ctx, PinnedAccountKey)
	if err != nil {
		return "", fmt.Errorf("supervisor: re-reading pinned account: %w", err)
	}
	return pinned, nil
}

// Run is the self-perpetuating loop: it always reschedules after the
// interval — even when a cycle failed — unless the stop flag says to
// terminate, in which case it marks itself stopped and does not reschedule.
func (s *Supervisor) Run(ctx context.Context, jobID string) {
	s.hb.Start(ctx, jobID, coord.WorkerIdentity(), nil)
	sch := scheduler.NewIntervalScheduler(ctx, s.cfg.Interval())
	sch.RunImmediately = true
	sch.Start(func() bool {
		if s.hb.ShouldStop(ctx, false) {
			s.hb.MarkStopped(ctx, model.RunStopped, "stop requested")
			return false
		}
		if err := s.Cycle(ctx); err != nil {
			logger.Errorf("supervisor: cycle failed: %v", err)
			s.hb.Beat(ctx, fmt.Sprintf("cycle error: %v", err), nil, true)
		} else {
			s.hb.Beat(ctx, "cycle ok", nil, false)
		}
		return true
	})
}
