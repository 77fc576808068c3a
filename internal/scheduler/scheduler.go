package scheduler

import (
	"context"
	"time"

	"fxcore/internal/logger"
)

// IntervalScheduler re-invokes a task at a fixed interval until the context
// is cancelled or the task asks to stop. It replaces the "task schedules
// itself again" pattern with an explicit loop owning the timer.
type IntervalScheduler struct {
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalScheduler(ctx context.Context, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, running task every Interval. The task returns false to
// terminate the loop (the "told to stop" contract); ctx cancellation also
// terminates it.
func (s *IntervalScheduler) Start(task func() bool) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("IntervalScheduler: task is nil, exit")
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("IntervalScheduler: started interval=%s run_immediately=%v at=%s",
		s.Interval, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		if !task() {
			logger.Infof("IntervalScheduler: task requested stop, exit")
			return
		}
	}

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("IntervalScheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		if !task() {
			logger.Infof("IntervalScheduler: task requested stop, exit")
			return
		}
		timer.Reset(s.Interval)
	}
}
