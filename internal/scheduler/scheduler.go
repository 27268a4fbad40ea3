// Package scheduler drives the trading cycle on a fixed cadence. Ticks are
// aligned to interval boundaries so cycle starts land just after candle
// close. A run lock enforces one cycle at a time: a tick that arrives while
// the previous cycle is still running is skipped and logged, never queued.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"marlin/internal/logger"
)

type Scheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	runLock sync.Mutex
	skipped atomic.Int64
	nowFn   func() time.Time
}

func New(interval, offset time.Duration) *Scheduler {
	return &Scheduler{
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
	}
}

// Skipped returns how many ticks were dropped because a cycle was still
// running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// Start blocks until ctx is cancelled, invoking task once per aligned tick
// when the run lock is free; otherwise the tick is dropped.
func (s *Scheduler) Start(ctx context.Context, task func(context.Context)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("scheduler: started interval=%s offset=%s run_immediately=%v at=%s",
		s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		s.runOnce(ctx, task)
	}

	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.nextTick(now)

		logger.Debugf("scheduler: next tick at %s (in %s)",
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				logger.Infof("scheduler: context done, exit")
				return
			case <-timer.C:
			}
		}
		s.runOnce(ctx, task)
	}
}

// runOnce launches task under the run lock. When the lock is held a cycle
// is still in flight, so the tick is counted as skipped and dropped. Cycles
// run off the scheduler goroutine so a slow cycle delays nothing; it just
// causes skips.
func (s *Scheduler) runOnce(ctx context.Context, task func(context.Context)) {
	if !s.runLock.TryLock() {
		s.skipped.Add(1)
		logger.Warnf("scheduler: previous cycle still running, skipping tick")
		return
	}
	go func() {
		defer s.runLock.Unlock()
		task(ctx)
	}()
}

func (s *Scheduler) nextTick(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	wakeAt = now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
	wait = wakeAt.Sub(now)
	return wakeAt, wait
}
