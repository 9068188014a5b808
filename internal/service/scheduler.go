package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler pulls one pending run per tick and hands it to ProcessRun. At most
// one run is in flight at any time.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	busy atomic.Bool

	mu          sync.Mutex
	activeRunID string
	lastTickAt  time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func newScheduler(svc *Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{svc: svc, interval: interval, logger: logger}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("scheduler started", "interval", s.interval)
	go s.loop(loopCtx, done)
}

// Stop prevents further ticks and waits for the loop to exit. A run already
// in flight is allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	runCtx := context.WithoutCancel(ctx)
	recovered := s.recoverInFlight(runCtx)

	// The timer is re-armed only after a tick returns, so ticks never overlap.
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !recovered {
				recovered = s.recoverInFlight(runCtx)
			}
			s.Tick(runCtx)
			timer.Reset(s.interval)
		}
	}
}

// recoverInFlight settles runs stranded by an earlier process. It holds the
// busy flag so no run of this process is mistaken for a stranded one, and
// reports false when it should be attempted again.
func (s *Scheduler) recoverInFlight(ctx context.Context) (ok bool) {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer s.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run recovery panicked", "panic", r)
			ok = false
		}
	}()

	n, err := s.svc.RecoverInFlight(ctx)
	if n > 0 {
		s.logger.Info("recovered interrupted runs", "count", n)
	}
	if err != nil {
		s.logger.Error("failed to recover interrupted runs", "error", err)
		return false
	}
	return true
}

// Tick processes the next pending run, if any and if no run is in flight.
// It reports whether a run was processed.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	s.lastTickAt = s.svc.now().UTC()
	s.mu.Unlock()

	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer s.busy.Store(false)

	run, err := s.svc.store.NextPending(ctx)
	if err != nil {
		s.logger.Error("failed to load next pending run", "error", err)
		return false
	}
	if run == nil {
		return false
	}

	s.setActive(run.ID)
	defer s.setActive("")

	s.process(ctx, run.ID, func() error { return s.svc.ProcessRun(ctx, run) })
	return true
}

func (s *Scheduler) process(ctx context.Context, runID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run processing panicked", "run_id", runID, "panic", r)
			s.abandon(ctx, runID, fmt.Errorf("internal error: %v", r))
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error("failed to process run", "run_id", runID, "error", err)
	}
}

func (s *Scheduler) abandon(ctx context.Context, runID string, cause error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failed to abandon panicked run", "run_id", runID, "panic", r)
		}
	}()
	if err := s.svc.abandon(ctx, runID, cause); err != nil {
		s.logger.Error("failed to abandon panicked run", "run_id", runID, "error", err)
	}
}

func (s *Scheduler) setActive(runID string) {
	s.mu.Lock()
	s.activeRunID = runID
	s.mu.Unlock()
}

// Busy reports whether a run is in flight.
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

func (s *Scheduler) snapshot() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRunID, s.lastTickAt
}
