package tracker

import (
	"context"
	"sync"
	"time"

	"pricealerts/internal/logger"

	"go.uber.org/zap"
)

// Cycler runs one polling cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Scheduler triggers cycles on a fixed interval, starting with one
// immediately. A tick that arrives while a cycle is still running starts
// another cycle; overlapping cycles are safe.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(cycler Cycler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{cycler: cycler, interval: interval}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		logger.Log.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.trigger()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.trigger()
			}
		}
	}()

	logger.Log.Info("Scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the ticker and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	logger.Log.Info("Scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs a cycle synchronously outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (*CycleReport, error) {
	logger.Log.Info("Manual cycle triggered")
	return s.cycler.RunCycle(ctx)
}

func (s *Scheduler) trigger() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// cycles are bounded by per-call timeouts, not a cycle deadline
		report, err := s.cycler.RunCycle(context.Background())
		if err != nil {
			logger.Log.Error("Polling cycle aborted", zap.Error(err))
			return
		}
		for _, f := range report.Failures {
			logger.Log.Debug("Cycle failure", zap.String("cycle_id", report.CycleID), zap.String("failure", f.String()))
		}
	}()
}
