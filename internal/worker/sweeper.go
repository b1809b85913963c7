// Package worker runs the periodic scheduled-work sweep.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/sequence"
)

// SweepRunner is one pass over the scheduled-work queue. Implemented by
// sequence.Scheduler.
type SweepRunner interface {
	ProcessScheduledSteps(ctx context.Context) *sequence.SweepResult
}

// Sweeper drives a SweepRunner on a ticker. The manual /api/scheduler/run
// endpoint and this loop can overlap safely; the work queue's claim step
// arbitrates.
type Sweeper struct {
	sched    SweepRunner
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastRunAt time.Time
	lastErrs  int
	totals    sequence.SweepResult
}

// NewSweeper creates a sweep loop with the given tick interval.
func NewSweeper(sched SweepRunner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{sched: sched, interval: interval}
}

// Start launches the sweep loop. The first pass runs immediately.
func (s *Sweeper) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[Sweeper] starting, interval=%s", s.interval)

		s.runOnce()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				log.Println("[Sweeper] stopped")
				return
			case <-ticker.C:
				s.runOnce()
			}
		}
	}()
}

// Stop shuts the loop down, waiting up to 10s for an in-flight pass.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("[Sweeper] stop timed out waiting for in-flight pass")
	}
}

func (s *Sweeper) runOnce() {
	result := s.sched.ProcessScheduledSteps(s.ctx)

	s.mu.Lock()
	s.lastRunAt = time.Now()
	s.lastErrs = len(result.Errors)
	s.totals.Processed += result.Processed
	s.totals.Sent += result.Sent
	s.totals.Skipped += result.Skipped
	s.totals.Failed += result.Failed
	s.mu.Unlock()

	if result.Processed > 0 || len(result.Errors) > 0 {
		log.Printf("[Sweeper] pass done processed=%d sent=%d skipped=%d failed=%d errors=%d",
			result.Processed, result.Sent, result.Skipped, result.Failed, len(result.Errors))
	}
	for _, item := range result.Errors {
		log.Printf("[Sweeper] item=%s: %s", item.ItemID, item.Error)
	}
}

// LastRunAt reports when the last pass finished.
func (s *Sweeper) LastRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunAt
}

// IsHealthy reports whether a pass completed within two intervals.
func (s *Sweeper) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRunAt.IsZero() {
		return true // not yet started counts as healthy
	}
	return time.Since(s.lastRunAt) < 2*s.interval
}

// Totals returns cumulative sweep counters since start.
func (s *Sweeper) Totals() sequence.SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sequence.SweepResult{
		Processed: s.totals.Processed,
		Sent:      s.totals.Sent,
		Skipped:   s.totals.Skipped,
		Failed:    s.totals.Failed,
	}
}
