package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/sequence"
)

type countingRunner struct {
	passes int64
	result sequence.SweepResult
}

func (c *countingRunner) ProcessScheduledSteps(_ context.Context) *sequence.SweepResult {
	atomic.AddInt64(&c.passes, 1)
	r := c.result
	return &r
}

func TestSweeperRunsImmediatelyAndOnTicks(t *testing.T) {
	runner := &countingRunner{result: sequence.SweepResult{Processed: 2, Sent: 2}}
	s := NewSweeper(runner, 20*time.Millisecond)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runner.passes) >= 3
	}, 2*time.Second, 5*time.Millisecond, "expected the immediate pass plus ticks")

	assert.False(t, s.LastRunAt().IsZero())
	assert.True(t, s.IsHealthy())

	totals := s.Totals()
	assert.GreaterOrEqual(t, totals.Processed, 6)
	assert.Equal(t, totals.Processed, totals.Sent)
}

func TestSweeperStopHaltsPasses(t *testing.T) {
	runner := &countingRunner{}
	s := NewSweeper(runner, 10*time.Millisecond)

	s.Start()
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runner.passes) >= 1
	}, time.Second, time.Millisecond)
	s.Stop()

	after := atomic.LoadInt64(&runner.passes)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&runner.passes), "no passes may run after Stop")
}

func TestSweeperAccumulatesErrors(t *testing.T) {
	runner := &countingRunner{result: sequence.SweepResult{
		Processed: 1, Failed: 1,
		Errors: []sequence.SweepItem{{ItemID: uuid.New(), Error: "boom"}},
	}}
	s := NewSweeper(runner, 15*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Totals().Failed >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweeperDefaultInterval(t *testing.T) {
	s := NewSweeper(&countingRunner{}, 0)
	assert.Equal(t, 30*time.Second, s.interval)
}
