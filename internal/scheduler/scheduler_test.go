package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfleet/controlplane/internal/logging"
)

func TestSchedulerRunsJobOnCadence(t *testing.T) {
	var runs atomic.Int32
	s := New(4, logging.GetGlobalLogger())
	s.Add(Job{
		Name:       "tick",
		Interval:   20 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestSchedulerEnforcesJobTimeout(t *testing.T) {
	sawDeadline := make(chan struct{})
	s := New(1, logging.GetGlobalLogger())
	s.Add(Job{
		Name:       "slow",
		Interval:   time.Hour,
		Timeout:    15 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(sawDeadline)
			return ctx.Err()
		},
	})

	s.Start(context.Background())
	select {
	case <-sawDeadline:
	case <-time.After(time.Second):
		t.Fatal("job context never hit its deadline")
	}
	require.NoError(t, s.Stop(context.Background()))
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	s := New(2, logging.GetGlobalLogger())
	for i := 0; i < 6; i++ {
		s.Add(Job{
			Name:       "busy",
			Interval:   time.Hour,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			},
		})
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestFanOutCollectsErrorsWithoutCancellingSiblings(t *testing.T) {
	var completed atomic.Int32
	tasks := []func(ctx context.Context) error{
		func(ctx context.Context) error { completed.Add(1); return assert.AnError },
		func(ctx context.Context) error { completed.Add(1); return nil },
		func(ctx context.Context) error { completed.Add(1); return nil },
	}

	results := FanOut(context.Background(), 2, 0, tasks)
	require.Len(t, results, 3)
	assert.Equal(t, int32(3), completed.Load())
	assert.ErrorIs(t, results[0], assert.AnError)
	assert.NoError(t, results[1])
	assert.NoError(t, results[2])
}

func TestFanOutPerTaskTimeout(t *testing.T) {
	tasks := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	results := FanOut(context.Background(), 1, 10*time.Millisecond, tasks)
	assert.ErrorIs(t, results[0], context.DeadlineExceeded)
}
