package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/scheduler"
)

func TestSchedulerRunsEveryAccount(t *testing.T) {
	t.Parallel()

	var a, b atomic.Int32
	s, err := scheduler.New(nil, []scheduler.Job{
		{Account: "b", Schedule: "* * * * * *"},
		{Account: "a", Schedule: "* * * * * *"},
	}, func(_ context.Context, account string) {
		if account == "a" {
			a.Add(1)
		} else {
			b.Add(1)
		}
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Account)
	assert.Equal(t, "* * * * * *", jobs[0].Schedule)
	assert.False(t, jobs[0].NextRun.IsZero())

	assert.Eventually(t, func() bool { return a.Load() > 0 && b.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestSchedulerJobsDoNotOverlap(t *testing.T) {
	t.Parallel()

	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	s, err := scheduler.New(nil, []scheduler.Job{{Account: "a", Schedule: "* * * * * *"}},
		func(ctx context.Context, _ string) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
		})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(2500 * time.Millisecond)
	close(release)
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	s, err := scheduler.New(nil, []scheduler.Job{{Account: "a", Schedule: "not a cron"}}, func(context.Context, string) {})
	require.NoError(t, err)
	require.Error(t, s.Start(context.Background()))
}

func TestSchedulerStartTwice(t *testing.T) {
	t.Parallel()

	s, err := scheduler.New(nil, nil, func(context.Context, string) {})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop(), "stopping twice is a no-op")
}
