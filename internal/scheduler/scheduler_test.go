package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmon/kestrel-go/internal/logger"
)

func TestJobRunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := New(logger.NewNop())
	s.Add(Job{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, 5*time.Millisecond, "job ticks repeatedly")
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after stop")
}

func TestJobRunsImmediatelyOnStart(t *testing.T) {
	var runs atomic.Int64
	s := New(logger.NewNop())
	s.Add(Job{
		Name:     "eager",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, time.Millisecond)
	s.Stop()
}

func TestPanicAndErrorAreContained(t *testing.T) {
	var healthy atomic.Int64
	s := New(logger.NewNop())
	s.Add(
		Job{
			Name:     "panicky",
			Interval: 5 * time.Millisecond,
			Run:      func(context.Context) error { panic("boom") },
		},
		Job{
			Name:     "failing",
			Interval: 5 * time.Millisecond,
			Run:      func(context.Context) error { return errors.New("nope") },
		},
		Job{
			Name:     "healthy",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) error {
				healthy.Add(1)
				return nil
			},
		},
	)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return healthy.Load() >= 3 },
		time.Second, time.Millisecond, "sibling jobs keep running")
	s.Stop()
}

func TestRunHonorsTimeout(t *testing.T) {
	var sawDeadline atomic.Bool
	s := New(logger.NewNop())
	s.Add(Job{
		Name:     "slow",
		Interval: time.Hour,
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			sawDeadline.Store(true)
			return ctx.Err()
		},
	})

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return sawDeadline.Load() },
		time.Second, time.Millisecond)
	s.Stop()
}
