package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_CooperativeTasks_StopWithinGrace(t *testing.T) {
	// GIVEN a task that finishes on its own
	p := New(context.Background(), 2)
	var ran atomic.Bool
	require.NoError(t, p.Submit("quick", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))

	// WHEN the pool is shut down
	forced, err := p.Shutdown(time.Second)

	// THEN no cancellation was needed
	assert.False(t, forced)
	assert.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestPool_BlockingTask_ForceCancelledAfterGrace(t *testing.T) {
	// GIVEN a task that only returns on cancellation
	p := New(context.Background(), 2)
	require.NoError(t, p.Submit("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	// WHEN shut down with a short grace
	start := time.Now()
	forced, err := p.Shutdown(100 * time.Millisecond)
	elapsed := time.Since(start)

	// THEN it is cancelled once the grace elapses and the pool stops promptly
	assert.True(t, forced)
	assert.NoError(t, err, "context cancellation is not a task failure")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, p.Running())
}

func TestPool_TaskIgnoringCancellation_ReportsStuck(t *testing.T) {
	p := New(context.Background(), 2)
	p.StopWait = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Submit("stubborn", func(context.Context) error {
		<-release
		return nil
	}))

	forced, err := p.Shutdown(50 * time.Millisecond)

	assert.True(t, forced)
	assert.ErrorIs(t, err, ErrStuck)
}

func TestPool_FullPool_RejectsWithoutBlocking(t *testing.T) {
	// GIVEN a pool whose workers are all busy
	p := New(context.Background(), 2)
	block := func(ctx context.Context) error { <-ctx.Done(); return nil }
	require.NoError(t, p.Submit("a", block))
	require.NoError(t, p.Submit("b", block))

	// WHEN another task is submitted
	err := p.Submit("c", block)

	// THEN it is rejected
	assert.ErrorIs(t, err, ErrFull)
	_, _ = p.Shutdown(0)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(context.Background(), 2)
	_, err := p.Shutdown(time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Submit("late", func(context.Context) error { return nil }), ErrShutdown)
	_, err = p.Shutdown(time.Second)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestPool_TaskErrorAndPanic_ReportedNotPropagated(t *testing.T) {
	// GIVEN one failing task, one panicking task and one healthy task
	p := New(context.Background(), 3)
	boom := errors.New("boom")
	var healthyCtxErr atomic.Value
	require.NoError(t, p.Submit("failing", func(context.Context) error { return boom }))
	require.NoError(t, p.Submit("panicking", func(context.Context) error { panic("oops") }))
	require.NoError(t, p.Submit("healthy", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		healthyCtxErr.Store(ctx.Err() == nil)
		return nil
	}))

	// WHEN the pool is shut down
	forced, err := p.Shutdown(time.Second)

	// THEN a task error is reported but siblings were not cancelled
	assert.False(t, forced)
	assert.Error(t, err)
	assert.Equal(t, true, healthyCtxErr.Load())
}

func TestNew_TooSmall_Panics(t *testing.T) {
	assert.Panics(t, func() { New(context.Background(), 1) })
}
