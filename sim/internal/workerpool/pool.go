// Package workerpool runs wall-clock background tasks in a bounded pool whose
// lifetime is tied to the foreground simulation. Shutdown is cooperative with
// a deadline: wait up to a grace period, then cancel the tasks' context.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MinWorkers is the smallest accepted pool: one long-running loop plus headroom
// for one subprocess-handling task.
const MinWorkers = 2

// DefaultStopWait bounds how long Shutdown waits for tasks after cancelling them.
const DefaultStopWait = 2 * time.Second

var (
	// ErrShutdown is returned by Submit once Shutdown has begun.
	ErrShutdown = errors.New("worker pool is shut down")
	// ErrFull is returned by Submit when every worker is busy.
	ErrFull = errors.New("worker pool is full")
	// ErrStuck is returned by Shutdown when tasks ignore cancellation past StopWait.
	ErrStuck = errors.New("worker pool tasks did not stop after cancellation")
)

// Task is a unit of background work. It must return once ctx is cancelled.
type Task func(ctx context.Context) error

// Pool is a fixed-size errgroup-backed worker pool.
type Pool struct {
	// StopWait bounds the wait after force-cancel; zero means DefaultStopWait.
	StopWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
	size   int

	mu     sync.Mutex
	closed bool

	running atomic.Int32
}

// New creates a pool of size workers whose tasks run under a context derived
// from parent. Panics if size < MinWorkers.
func New(parent context.Context, size int) *Pool {
	if size < MinWorkers {
		panic(fmt.Sprintf("workerpool.New: size must be >= %d, got %d", MinWorkers, size))
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{ctx: ctx, cancel: cancel, size: size}
	p.g.SetLimit(size)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Submit starts task on a free worker. It never blocks: a full pool returns ErrFull.
// Task errors and panics are logged and reported by Shutdown; they never
// cancel sibling tasks.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	ok := p.g.TryGo(func() (err error) {
		p.running.Add(1)
		defer p.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
				logrus.Errorf("%v\n%s", err, debug.Stack())
			}
		}()
		logrus.Debugf("worker pool: %s started", name)
		if err = task(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Warnf("worker pool: %s failed: %v", name, err)
			return fmt.Errorf("task %s: %w", name, err)
		}
		logrus.Debugf("worker pool: %s finished", name)
		return nil
	})
	if !ok {
		return fmt.Errorf("submitting %s: %w", name, ErrFull)
	}
	return nil
}

// Shutdown stops accepting tasks and waits up to grace for running tasks to
// return. When grace elapses it cancels the task context and waits at most
// StopWait more. forced reports whether cancellation was needed. The returned
// error is the first task error, or ErrStuck. Calling Shutdown again returns
// ErrShutdown.
func (p *Pool) Shutdown(grace time.Duration) (forced bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrShutdown
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.g.Wait() }()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err = <-done:
		p.cancel()
		return false, err
	case <-timer.C:
	}

	logrus.Warnf("worker pool: %d task(s) still running after %v grace, cancelling", p.Running(), grace)
	p.cancel()

	stopWait := p.StopWait
	if stopWait <= 0 {
		stopWait = DefaultStopWait
	}
	stop := time.NewTimer(stopWait)
	defer stop.Stop()
	select {
	case err = <-done:
		return true, err
	case <-stop.C:
		logrus.Errorf("worker pool: %d task(s) ignored cancellation for %v, abandoning", p.Running(), stopWait)
		return true, ErrStuck
	}
}
